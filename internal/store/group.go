package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertGroup inserts or updates a group.
func (db *DB) UpsertGroup(g *Group) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO groups (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE groups.name END,
			updated_at = excluded.updated_at`,
		g.ID, g.Name, g.CreatedAt, now)
	return err
}

// GroupExists reports whether a group row is present locally.
func (db *DB) GroupExists(id string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM groups WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertMember inserts or updates a membership row without touching the
// read cursor columns.
func (db *DB) UpsertMember(groupID, userID string, joinedAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO group_members (group_id, user_id, joined_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET updated_at = excluded.updated_at`,
		groupID, userID, joinedAt, now)
	return err
}

// MemberExists reports whether a (group, user) membership row is present.
func (db *DB) MemberExists(groupID, userID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetReadCursor returns the read cursor for a (group, user). Both return
// values are nil when the user has never read the group.
func (db *DB) GetReadCursor(groupID, userID string) (messageID *string, readAt *int64, err error) {
	err = db.QueryRow(`
		SELECT last_read_message_id, last_read_at FROM group_members
		WHERE group_id = ? AND user_id = ?`, groupID, userID).
		Scan(&messageID, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return messageID, readAt, nil
}

// UpdateReadCursor upserts the read cursor for a (group, user). The member
// row is created when missing so a first-time read sticks.
func (db *DB) UpdateReadCursor(groupID, userID, messageID string, readAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO group_members (group_id, user_id, joined_at, last_read_at, last_read_message_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET
			last_read_at = excluded.last_read_at,
			last_read_message_id = excluded.last_read_message_id,
			updated_at = excluded.updated_at`,
		groupID, userID, now, readAt, messageID, now)
	return err
}
