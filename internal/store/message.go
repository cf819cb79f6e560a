package store

import (
	"database/sql"
	"errors"
	"time"
)

// InsertProvisional writes a placeholder row for a message known only by
// partial push fields. No-op if the id already exists (any state).
func (db *DB) InsertProvisional(id, groupID, userID string, createdAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, group_id, user_id, content, message_type, category, created_at, inserted_at)
		VALUES (?, ?, ?, ?, 'text', ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, groupID, userID, PlaceholderContent, CategoryPlaceholder, createdAt, now)
	return err
}

// UpsertAuthoritative inserts an authoritative message row, or upgrades an
// existing placeholder row in place. A second authoritative arrival for the
// same id is a no-op. This is the sole permitted mutation of a message.
func (db *DB) UpsertAuthoritative(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, group_id, user_id, content, message_type, category, parent_id, image_url, is_ghost, dedupe_key, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			content = excluded.content,
			message_type = excluded.message_type,
			category = excluded.category,
			parent_id = excluded.parent_id,
			image_url = excluded.image_url,
			is_ghost = excluded.is_ghost,
			dedupe_key = excluded.dedupe_key
		WHERE messages.category = 'placeholder'`,
		m.ID, m.GroupID, m.UserID, m.Content, m.Kind, nullable(m.Category), nullable(m.ParentID), nullable(m.ImageURL), m.Ghost, nullable(m.DedupeKey), m.CreatedAt, now)
	return err
}

// MessageExists reports whether a row (provisional or authoritative) exists
// for the given id.
func (db *DB) MessageExists(id string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, group_id, user_id, content, message_type, COALESCE(category, ''), COALESCE(parent_id, ''), COALESCE(image_url, ''), is_ghost, COALESCE(dedupe_key, ''), created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.GroupID, &m.UserID, &m.Content, &m.Kind, &m.Category, &m.ParentID, &m.ImageURL, &m.Ghost, &m.DedupeKey, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a group's messages created at or after sinceTs,
// ordered by (created_at, id) ascending. sinceTs <= 0 returns everything.
func (db *DB) ListMessages(groupID string, sinceTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, group_id, user_id, content, message_type, COALESCE(category, ''), COALESCE(parent_id, ''), COALESCE(image_url, ''), is_ghost, COALESCE(dedupe_key, ''), created_at
		FROM messages
		WHERE group_id = ? AND created_at >= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, groupID, sinceTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Content, &m.Kind, &m.Category, &m.ParentID, &m.ImageURL, &m.Ghost, &m.DedupeKey, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestMessage returns the newest message in a group, or nil for an empty
// group.
func (db *DB) LatestMessage(groupID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, group_id, user_id, content, message_type, COALESCE(category, ''), COALESCE(parent_id, ''), COALESCE(image_url, ''), is_ghost, COALESCE(dedupe_key, ''), created_at
		FROM messages WHERE group_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, groupID).
		Scan(&m.ID, &m.GroupID, &m.UserID, &m.Content, &m.Kind, &m.Category, &m.ParentID, &m.ImageURL, &m.Ghost, &m.DedupeKey, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
