package store

import (
	"database/sql"
	"errors"
)

// GetPseudonym returns the cached pseudonym for a (group, user), or nil.
func (db *DB) GetPseudonym(groupID, userID string) (*PseudonymEntry, error) {
	var p PseudonymEntry
	err := db.QueryRow(`
		SELECT group_id, user_id, pseudonym, fetched_at FROM user_pseudonyms
		WHERE group_id = ? AND user_id = ?`, groupID, userID).
		Scan(&p.GroupID, &p.UserID, &p.Pseudonym, &p.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPseudonym inserts or refreshes a cached pseudonym.
func (db *DB) PutPseudonym(p *PseudonymEntry) error {
	_, err := db.Exec(`
		INSERT INTO user_pseudonyms (group_id, user_id, pseudonym, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, user_id) DO UPDATE SET
			pseudonym = excluded.pseudonym,
			fetched_at = excluded.fetched_at`,
		p.GroupID, p.UserID, p.Pseudonym, p.FetchedAt)
	return err
}
