package store

import (
	"fmt"
	"time"
)

// BulkUpsertReactions imports reactions in a single transaction.
func (db *DB) BulkUpsertReactions(reactions []Reaction) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, r := range reactions {
		createdAt := r.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := tx.Exec(`
			INSERT INTO reactions (message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, user_id, emoji) DO NOTHING`,
			r.MessageID, r.UserID, r.Emoji, createdAt); err != nil {
			return fmt.Errorf("upsert reaction %q/%q: %w", r.MessageID, r.UserID, err)
		}
	}
	return tx.Commit()
}

// ListReactions returns the reactions for a message.
func (db *DB) ListReactions(messageID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id = ? ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// UpsertPoll stores the poll payload attached to a poll-kind message.
func (db *DB) UpsertPoll(p *Poll) error {
	_, err := db.Exec(`
		INSERT INTO polls (message_id, question, options, closes_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			question = excluded.question,
			options = excluded.options,
			closes_at = excluded.closes_at`,
		p.MessageID, p.Question, p.Options, p.ClosesAt)
	return err
}
