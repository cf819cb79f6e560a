package store

import (
	"database/sql"
	"errors"
	"time"
)

// Outbox entry statuses.
const (
	OutboxDraft    = "draft"
	OutboxQueued   = "queued"
	OutboxInflight = "inflight"
)

// SaveDraft persists a send request immediately for crash recovery, before
// it is promoted into the queue. The entry id doubles as the message id.
func (db *DB) SaveDraft(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if e.Kind == "" {
		e.Kind = KindText
	}
	_, err := db.Exec(`
		INSERT INTO outbox (id, group_id, sender_id, content, message_type, category, parent_id, image_url, is_ghost, dedupe_key, status, retry_count, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'draft', 0, 0, ?, ?)`,
		e.ID, e.GroupID, e.SenderID, e.Content, e.Kind, nullable(e.Category), nullable(e.ParentID), nullable(e.ImageURL), e.Ghost, e.DedupeKey, e.CreatedAt, now)
	return err
}

// EnqueueOutbox promotes a draft to queued, making it eligible for the next
// processing pass.
func (db *DB) EnqueueOutbox(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE id = ? AND status = 'draft'`, now, id)
	return err
}

// QueueOutbox persists and queues an entry in one step.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	if err := db.SaveDraft(e); err != nil {
		return err
	}
	return db.EnqueueOutbox(e.ID)
}

// RecoverOutbox requeues rows stranded by a crash: drafts that were never
// promoted, and inflight sends that never resolved. Runs once at startup,
// before the first processing pass.
func (db *DB) RecoverOutbox() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status IN ('draft', 'inflight')`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DueOutbox returns queued entries whose retry schedule has elapsed,
// oldest first.
func (db *DB) DueOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, group_id, sender_id, content, message_type, COALESCE(category, ''), COALESCE(parent_id, ''), COALESCE(image_url, ''), is_ghost, dedupe_key, status, retry_count, next_retry_at, created_at
		FROM outbox
		WHERE status = 'queued' AND next_retry_at <= ?
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.GroupID, &e.SenderID, &e.Content, &e.Kind, &e.Category, &e.ParentID, &e.ImageURL, &e.Ghost, &e.DedupeKey, &e.Status, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxInflight transitions an entry to inflight for the duration of a
// send attempt.
func (db *DB) MarkOutboxInflight(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'inflight', updated_at = ? WHERE id = ?`, now, id)
	return err
}

// MarkOutboxRetry returns a failed entry to the queue with an incremented
// retry count and a pushed-out next-retry timestamp.
func (db *DB) MarkOutboxRetry(id string, retryCount int, nextRetryAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', retry_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		retryCount, nextRetryAt, now, id)
	return err
}

// DeleteOutbox removes a delivered entry from the queue.
func (db *DB) DeleteOutbox(id string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// GetOutbox returns a single entry by id, or nil if absent.
func (db *DB) GetOutbox(id string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, group_id, sender_id, content, message_type, COALESCE(category, ''), COALESCE(parent_id, ''), COALESCE(image_url, ''), is_ghost, dedupe_key, status, retry_count, next_retry_at, created_at
		FROM outbox WHERE id = ?`, id).
		Scan(&e.ID, &e.GroupID, &e.SenderID, &e.Content, &e.Kind, &e.Category, &e.ParentID, &e.ImageURL, &e.Ghost, &e.DedupeKey, &e.Status, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindOutboxByDedupe locates a queued entry by its idempotency token so an
// authoritative remote copy can retire it.
func (db *DB) FindOutboxByDedupe(groupID, senderID, dedupeKey string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, group_id, sender_id, content, message_type, COALESCE(category, ''), COALESCE(parent_id, ''), COALESCE(image_url, ''), is_ghost, dedupe_key, status, retry_count, next_retry_at, created_at
		FROM outbox WHERE group_id = ? AND sender_id = ? AND dedupe_key = ?`,
		groupID, senderID, dedupeKey).
		Scan(&e.ID, &e.GroupID, &e.SenderID, &e.Content, &e.Kind, &e.Category, &e.ParentID, &e.ImageURL, &e.Ghost, &e.DedupeKey, &e.Status, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// QueuedOutboxCount returns the number of entries still awaiting delivery.
func (db *DB) QueuedOutboxCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status IN ('queued', 'inflight')`).Scan(&n)
	return n, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
