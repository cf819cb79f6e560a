// Package cursor computes unread state from a message-id-based read cursor
// and keeps that cursor in sync with the backend.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
	"github.com/murmurapp/murmur/internal/remote"
	"github.com/murmurapp/murmur/internal/store"
	"go.uber.org/zap"
)

// Syncer mirrors read cursors to and from the backend.
type Syncer interface {
	PushCursor(ctx context.Context, cur remote.Cursor) error
	PullCursor(ctx context.Context, groupID, userID string) (*remote.Cursor, error)
}

// Unread is the result of a first-unread calculation.
type Unread struct {
	FirstUnreadID string // empty when nothing is unread
	Count         int
}

// Engine owns read-cursor reads, writes, and the unread calculation. The
// in-memory latest-message tracker distinguishes a cursor loaded from cache
// (never auto-marked) from a genuine new-message transition.
type Engine struct {
	db     *store.DB
	syncer Syncer
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	latest map[string]string // groupID+"\x00"+userID -> last observed latest message id
}

// NewEngine creates a read-cursor engine. syncer may be nil for local-only use.
func NewEngine(db *store.DB, syncer Syncer, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		syncer: syncer,
		bus:    b,
		logger: logger,
		latest: make(map[string]string),
	}
}

// FirstUnread locates the first unread message and unread count for a user
// within the loaded window (ordered ascending by creation time, id
// tie-break). A null cursor means the user has never read the group: no
// unread separator, count zero.
func (e *Engine) FirstUnread(groupID, userID string, loaded []store.Message) (Unread, error) {
	cursorID, _, err := e.db.GetReadCursor(groupID, userID)
	if err != nil {
		return Unread{}, fmt.Errorf("read cursor: %w", err)
	}
	if cursorID == nil {
		return Unread{}, nil
	}

	pos := -1
	for i, m := range loaded {
		if m.ID == *cursorID {
			pos = i
			break
		}
	}

	var result Unread
	if pos == -1 {
		// The cursor scrolled out of the retained window. Conservatively
		// treat every other-authored loaded message as unread rather than
		// hiding unread state.
		for _, m := range loaded {
			if m.UserID == userID {
				continue
			}
			if result.FirstUnreadID == "" {
				result.FirstUnreadID = m.ID
			}
			result.Count++
		}
		return result, nil
	}

	for _, m := range loaded[pos+1:] {
		if m.UserID == userID {
			continue
		}
		if result.FirstUnreadID == "" {
			result.FirstUnreadID = m.ID
		}
		result.Count++
	}
	return result, nil
}

// UpdateLastRead upserts the cursor for (group, user). If the group or
// member rows have not been synchronized locally yet, the write is a soft
// no-op: logged, left for a later retry, never an error.
func (e *Engine) UpdateLastRead(ctx context.Context, groupID, userID, messageID string, readAt int64) error {
	ok, err := e.guard(groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("read cursor deferred, rows not yet synced",
			zap.String("group_id", groupID), zap.String("user_id", userID))
		return nil
	}

	if err := e.db.UpdateReadCursor(groupID, userID, messageID, readAt); err != nil {
		return fmt.Errorf("update read cursor: %w", err)
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindCursorUpdated,
		Payload: map[string]string{"group_id": groupID, "user_id": userID, "message_id": messageID},
	})

	if e.syncer != nil {
		// Remote mirror is fire-and-forget; the cursor converges on the
		// next sync if this misses.
		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			cur := remote.Cursor{GroupID: groupID, UserID: userID, MessageID: messageID, ReadAt: readAt}
			if err := e.syncer.PushCursor(pushCtx, cur); err != nil {
				e.logger.Warn("cursor push failed", zap.String("group_id", groupID), zap.Error(err))
			}
		}()
	}
	return nil
}

// SyncReadStatus pulls another device's cursor and applies it locally with
// the same upsert-with-guard semantics.
func (e *Engine) SyncReadStatus(ctx context.Context, groupID, userID string) error {
	if e.syncer == nil {
		return nil
	}
	cur, err := e.syncer.PullCursor(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("pull cursor: %w", err)
	}

	ok, err := e.guard(groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("remote cursor deferred, rows not yet synced",
			zap.String("group_id", groupID), zap.String("user_id", userID))
		return nil
	}
	if err := e.db.UpdateReadCursor(groupID, userID, cur.MessageID, cur.ReadAt); err != nil {
		return fmt.Errorf("apply remote cursor: %w", err)
	}
	return nil
}

// ObserveLatest feeds the auto-mark-as-read decision. The first observation
// in a session seeds the tracker and never marks: a value loaded from the
// local cache is not a new message. Only a transition from a known prior
// latest id to a different one marks the new id as read, exactly once.
func (e *Engine) ObserveLatest(ctx context.Context, groupID, userID, latestID string, createdAt int64) (bool, error) {
	key := groupID + "\x00" + userID

	e.mu.Lock()
	prior, seen := e.latest[key]
	if !seen || prior == latestID {
		e.latest[key] = latestID
		e.mu.Unlock()
		return false, nil
	}
	e.latest[key] = latestID
	e.mu.Unlock()

	if err := e.UpdateLastRead(ctx, groupID, userID, latestID, time.Now().UnixMilli()); err != nil {
		// Roll the tracker back so the next observation retries the mark.
		e.mu.Lock()
		if e.latest[key] == latestID {
			e.latest[key] = prior
		}
		e.mu.Unlock()
		return false, err
	}
	return true, nil
}

// ResetSession clears the in-memory latest tracker, e.g. on app resume when
// cached values must be re-seeded rather than trusted.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	e.latest = make(map[string]string)
	e.mu.Unlock()
}

// guard checks referential integrity before a cursor write: the group and
// member rows must already be present locally.
func (e *Engine) guard(groupID, userID string) (bool, error) {
	groupOK, err := e.db.GroupExists(groupID)
	if err != nil {
		return false, fmt.Errorf("group check: %w", err)
	}
	if !groupOK {
		return false, nil
	}
	memberOK, err := e.db.MemberExists(groupID, userID)
	if err != nil {
		return false, fmt.Errorf("member check: %w", err)
	}
	return memberOK, nil
}
