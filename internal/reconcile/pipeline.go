package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
	"github.com/murmurapp/murmur/internal/remote"
	"github.com/murmurapp/murmur/internal/store"
	"go.uber.org/zap"
)

// Fetcher retrieves the authoritative copy of a message from the backend.
type Fetcher interface {
	FetchMessage(ctx context.Context, id string) (*remote.Message, error)
}

// Pipeline merges provisional and authoritative message state into the
// durable store. Every inbound notification moves a message id through
// unknown -> provisional -> authoritative; the provisional state is skipped
// when full fields arrive first.
type Pipeline struct {
	db      *store.DB
	fetcher Fetcher
	bus     *bus.Bus
	logger  *zap.Logger

	// Verification retries quietly inside this window; past it the
	// provisional row is left in place.
	verifyWindow  time.Duration
	verifyBackoff time.Duration
}

// NewPipeline creates a reconciliation pipeline.
func NewPipeline(db *store.DB, fetcher Fetcher, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:            db,
		fetcher:       fetcher,
		bus:           b,
		logger:        logger,
		verifyWindow:  45 * time.Second,
		verifyBackoff: 2 * time.Second,
	}
}

// HandlePush is the push-relay entry point. The fast path (provisional write
// plus UI signal) completes before any network work starts.
func (pl *Pipeline) HandlePush(ctx context.Context, data map[string]string) error {
	payload, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse push payload: %w", err)
	}

	switch v := payload.(type) {
	case Partial:
		return pl.handlePartial(ctx, v)
	case Full:
		return pl.Apply(ctx, v)
	default:
		return fmt.Errorf("unhandled payload type %T", payload)
	}
}

func (pl *Pipeline) handlePartial(ctx context.Context, p Partial) error {
	exists, err := pl.db.MessageExists(p.ID)
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}
	if exists {
		// Known id, provisional or authoritative: no re-fetch needed.
		return nil
	}

	if err := pl.db.InsertProvisional(p.ID, p.GroupID, p.UserID, p.CreatedAt); err != nil {
		return fmt.Errorf("insert provisional: %w", err)
	}
	pl.bus.Publish(bus.Event{
		Kind:    bus.KindMessageProvisional,
		Payload: map[string]string{"group_id": p.GroupID, "id": p.ID},
	})
	pl.logger.Info("provisional message written", zap.String("id", p.ID), zap.String("group_id", p.GroupID))

	// Verification runs detached; it never delays or undoes the visible row.
	go pl.verify(p.ID)
	return nil
}

// Apply upserts an authoritative message. Whichever authoritative payload
// arrives first wins; later arrivals for the same id are no-ops.
func (pl *Pipeline) Apply(ctx context.Context, f Full) error {
	m := f.Message

	// An authoritative copy matching a still-queued local send retires the
	// outbox entry instead of producing a duplicate row.
	if m.DedupeKey != "" {
		entry, err := pl.db.FindOutboxByDedupe(m.GroupID, m.UserID, m.DedupeKey)
		if err != nil {
			return fmt.Errorf("dedupe lookup: %w", err)
		}
		if entry != nil {
			if err := pl.db.DeleteOutbox(entry.ID); err != nil {
				return fmt.Errorf("retire outbox entry: %w", err)
			}
			pl.logger.Info("outbox entry retired by authoritative copy",
				zap.String("id", entry.ID), zap.String("dedupe_key", m.DedupeKey))
		}
	}

	if err := pl.db.UpsertAuthoritative(&m); err != nil {
		return fmt.Errorf("upsert authoritative: %w", err)
	}

	pl.bus.Publish(bus.Event{
		Kind:    bus.KindMessageUpserted,
		Payload: map[string]string{"group_id": m.GroupID, "id": m.ID, "user_id": m.UserID},
	})
	return nil
}

// verify fetches authoritative content for a provisional row, retrying with
// backoff inside the window. On window expiry the row is left as-is.
func (pl *Pipeline) verify(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), pl.verifyWindow)
	defer cancel()

	delay := pl.verifyBackoff
	for {
		msg, err := pl.fetcher.FetchMessage(ctx, id)
		if err == nil {
			if applyErr := pl.Apply(ctx, Full{Message: toStoreMessage(msg)}); applyErr != nil {
				pl.logger.Warn("verification apply failed", zap.String("id", id), zap.Error(applyErr))
			}
			return
		}

		pl.logger.Debug("verification fetch failed", zap.String("id", id), zap.Error(err))
		select {
		case <-ctx.Done():
			// The bubble stays visible as a placeholder; the next full
			// payload for this id will upgrade it.
			pl.logger.Warn("verification window expired", zap.String("id", id))
			return
		case <-time.After(delay):
			delay *= 2
		}
	}
}

func toStoreMessage(m *remote.Message) store.Message {
	return store.Message{
		ID:        m.ID,
		GroupID:   m.GroupID,
		UserID:    m.UserID,
		Content:   m.Content,
		Kind:      m.Kind,
		Category:  m.Category,
		ParentID:  m.ParentID,
		ImageURL:  m.ImageURL,
		Ghost:     m.Ghost,
		DedupeKey: m.DedupeKey,
		CreatedAt: m.CreatedAt,
	}
}
