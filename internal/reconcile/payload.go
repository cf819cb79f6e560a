package reconcile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/murmurapp/murmur/internal/store"
)

// Push and realtime sources deliver loosely shaped string maps. They are
// validated here, at the boundary, into a tagged union before entering the
// pipeline's state machine.

// Payload is either a Partial or a Full notification of a new message.
type Payload interface {
	isPayload()
	MessageID() string
}

// Partial carries only the fields a minimal push notification includes.
type Partial struct {
	ID        string
	GroupID   string
	UserID    string
	CreatedAt int64
}

func (Partial) isPayload()          {}
func (p Partial) MessageID() string { return p.ID }

// Full carries the complete authoritative message.
type Full struct {
	Message store.Message
}

func (Full) isPayload()          {}
func (f Full) MessageID() string { return f.Message.ID }

// Parse validates a push-relay data map into a Partial or Full payload.
// A payload with content is authoritative; one without is partial.
func Parse(data map[string]string) (Payload, error) {
	id := data["message_id"]
	groupID := data["group_id"]
	if id == "" || groupID == "" {
		return nil, fmt.Errorf("payload missing message_id or group_id")
	}

	createdAt := parseTimestamp(data["created_at"])

	content, hasContent := data["content"]
	if !hasContent {
		return Partial{
			ID:        id,
			GroupID:   groupID,
			UserID:    data["user_id"],
			CreatedAt: createdAt,
		}, nil
	}

	kind := data["msg_type"]
	if kind == "" {
		kind = store.KindText
	}
	return Full{Message: store.Message{
		ID:        id,
		GroupID:   groupID,
		UserID:    data["user_id"],
		Content:   content,
		Kind:      kind,
		Category:  data["category"],
		ParentID:  data["parent_id"],
		ImageURL:  data["image_url"],
		Ghost:     data["is_ghost"] == "true",
		DedupeKey: data["dedupe_key"],
		CreatedAt: createdAt,
	}}, nil
}

// parseTimestamp accepts unix milliseconds or RFC3339; a missing or garbled
// value falls back to now so the row still sorts near the top.
func parseTimestamp(raw string) int64 {
	if raw == "" {
		return time.Now().UnixMilli()
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UnixMilli()
	}
	return time.Now().UnixMilli()
}
