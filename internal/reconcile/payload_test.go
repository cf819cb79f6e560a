package reconcile

import (
	"testing"

	"github.com/murmurapp/murmur/internal/store"
)

func TestParsePartial(t *testing.T) {
	p, err := Parse(map[string]string{
		"message_id": "m1",
		"group_id":   "g1",
		"created_at": "1700000000000",
	})
	if err != nil {
		t.Fatal(err)
	}
	partial, ok := p.(Partial)
	if !ok {
		t.Fatalf("type = %T, want Partial", p)
	}
	if partial.ID != "m1" || partial.GroupID != "g1" || partial.CreatedAt != 1700000000000 {
		t.Errorf("partial = %+v", partial)
	}
}

func TestParseFull(t *testing.T) {
	p, err := Parse(map[string]string{
		"message_id": "m1",
		"group_id":   "g1",
		"user_id":    "u2",
		"content":    "hello",
		"msg_type":   "confession",
		"is_ghost":   "true",
		"parent_id":  "m0",
		"dedupe_key": "dk",
		"created_at": "42",
	})
	if err != nil {
		t.Fatal(err)
	}
	full, ok := p.(Full)
	if !ok {
		t.Fatalf("type = %T, want Full", p)
	}
	m := full.Message
	if m.Content != "hello" || m.Kind != store.KindConfession || !m.Ghost || m.ParentID != "m0" || m.DedupeKey != "dk" {
		t.Errorf("message = %+v", m)
	}
}

func TestParseDefaultsKindToText(t *testing.T) {
	p, err := Parse(map[string]string{
		"message_id": "m1",
		"group_id":   "g1",
		"content":    "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.(Full).Message.Kind != store.KindText {
		t.Errorf("kind = %q, want text", p.(Full).Message.Kind)
	}
}

func TestParseRejectsMissingIdentity(t *testing.T) {
	for _, data := range []map[string]string{
		{},
		{"message_id": "m1"},
		{"group_id": "g1"},
	} {
		if _, err := Parse(data); err == nil {
			t.Errorf("Parse(%v) should fail", data)
		}
	}
}

func TestParseTimestampFormats(t *testing.T) {
	if got := parseTimestamp("1700000000000"); got != 1700000000000 {
		t.Errorf("millis = %d", got)
	}
	if got := parseTimestamp("2023-11-14T22:13:20Z"); got != 1700000000000 {
		t.Errorf("rfc3339 = %d, want 1700000000000", got)
	}
	// Garbage falls back to roughly now.
	if got := parseTimestamp("not-a-time"); got == 0 {
		t.Error("fallback timestamp is zero")
	}
}
