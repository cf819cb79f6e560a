package store

// Message kinds accepted from the backend and the composer.
const (
	KindText       = "text"
	KindPoll       = "poll"
	KindConfession = "confession"
	KindNews       = "news"
	KindImage      = "image"
)

// CategoryPlaceholder marks a provisional message row written from a partial
// push payload, pending authoritative content.
const CategoryPlaceholder = "placeholder"

// PlaceholderContent is the visible body of a provisional message.
const PlaceholderContent = "New message"

// Group is a conversation the local user belongs to.
type Group struct {
	ID        string
	Name      string
	CreatedAt int64
}

// Member is a (group, user) membership row. LastReadAt/LastReadMessageID
// form the read cursor; nil means the user has never read the group.
type Member struct {
	GroupID           string
	UserID            string
	JoinedAt          int64
	LastReadAt        *int64
	LastReadMessageID *string
}

// Message is an immutable message row. The single permitted mutation is the
// in-place upgrade of a placeholder row to authoritative content.
type Message struct {
	ID        string
	GroupID   string
	UserID    string
	Content   string
	Kind      string
	Category  string
	ParentID  string
	ImageURL  string
	Ghost     bool
	DedupeKey string
	CreatedAt int64
}

// OutboxEntry is a durable queued send request. The entry id is reused as
// the eventual message id; the dedupe key is unique per (group, sender).
type OutboxEntry struct {
	ID          string
	GroupID     string
	SenderID    string
	Content     string
	Kind        string
	Category    string
	ParentID    string
	ImageURL    string
	Ghost       bool
	DedupeKey   string
	Status      string // draft, queued, inflight
	RetryCount  int
	NextRetryAt int64
	CreatedAt   int64
}

// PseudonymEntry is a cached anonymous display name for a (group, user).
type PseudonymEntry struct {
	GroupID   string
	UserID    string
	Pseudonym string
	FetchedAt int64
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt int64
}

// Poll holds the payload of a poll-kind message.
type Poll struct {
	MessageID string
	Question  string
	Options   string // JSON array of option labels
	ClosesAt  *int64
}
