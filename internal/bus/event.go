package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine. Subscribers filter by prefix,
// e.g. "message." receives every message-related event.
const (
	KindMessageUpserted    = "message.upserted"
	KindMessageProvisional = "message.provisional"
	KindOutboxQueued       = "outbox.queued"
	KindOutboxDrained      = "outbox.drained"
	KindGroupRefresh       = "group.refresh"
	KindCursorUpdated      = "cursor.updated"
	KindNetOnline          = "net.online"
	KindNetOffline         = "net.offline"
	KindPushReceived       = "push.received"
	KindRealtimeMessage    = "realtime.message"
	KindRealtimeReconnect  = "realtime.reconnected"
	KindEngineStatus       = "engine.status_changed"
)
