package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
	"github.com/murmurapp/murmur/internal/connectivity"
	"github.com/murmurapp/murmur/internal/remote"
	"github.com/murmurapp/murmur/internal/store"
	"go.uber.org/zap"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu          sync.Mutex
	calls       []remote.Message
	err         error
	delay       time.Duration
	delays      []time.Duration // per-call override, by call order
	inFlight    int
	maxInFlight int
}

func (m *mockSender) SendMessage(ctx context.Context, msg remote.Message) error {
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay, err := m.delay, m.err
	if n := len(m.calls); n <= len(m.delays) {
		delay = m.delays[n-1]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.done()
			return ctx.Err()
		}
	}
	m.done()
	return err
}

func (m *mockSender) done() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockRefresher records refresh fan-out.
type mockRefresher struct {
	mu    sync.Mutex
	since map[string]int64
	full  []string
}

func newMockRefresher() *mockRefresher {
	return &mockRefresher{since: make(map[string]int64)}
}

func (m *mockRefresher) RefreshSince(groupID string, sinceTs int64) {
	m.mu.Lock()
	m.since[groupID] = sinceTs
	m.mu.Unlock()
}

func (m *mockRefresher) RefreshAll(groupID string) {
	m.mu.Lock()
	m.full = append(m.full, groupID)
	m.mu.Unlock()
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testProcessor(t *testing.T, sender MessageSender) (*Processor, *store.DB, *mockRefresher, *connectivity.Flag) {
	t.Helper()
	db := testDB(t)
	refresher := newMockRefresher()
	flag := connectivity.NewFlag(true)
	logger, _ := zap.NewDevelopment()
	p := NewProcessor(db, sender, refresher, flag, nil, bus.New(), logger)
	return p, db, refresher, flag
}

func queueEntry(t *testing.T, db *store.DB, id, groupID string) {
	t.Helper()
	err := db.QueueOutbox(&store.OutboxEntry{
		ID: id, GroupID: groupID, SenderID: "me", Content: "body-" + id, DedupeKey: "dk-" + id,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProcessDrainsQueue(t *testing.T) {
	mock := &mockSender{}
	p, db, refresher, _ := testProcessor(t, mock)

	queueEntry(t, db, "m1", "g1")
	queueEntry(t, db, "m2", "g2")

	stats := p.Process(context.Background())
	if stats.Skipped != "" {
		t.Fatalf("pass skipped: %q", stats.Skipped)
	}
	if stats.Sent != 2 {
		t.Errorf("sent = %d, want 2", stats.Sent)
	}
	if len(stats.Groups) != 2 {
		t.Errorf("groups = %v, want both g1 and g2", stats.Groups)
	}
	if mock.callCount() != 2 {
		t.Errorf("send calls = %d, want 2", mock.callCount())
	}
	// Dedupe keys travel with the payload.
	if mock.calls[0].DedupeKey == "" {
		t.Error("dedupe key missing from send payload")
	}

	n, err := db.QueuedOutboxCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("queued count = %d, want 0 after drain", n)
	}

	// Neither group is active, so both get a full reload.
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if len(refresher.full) != 2 {
		t.Errorf("full refreshes = %v, want 2", refresher.full)
	}
}

func TestProcessOfflineShortCircuits(t *testing.T) {
	mock := &mockSender{}
	p, db, _, flag := testProcessor(t, mock)
	flag.Set(false)

	queueEntry(t, db, "m1", "g1")

	stats := p.Process(context.Background())
	if stats.Skipped != "offline" {
		t.Errorf("skipped = %q, want offline", stats.Skipped)
	}
	if mock.callCount() != 0 {
		t.Errorf("send calls = %d, want 0 while offline", mock.callCount())
	}
	n, _ := db.QueuedOutboxCount()
	if n != 1 {
		t.Errorf("queued count = %d, entry must survive offline pass", n)
	}
}

func TestProcessFailureSchedulesBackoff(t *testing.T) {
	mock := &mockSender{err: fmt.Errorf("remote rejection")}
	p, db, _, _ := testProcessor(t, mock)

	queueEntry(t, db, "m1", "g1")

	stats := p.Process(context.Background())
	if stats.Failed != 1 || stats.Sent != 0 {
		t.Fatalf("stats = %+v, want 1 failure", stats)
	}

	e, err := db.GetOutbox("m1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("entry deleted on failure")
	}
	if e.Status != store.OutboxQueued {
		t.Errorf("status = %q, want queued", e.Status)
	}
	if e.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", e.RetryCount)
	}
	if e.NextRetryAt <= time.Now().UnixMilli() {
		t.Error("next_retry_at not pushed into the future")
	}

	// The entry is not due, and the pass observed nothing to do.
	stats = p.Process(context.Background())
	if stats.Skipped != "empty" {
		t.Errorf("skipped = %q, want empty (entry backed off)", stats.Skipped)
	}
}

func TestBackoffGrowth(t *testing.T) {
	if backoff(1) != 2*time.Second {
		t.Errorf("backoff(1) = %v", backoff(1))
	}
	if backoff(3) != 8*time.Second {
		t.Errorf("backoff(3) = %v", backoff(3))
	}
	if backoff(20) != backoffCap {
		t.Errorf("backoff(20) = %v, want cap", backoff(20))
	}
}

// Concurrent Process calls while a pass is running never start a second
// concurrent pass; they collapse into at most one rerun.
func TestAtMostOneActivePass(t *testing.T) {
	mock := &mockSender{delay: 200 * time.Millisecond}
	p, db, _, _ := testProcessor(t, mock)

	queueEntry(t, db, "m1", "g1")

	done := make(chan Stats, 1)
	go func() { done <- p.Process(context.Background()) }()

	// Let the first pass get in flight, then pile on.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		stats := p.Process(context.Background())
		if stats.Skipped != "busy" {
			t.Errorf("concurrent call %d: skipped = %q, want busy", i, stats.Skipped)
		}
	}

	first := <-done
	if first.Sent != 1 {
		t.Errorf("first pass sent = %d, want 1", first.Sent)
	}
	if mock.maxInFlight > 1 {
		t.Errorf("max concurrent sends = %d, want 1", mock.maxInFlight)
	}
	if got := p.takePendingReruns(); got != 5 {
		t.Errorf("pending reruns = %d, want 5", got)
	}
}

func TestEmptyQueueMemoTrusted(t *testing.T) {
	mock := &mockSender{}
	p, _, _, _ := testProcessor(t, mock)

	stats := p.Process(context.Background())
	if stats.Skipped != "empty" {
		t.Fatalf("skipped = %q, want empty", stats.Skipped)
	}
	// Within 1s, the empty observation is trusted without a re-query.
	stats = p.Process(context.Background())
	if stats.Skipped != "empty-memo" {
		t.Errorf("skipped = %q, want empty-memo", stats.Skipped)
	}
}

// A message submitted right after an empty observation must not be skipped
// by the empty-queue memo.
func TestSubmitInvalidatesEmptyMemo(t *testing.T) {
	mock := &mockSender{}
	p, _, _, _ := testProcessor(t, mock)

	if stats := p.Process(context.Background()); stats.Skipped != "empty" {
		t.Fatalf("skipped = %q, want empty", stats.Skipped)
	}

	if err := p.Submit(&store.OutboxEntry{GroupID: "g1", SenderID: "me", Content: "right away"}); err != nil {
		t.Fatal(err)
	}

	stats := p.Process(context.Background())
	if stats.Skipped != "" {
		t.Fatalf("skipped = %q, submitted work must run immediately", stats.Skipped)
	}
	if stats.Sent != 1 {
		t.Errorf("sent = %d, want 1", stats.Sent)
	}
}

func TestWatchdogClearsStuckPass(t *testing.T) {
	mock := &mockSender{delay: time.Minute}
	p, db, _, _ := testProcessor(t, mock)
	p.SetSendTimeout(time.Minute) // keep the attempt alive past the watchdog
	p.watchdogTimeout = 50 * time.Millisecond

	queueEntry(t, db, "m1", "g1")

	go p.Process(context.Background())
	time.Sleep(200 * time.Millisecond)

	// Watchdog must have force-cleared the busy flag: a new pass can start
	// (and records busy state correctly rather than queueing a rerun).
	if p.noteIfBusy() {
		t.Error("busy flag still set after watchdog window")
	}

	p.mu.Lock()
	timeouts := p.consecutiveTimeouts
	p.mu.Unlock()
	if timeouts != 1 {
		t.Errorf("consecutive timeouts = %d, want 1", timeouts)
	}
}

// A force-cleared pass finishing late must not disarm the watchdog of the
// pass that started after it; a second wedged pass still gets force-cleared.
func TestLateFinishLeavesSuccessorWatchdogArmed(t *testing.T) {
	mock := &mockSender{delays: []time.Duration{200 * time.Millisecond, 10 * time.Second}}
	p, db, _, _ := testProcessor(t, mock)
	p.SetSendTimeout(time.Minute)
	p.watchdogTimeout = 100 * time.Millisecond

	queueEntry(t, db, "m1", "g1")
	go p.Process(context.Background())

	// Let the first watchdog force-clear, then start a second pass that
	// wedges while the first send is still in flight.
	time.Sleep(150 * time.Millisecond)
	queueEntry(t, db, "m2", "g1")
	go p.Process(context.Background())

	// First pass finishes (~200ms), second watchdog fires (~250ms).
	time.Sleep(350 * time.Millisecond)

	if p.noteIfBusy() {
		t.Error("busy flag still set: successor watchdog was disarmed")
	}
}

func TestConsecutiveTimeoutCapDisablesUntilReset(t *testing.T) {
	mock := &mockSender{}
	p, db, _, _ := testProcessor(t, mock)

	queueEntry(t, db, "m1", "g1")

	p.mu.Lock()
	p.consecutiveTimeouts = maxConsecutiveTimeouts
	p.mu.Unlock()

	stats := p.Process(context.Background())
	if stats.Skipped != "disabled" {
		t.Fatalf("skipped = %q, want disabled", stats.Skipped)
	}
	if mock.callCount() != 0 {
		t.Error("send attempted while disabled")
	}

	p.Reset()

	stats = p.Process(context.Background())
	if stats.Sent != 1 {
		t.Errorf("sent after reset = %d, want 1", stats.Sent)
	}
}

func TestActiveGroupGetsDeltaRefresh(t *testing.T) {
	mock := &mockSender{}
	p, db, refresher, _ := testProcessor(t, mock)
	p.SetActiveGroup("g1")

	// A known latest message enables the delta fetch.
	if err := db.UpsertAuthoritative(&store.Message{ID: "old", GroupID: "g1", Content: "x", Kind: store.KindText, CreatedAt: 500}); err != nil {
		t.Fatal(err)
	}
	queueEntry(t, db, "m1", "g1")

	if stats := p.Process(context.Background()); stats.Sent != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if _, ok := refresher.since["g1"]; !ok {
		t.Errorf("active group got %v full refreshes, want a delta refresh", refresher.full)
	}
}

func TestRefreshThrottledPerGroup(t *testing.T) {
	mock := &mockSender{}
	p, db, refresher, _ := testProcessor(t, mock)

	queueEntry(t, db, "m1", "g1")
	if stats := p.Process(context.Background()); stats.Sent != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// Second delivery to the same group right away: refresh suppressed.
	queueEntry(t, db, "m2", "g1")
	if stats := p.Process(context.Background()); stats.Sent != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if len(refresher.full) != 1 {
		t.Errorf("refreshes = %d, want 1 (throttled)", len(refresher.full))
	}
}

func TestSubmitPersistsAndQueues(t *testing.T) {
	mock := &mockSender{}
	p, db, _, _ := testProcessor(t, mock)

	e := &store.OutboxEntry{GroupID: "g1", SenderID: "me", Content: "hello"}
	if err := p.Submit(e); err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.DedupeKey == "" {
		t.Error("Submit must generate id and dedupe key")
	}

	due, err := db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != e.ID {
		t.Fatalf("due = %+v, want the submitted entry", due)
	}
}
