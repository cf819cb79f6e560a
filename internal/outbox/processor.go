package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/murmurapp/murmur/internal/bus"
	"github.com/murmurapp/murmur/internal/connectivity"
	"github.com/murmurapp/murmur/internal/remote"
	"github.com/murmurapp/murmur/internal/status"
	"github.com/murmurapp/murmur/internal/store"
	"go.uber.org/zap"
)

const (
	// A very recent empty-queue observation is trusted without re-querying.
	emptyMemoWindow = time.Second
	// Bound on a single delivery attempt.
	defaultSendTimeout = 10 * time.Second
	// Per-group refresh throttle after successful deliveries.
	refreshThrottle = 2 * time.Second
	// Watchdog force-clears the busy flag if a pass never completes.
	watchdogTimeout = 15 * time.Second
	// After this many consecutive timed-out passes, automatic retries stop
	// until Reset.
	maxConsecutiveTimeouts = 5

	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// MessageSender delivers one outbound message to the backend.
type MessageSender interface {
	SendMessage(ctx context.Context, msg remote.Message) error
}

// GroupRefresher reloads a conversation's messages after deliveries. It is
// implemented by the UI-facing layer.
type GroupRefresher interface {
	// RefreshSince fetches only messages newer than sinceTs.
	RefreshSince(groupID string, sinceTs int64)
	// RefreshAll reloads the whole conversation window.
	RefreshAll(groupID string)
}

// Stats summarizes one processing pass.
type Stats struct {
	Sent   int
	Failed int
	Groups []string // groups with at least one successful delivery
	// Skipped names the preflight that short-circuited the pass, empty if
	// the pass ran. A short-circuit is not an error.
	Skipped string
}

// Processor drains the durable outbox and delivers entries to the backend.
// All mutable coordination state (busy flag, pending-rerun counter, per-group
// refresh timestamps) lives on this one instance and is reset atomically by
// Reset.
type Processor struct {
	db        *store.DB
	sender    MessageSender
	refresher GroupRefresher
	sensor    connectivity.Sensor
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	sendTimeout     time.Duration
	watchdogTimeout time.Duration

	mu                  sync.Mutex
	busy                bool
	passGen             uint64
	pendingReruns       int
	consecutiveTimeouts int
	lastEmptyAt         time.Time
	lastRefresh         map[string]time.Time
	activeGroup         string
	watchdog            *time.Timer
	completedPasses     int
}

// NewProcessor creates an outbox processor. machine may be nil.
func NewProcessor(db *store.DB, sender MessageSender, refresher GroupRefresher, sensor connectivity.Sensor, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Processor {
	return &Processor{
		db:              db,
		sender:          sender,
		refresher:       refresher,
		sensor:          sensor,
		machine:         machine,
		bus:             b,
		logger:          logger,
		sendTimeout:     defaultSendTimeout,
		watchdogTimeout: watchdogTimeout,
		lastRefresh:     make(map[string]time.Time),
	}
}

// SetSendTimeout overrides the per-attempt delivery bound.
func (p *Processor) SetSendTimeout(d time.Duration) {
	if d > 0 {
		p.sendTimeout = d
	}
}

// SetActiveGroup records which conversation is currently open, steering the
// delta-vs-full refresh decision after deliveries.
func (p *Processor) SetActiveGroup(groupID string) {
	p.mu.Lock()
	p.activeGroup = groupID
	p.mu.Unlock()
}

// Submit persists a new send request: saved as a draft immediately for crash
// recovery, then promoted to queued. Missing ids and dedupe keys are
// generated. Callers schedule delivery through the Coordinator.
func (p *Processor) Submit(e *store.OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.DedupeKey == "" {
		e.DedupeKey = uuid.NewString()
	}
	if err := p.db.SaveDraft(e); err != nil {
		return err
	}
	if err := p.db.EnqueueOutbox(e.ID); err != nil {
		return err
	}
	// The queue is known non-empty now; a recent empty observation must not
	// short-circuit the follow-up pass.
	p.mu.Lock()
	p.lastEmptyAt = time.Time{}
	p.mu.Unlock()
	p.bus.Publish(bus.Event{
		Kind:    bus.KindOutboxQueued,
		Payload: map[string]string{"id": e.ID, "group_id": e.GroupID},
	})
	return nil
}

// Process runs one drain pass. It is idempotent and re-entrant-safe: a call
// arriving while a pass is active records a pending rerun and returns.
func (p *Processor) Process(ctx context.Context) Stats {
	now := time.Now()

	p.mu.Lock()
	if p.busy {
		p.pendingReruns++
		p.mu.Unlock()
		return Stats{Skipped: "busy"}
	}
	if p.consecutiveTimeouts >= maxConsecutiveTimeouts {
		p.mu.Unlock()
		p.logger.Warn("outbox processing disabled until reset",
			zap.Int("consecutive_timeouts", maxConsecutiveTimeouts))
		return Stats{Skipped: "disabled"}
	}
	if p.db == nil {
		p.mu.Unlock()
		return Stats{Skipped: "store"}
	}
	if !p.lastEmptyAt.IsZero() && now.Sub(p.lastEmptyAt) < emptyMemoWindow {
		p.mu.Unlock()
		return Stats{Skipped: "empty-memo"}
	}
	p.busy = true
	p.passGen++
	gen := p.passGen
	p.watchdog = time.AfterFunc(p.watchdogTimeout, func() { p.forceClear(gen) })
	p.mu.Unlock()

	stats, timedOut := p.runPass(ctx, now)
	p.finish(gen, stats, timedOut)
	return stats
}

func (p *Processor) runPass(ctx context.Context, now time.Time) (Stats, bool) {
	if p.sensor != nil && !p.sensor.Online() {
		p.transition(status.Offline)
		return Stats{Skipped: "offline"}, false
	}

	entries, err := p.db.DueOutbox(now.UnixMilli())
	if err != nil {
		// Store unavailable: abort silently, the next trigger retries.
		p.logger.Warn("outbox read failed", zap.Error(err))
		return Stats{Skipped: "store"}, false
	}
	if len(entries) == 0 {
		p.mu.Lock()
		p.lastEmptyAt = time.Now()
		p.mu.Unlock()
		return Stats{Skipped: "empty"}, false
	}

	p.transition(status.Idle)
	p.transition(status.Draining)

	var stats Stats
	groups := make(map[string]int64)
	sawTimeout := false

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		_ = p.db.MarkOutboxInflight(e.ID)

		attemptCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
		err := p.sender.SendMessage(attemptCtx, remote.Message{
			ID:        e.ID,
			GroupID:   e.GroupID,
			UserID:    e.SenderID,
			Content:   e.Content,
			Kind:      e.Kind,
			Category:  e.Category,
			ParentID:  e.ParentID,
			ImageURL:  e.ImageURL,
			Ghost:     e.Ghost,
			DedupeKey: e.DedupeKey,
			CreatedAt: e.CreatedAt,
		})
		cancel()

		if err != nil {
			// Timeouts and rejections retry alike; distinguishing permanent
			// rejection from a transient auth hiccup is not attempted.
			if errors.Is(err, context.DeadlineExceeded) {
				sawTimeout = true
			}
			retry := e.RetryCount + 1
			next := time.Now().Add(backoff(retry)).UnixMilli()
			_ = p.db.MarkOutboxRetry(e.ID, retry, next)
			stats.Failed++
			p.logger.Warn("outbox send failed",
				zap.String("id", e.ID),
				zap.Int("retry_count", retry),
				zap.Error(err))
			continue
		}

		_ = p.db.DeleteOutbox(e.ID)
		stats.Sent++
		if ts, ok := groups[e.GroupID]; !ok || e.CreatedAt > ts {
			groups[e.GroupID] = e.CreatedAt
		}
		p.logger.Info("outbox entry delivered", zap.String("id", e.ID), zap.String("group_id", e.GroupID))
	}

	for g := range groups {
		stats.Groups = append(stats.Groups, g)
	}
	p.refreshGroups(stats.Groups)

	if stats.Sent > 0 {
		p.bus.Publish(bus.Event{Kind: bus.KindOutboxDrained, Payload: stats})
	}
	return stats, sawTimeout && stats.Sent == 0
}

// refreshGroups issues one refresh per delivered-to group, throttled so
// clustered deliveries do not trigger redundant reloads.
func (p *Processor) refreshGroups(groups []string) {
	if p.refresher == nil {
		return
	}
	now := time.Now()
	for _, g := range groups {
		p.mu.Lock()
		last, seen := p.lastRefresh[g]
		if seen && now.Sub(last) < refreshThrottle {
			p.mu.Unlock()
			continue
		}
		p.lastRefresh[g] = now
		active := p.activeGroup == g
		p.mu.Unlock()

		if active {
			if latest, err := p.db.LatestMessage(g); err == nil && latest != nil {
				p.refresher.RefreshSince(g, latest.CreatedAt)
				continue
			}
		}
		p.refresher.RefreshAll(g)
	}
}

// finish completes a pass: clears the busy flag, disarms the watchdog, and
// maintains the consecutive-timeout counter.
func (p *Processor) finish(gen uint64, stats Stats, timedOut bool) {
	p.mu.Lock()
	// Only the current pass may disarm the watchdog: after a force-clear the
	// timer belongs to a successor pass.
	if p.passGen == gen {
		if p.watchdog != nil {
			p.watchdog.Stop()
			p.watchdog = nil
		}
		p.busy = false
	}
	if stats.Skipped == "" || stats.Skipped == "empty" {
		p.completedPasses++
	}
	if timedOut {
		if p.consecutiveTimeouts < maxConsecutiveTimeouts {
			p.consecutiveTimeouts++
		}
	} else if stats.Sent > 0 {
		p.consecutiveTimeouts = 0
	}
	degraded := p.consecutiveTimeouts >= maxConsecutiveTimeouts
	p.mu.Unlock()

	if degraded {
		p.transition(status.Degraded)
	} else if stats.Skipped == "" || stats.Skipped == "empty" {
		p.transition(status.Idle)
	}
}

// forceClear is the watchdog path for a pass that never completed.
func (p *Processor) forceClear(gen uint64) {
	p.mu.Lock()
	if !p.busy || p.passGen != gen {
		p.mu.Unlock()
		return
	}
	p.busy = false
	p.watchdog = nil
	if p.consecutiveTimeouts < maxConsecutiveTimeouts {
		p.consecutiveTimeouts++
	}
	count := p.consecutiveTimeouts
	p.mu.Unlock()

	p.logger.Warn("outbox watchdog cleared a stuck pass", zap.Int("consecutive_timeouts", count))
	if count >= maxConsecutiveTimeouts {
		p.transition(status.Degraded)
	}
}

// Reset atomically clears all coordination state. Invoked on manual reset
// events such as realtime channel reconnection.
func (p *Processor) Reset() {
	p.mu.Lock()
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
	p.busy = false
	p.pendingReruns = 0
	p.consecutiveTimeouts = 0
	p.lastEmptyAt = time.Time{}
	p.lastRefresh = make(map[string]time.Time)
	p.mu.Unlock()

	p.transition(status.Idle)
	p.logger.Info("outbox processor reset")
}

// CompletedPasses reports how many passes have run to completion.
func (p *Processor) CompletedPasses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completedPasses
}

// noteIfBusy records a pending rerun when a pass is active.
func (p *Processor) noteIfBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		p.pendingReruns++
		return true
	}
	return false
}

// takePendingReruns atomically reads and clears the pending-rerun counter,
// so the rerun's own completion is not counted again.
func (p *Processor) takePendingReruns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.pendingReruns
	p.pendingReruns = 0
	return n
}

func (p *Processor) transition(to status.State) {
	if p.machine == nil {
		return
	}
	_ = p.machine.Transition(to)
}

// backoff returns the exponential retry delay for the nth attempt.
func backoff(retry int) time.Duration {
	d := backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
