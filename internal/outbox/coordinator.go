package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority maps to the debounce delay applied before a processing pass.
type Priority int

const (
	Immediate Priority = iota
	High
	Normal
	Low
)

// Delay returns the debounce window for the priority.
func (p Priority) Delay() time.Duration {
	switch p {
	case Immediate:
		return 0
	case High:
		return 50 * time.Millisecond
	case Normal:
		return 75 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

func (p Priority) String() string {
	switch p {
	case Immediate:
		return "immediate"
	case High:
		return "high"
	case Normal:
		return "normal"
	default:
		return "low"
	}
}

// Coordinator is the single sanctioned entry point for invoking the
// Processor. Bursts of triggers coalesce trailing-edge: each call cancels any
// armed-but-unfired timer and re-arms with its own delay, so exactly one pass
// runs per burst.
type Coordinator struct {
	proc   *Processor
	logger *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewCoordinator wraps a processor.
func NewCoordinator(proc *Processor, logger *zap.Logger) *Coordinator {
	return &Coordinator{proc: proc, logger: logger}
}

// Trigger schedules a processing pass after the priority's debounce delay.
// If a pass is already active the call collapses into a pending rerun and
// returns immediately.
func (c *Coordinator) Trigger(ctx context.Context, pr Priority) {
	if c.proc.noteIfBusy() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(pr.Delay(), func() { c.run(ctx) })
}

func (c *Coordinator) run(ctx context.Context) {
	stats := c.proc.Process(ctx)
	if stats.Skipped != "" && stats.Skipped != "empty" {
		c.logger.Debug("outbox pass skipped", zap.String("reason", stats.Skipped))
	}
	// A pass that finished with reruns recorded owes exactly one more pass.
	if c.proc.takePendingReruns() > 0 {
		c.Trigger(ctx, Immediate)
	}
}

// Stop cancels any armed trigger. An in-flight pass cannot be cancelled; it
// is bounded by the processor's watchdog.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
