package connectivity

import (
	"context"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
	"go.uber.org/zap"
)

// Prober checks backend reachability. A nil error means online.
type Prober func(ctx context.Context) error

// Monitor probes connectivity on an interval, keeps a Flag current, and
// publishes net.online / net.offline events on every change.
type Monitor struct {
	flag     *Flag
	probe    Prober
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewMonitor creates a monitor around the given flag and prober.
func NewMonitor(flag *Flag, probe Prober, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		flag:     flag,
		probe:    probe,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := m.probe(probeCtx)
	online := err == nil
	if !m.flag.Set(online) {
		return
	}

	kind := bus.KindNetOffline
	if online {
		kind = bus.KindNetOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
