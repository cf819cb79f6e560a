package daemon

import (
	"context"

	"github.com/murmurapp/murmur/internal/bus"
	"github.com/murmurapp/murmur/internal/cursor"
	"github.com/murmurapp/murmur/internal/outbox"
	"github.com/murmurapp/murmur/internal/pseudonym"
	"github.com/murmurapp/murmur/internal/reconcile"
	"go.uber.org/zap"
)

// Dispatcher routes inbound events (push relay, realtime feed, connectivity
// changes) to the sync engine. It is the glue between external wake-up
// sources and the components that must react to them.
type Dispatcher struct {
	bus      *bus.Bus
	pipeline *reconcile.Pipeline
	proc     *outbox.Processor
	coord    *outbox.Coordinator
	cursors  *cursor.Engine
	names    *pseudonym.Cache
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// newDispatcher creates the event dispatcher.
func newDispatcher(b *bus.Bus, pipeline *reconcile.Pipeline, proc *outbox.Processor, coord *outbox.Coordinator, cursors *cursor.Engine, names *pseudonym.Cache, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bus:      b,
		pipeline: pipeline,
		proc:     proc,
		coord:    coord,
		cursors:  cursors,
		names:    names,
		logger:   logger,
	}
}

// Start subscribes to inbound event namespaces and begins routing.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	pushCh, unsubPush := d.bus.Subscribe("push.", 256)
	rtCh, unsubRT := d.bus.Subscribe("realtime.", 256)
	netCh, unsubNet := d.bus.Subscribe("net.", 16)
	msgCh, unsubMsg := d.bus.Subscribe("message.", 256)

	go func() {
		defer unsubPush()
		defer unsubRT()
		defer unsubNet()
		defer unsubMsg()
		for {
			select {
			case evt := <-pushCh:
				d.handleNotification(ctx, evt)
			case evt := <-rtCh:
				d.handleRealtime(ctx, evt)
			case evt := <-netCh:
				if evt.Kind == bus.KindNetOnline {
					// Network restored: drain whatever accumulated offline.
					d.coord.Trigger(ctx, outbox.High)
				}
			case evt := <-msgCh:
				d.handleMessage(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops routing.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, evt bus.Event) {
	data, ok := evt.Payload.(map[string]string)
	if !ok {
		d.logger.Warn("push event with unexpected payload", zap.String("kind", evt.Kind))
		return
	}
	if err := d.pipeline.HandlePush(ctx, data); err != nil {
		d.logger.Error("push reconciliation failed", zap.Error(err))
	}
}

func (d *Dispatcher) handleRealtime(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRealtimeMessage:
		d.handleNotification(ctx, evt)
	case bus.KindRealtimeReconnect:
		// Reconnection resets all processing state atomically, then drains.
		// Read tracking restarts too: another device may have read while the
		// channel was down.
		d.proc.Reset()
		d.cursors.ResetSession()
		d.coord.Trigger(ctx, outbox.Immediate)
	}
}

// handleMessage warms the pseudonym cache for the author of every upserted
// message, so rendering resolves from memory.
func (d *Dispatcher) handleMessage(ctx context.Context, evt bus.Event) {
	if evt.Kind != bus.KindMessageUpserted {
		return
	}
	data, ok := evt.Payload.(map[string]string)
	if !ok {
		return
	}
	groupID, userID := data["group_id"], data["user_id"]
	if groupID == "" || userID == "" {
		return
	}
	go d.names.Resolve(ctx, groupID, userID)
}
