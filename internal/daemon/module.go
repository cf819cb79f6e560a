package daemon

import (
	"context"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
	"github.com/murmurapp/murmur/internal/config"
	"github.com/murmurapp/murmur/internal/connectivity"
	"github.com/murmurapp/murmur/internal/cursor"
	"github.com/murmurapp/murmur/internal/lock"
	"github.com/murmurapp/murmur/internal/logging"
	"github.com/murmurapp/murmur/internal/outbox"
	"github.com/murmurapp/murmur/internal/profile"
	"github.com/murmurapp/murmur/internal/pseudonym"
	"github.com/murmurapp/murmur/internal/reconcile"
	"github.com/murmurapp/murmur/internal/remote"
	"github.com/murmurapp/murmur/internal/status"
	"github.com/murmurapp/murmur/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the sync daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemoteClient,
			provideSensor,
			provideMonitor,
			providePipeline,
			provideProcessor,
			provideCoordinator,
			provideCursorEngine,
			providePseudonymCache,
			newDispatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		logger.Warn("config missing, using defaults", zap.Error(err))
		return &config.Config{}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	recovered, err := db.RecoverOutbox()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Info("outbox entries recovered after restart", zap.Int("count", recovered))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemoteClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, logger)
}

func provideSensor() *connectivity.Flag {
	return connectivity.NewFlag(false)
}

func provideMonitor(flag *connectivity.Flag, client *remote.Client, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(flag, client.Ping, b, logger, 15*time.Second)
}

func providePipeline(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *reconcile.Pipeline {
	return reconcile.NewPipeline(db, client, b, logger)
}

func provideProcessor(db *store.DB, client *remote.Client, flag *connectivity.Flag, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Processor {
	p := outbox.NewProcessor(db, client, &busRefresher{bus: b}, flag, machine, b, logger)
	if cfg.Backend.SendTimeoutSeconds > 0 {
		p.SetSendTimeout(time.Duration(cfg.Backend.SendTimeoutSeconds) * time.Second)
	}
	return p
}

func provideCoordinator(proc *outbox.Processor, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(proc, logger)
}

func provideCursorEngine(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *cursor.Engine {
	return cursor.NewEngine(db, client, b, logger)
}

func providePseudonymCache(db *store.DB, client *remote.Client, logger *zap.Logger) *pseudonym.Cache {
	return pseudonym.NewCache(db, client, logger)
}

func registerLifecycle(lc fx.Lifecycle, d *Dispatcher, monitor *connectivity.Monitor, coord *outbox.Coordinator, machine *status.Machine, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Start(context.Background())
			monitor.Start(context.Background())
			// Wake the outbox for anything persisted before the last shutdown.
			coord.Trigger(context.Background(), outbox.Immediate)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			coord.Stop()
			monitor.Stop()
			d.Stop()
			_ = machine.Transition(status.Stopped)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// RefreshRequest is the payload of group.refresh events consumed by the
// UI-facing layer.
type RefreshRequest struct {
	GroupID string
	SinceTs int64
	Delta   bool
}

// busRefresher fans refresh requests out over the event bus.
type busRefresher struct {
	bus *bus.Bus
}

func (r *busRefresher) RefreshSince(groupID string, sinceTs int64) {
	r.bus.Publish(bus.Event{
		Kind:    bus.KindGroupRefresh,
		Payload: RefreshRequest{GroupID: groupID, SinceTs: sinceTs, Delta: true},
	})
}

func (r *busRefresher) RefreshAll(groupID string) {
	r.bus.Publish(bus.Event{
		Kind:    bus.KindGroupRefresh,
		Payload: RefreshRequest{GroupID: groupID},
	})
}
