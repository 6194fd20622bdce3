package chat

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gfranco93/parley/internal/ack"
	"github.com/gfranco93/parley/internal/bus"
	"github.com/gfranco93/parley/internal/config"
	"github.com/gfranco93/parley/internal/journal"
	"github.com/gfranco93/parley/internal/lock"
	"github.com/gfranco93/parley/internal/logging"
	"github.com/gfranco93/parley/internal/metrics"
	"github.com/gfranco93/parley/internal/session"
	"github.com/gfranco93/parley/internal/status"
	"github.com/gfranco93/parley/internal/store"
	"github.com/gfranco93/parley/internal/watcher"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chat",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideJournal,
			provideMessages,
			provideRooms,
			provideUnread,
			provideMatcher,
			NewEngine,
			provideWatcher,
			provideService,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New(bus.WithDropHandler(metrics.IncDroppedEvent))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideJournal(p Params, logger *zap.Logger) (*journal.DB, error) {
	dbPath := session.JournalPath(p.SessionName)
	db, err := journal.Open(dbPath)
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
	logger.Info("journal initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMessages(b *bus.Bus) *store.Messages {
	return store.NewMessages(b)
}

func provideRooms(b *bus.Bus) *store.Rooms {
	return store.NewRooms(b)
}

func provideUnread(b *bus.Bus) *store.Unread {
	return store.NewUnread(b)
}

func provideMatcher() *ack.Matcher {
	return ack.NewMatcher()
}

func provideWatcher(cfg *config.Config, rooms *store.Rooms, unread *store.Unread, engine *Engine, logger *zap.Logger) *watcher.Watcher {
	return watcher.New(cfg.UserID, rooms, unread, engine, logger)
}

func provideService(engine *Engine, cfg *config.Config, msgs *store.Messages, matcher *ack.Matcher, db *journal.DB, logger *zap.Logger) *Service {
	return NewService(engine, cfg, msgs, matcher, db, logger)
}

func provideMetricsServer(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	return metrics.NewServer(cfg.MetricsAddr, logger)
}

func registerLifecycle(lc fx.Lifecycle, engine *Engine, w *watcher.Watcher, srv *metrics.Server, lk *lock.Lock, db *journal.DB, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			if err := engine.Start(context.Background()); err != nil {
				return err
			}
			w.Start(b)
			w.Enable()
			logger.Info("delivery engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			w.Stop()
			engine.Stop()
			_ = srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing journal", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
