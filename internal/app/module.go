package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pcoelho/tchat/internal/api"
	"github.com/pcoelho/tchat/internal/bus"
	"github.com/pcoelho/tchat/internal/config"
	"github.com/pcoelho/tchat/internal/lock"
	"github.com/pcoelho/tchat/internal/logging"
	"github.com/pcoelho/tchat/internal/outbox"
	"github.com/pcoelho/tchat/internal/push"
	"github.com/pcoelho/tchat/internal/session"
	"github.com/pcoelho/tchat/internal/status"
	"github.com/pcoelho/tchat/internal/store"
	intsync "github.com/pcoelho/tchat/internal/sync"
	"github.com/pcoelho/tchat/internal/tui"
)

// Params holds the resolved session and configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module composes the client: store, server client, push channel, sync
// engine, outbox sender, and TUI, with lifecycle hooks tying them together.
func Module(p Params) fx.Option {
	return fx.Module("tchat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideSyncEngine,
			provideSender,
			provideTUI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(p Params) (*api.Client, error) {
	return api.New(p.Config.ServerURL, p.Config.Token, p.Config.UserID)
}

func provideSyncEngine(p Params, db *store.DB, client *api.Client, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, b, p.Config.PollInterval(), logger)
}

func provideSender(db *store.DB, client *api.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, engine, b, logger)
}

func provideTUI(p Params, db *store.DB, engine *intsync.Engine, sender *outbox.Sender, client *api.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *tui.App {
	return tui.NewApp(tui.Deps{
		DB:      db,
		Engine:  engine,
		Sender:  sender,
		Creator: client,
		Bus:     b,
		Status:  machine,
		Logger:  logger,
	}, p.SessionName)
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, db *store.DB, client *api.Client, engine *intsync.Engine, sender *outbox.Sender, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	var (
		adapterMu  sync.Mutex
		adapter    *push.Adapter
		unwirePush func()
	)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())

			_ = machine.Transition(status.Connecting)
			go func() {
				a, err := push.Connect(context.Background(), p.Config.ServerURL, p.Config.UserID, p.Config.Token, logger)
				if err != nil {
					logger.Warn("push channel unavailable, running poll-only", zap.Error(err))
					_ = machine.Transition(status.Degraded)
				} else {
					adapterMu.Lock()
					adapter = a
					unwirePush = wirePush(a, client, machine, b, logger)
					adapterMu.Unlock()
					_ = machine.Transition(status.Syncing)
				}

				if err := engine.RefreshDirectory(context.Background()); err != nil {
					logger.Warn("initial directory fetch failed", zap.Error(err))
				}
				if machine.Current() == status.Syncing {
					_ = machine.Transition(status.Ready)
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			engine.Stop()
			adapterMu.Lock()
			a := adapter
			unwire := unwirePush
			adapterMu.Unlock()
			if unwire != nil {
				unwire()
			}
			if a != nil {
				a.Close()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}

// wirePush routes decoded push frames onto the bus and maps connectivity
// changes onto the state machine. Invalid transitions are ignored; the
// machine already guards them. The returned func deregisters both handlers.
func wirePush(a *push.Adapter, client *api.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (off func()) {
	offMsg := a.On("newMessage", func(payload []byte) {
		msg, err := api.DecodeMessage(payload, client.SelfID())
		if err != nil {
			logger.Warn("undecodable pushed message", zap.Error(err))
			return
		}
		b.Publish(bus.Event{
			Kind:      "push.message",
			Timestamp: time.Now(),
			Payload:   msg,
		})
	})

	offState := a.OnState(func(connected bool) {
		if connected {
			_ = machine.Transition(status.Ready)
		} else {
			_ = machine.Transition(status.Reconnecting)
		}
	})

	return func() {
		offMsg()
		offState()
	}
}
