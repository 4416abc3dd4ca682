package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/amora-app/amora-go/internal/api"
	"github.com/amora-app/amora-go/internal/bus"
	"github.com/amora-app/amora-go/internal/call"
	"github.com/amora-app/amora-go/internal/chat"
	"github.com/amora-app/amora-go/internal/config"
	"github.com/amora-app/amora-go/internal/lock"
	"github.com/amora-app/amora-go/internal/logging"
	"github.com/amora-app/amora-go/internal/presence"
	"github.com/amora-app/amora-go/internal/rtc"
	"github.com/amora-app/amora-go/internal/session"
	"github.com/amora-app/amora-go/internal/socket"
	"github.com/amora-app/amora-go/internal/store"
	"github.com/amora-app/amora-go/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Credentials is the session's bearer token.
type Credentials struct {
	Token string
}

// Identity is the authenticated user bound to this session.
type Identity struct {
	UserID string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideCredentials,
			provideClient,
			provideIdentity,
			provideChannel,
			provideSynchronizer,
			providePresence,
			provideTyping,
			providePeerFactory,
			provideMediaSource,
			provideCallManager,
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

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no config file, using defaults")
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
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
	dbPath := session.CachePath(p.SessionName)
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

func provideCredentials(p Params) (Credentials, error) {
	token, err := session.LoadToken(p.SessionName)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	return Credentials{Token: token}, nil
}

func provideClient(cfg *config.Config, creds Credentials) *api.Client {
	return api.NewClient(cfg.Server.BaseURL, creds.Token)
}

func provideIdentity(client *api.Client, logger *zap.Logger) (Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	me, err := client.Me(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	logger.Info("authenticated", zap.String("user_id", me.ID), zap.String("name", me.Name))
	return Identity{UserID: me.ID}, nil
}

func provideChannel(cfg *config.Config, creds Credentials, id Identity, b *bus.Bus, logger *zap.Logger) *socket.Channel {
	return socket.NewChannel(cfg.Server.SocketURL, creds.Token, id.UserID, b, logger)
}

func provideSynchronizer(client *api.Client, ch *socket.Channel, b *bus.Bus, db *store.DB, id Identity, logger *zap.Logger) *chat.Synchronizer {
	return chat.NewSynchronizer(client, ch, b, db, id.UserID, logger)
}

func providePresence(client *api.Client, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(client, b, logger)
}

func provideTyping(cfg *config.Config, ch *socket.Channel, b *bus.Bus, id Identity, logger *zap.Logger) *typing.Coordinator {
	expiry := time.Duration(cfg.Chat.TypingExpirySeconds) * time.Second
	return typing.NewCoordinator(ch, b, id.UserID, expiry, logger)
}

func providePeerFactory(cfg *config.Config, logger *zap.Logger) call.PeerFactory {
	return rtc.NewFactory(cfg.Media.StunServers, logger)
}

func provideMediaSource(logger *zap.Logger) call.MediaSource {
	return rtc.NewSource(logger)
}

func provideCallManager(cfg *config.Config, client *api.Client, ch *socket.Channel, b *bus.Bus, factory call.PeerFactory, media call.MediaSource, db *store.DB, id Identity, logger *zap.Logger) *call.Manager {
	ringTimeout := time.Duration(cfg.Calls.RingTimeoutSeconds) * time.Second
	return call.NewManager(client, ch, b, factory, media, db, id.UserID, ringTimeout, logger)
}

func registerLifecycle(lc fx.Lifecycle, ch *socket.Channel, sync *chat.Synchronizer, tracker *presence.Tracker, typer *typing.Coordinator, calls *call.Manager, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers subscribe before the socket connects so the
			// first burst of events is not lost.
			sync.Start(context.Background())
			tracker.Start(context.Background())
			typer.Start(context.Background())
			calls.Start(context.Background())
			ch.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ch.Stop()
			calls.Stop()
			typer.Stop()
			tracker.Stop()
			sync.Stop()
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
