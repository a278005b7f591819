package daemon

import (
	"context"
	"os"
	"strings"

	"github.com/matheus3301/conversa/internal/api"
	"github.com/matheus3301/conversa/internal/backend"
	"github.com/matheus3301/conversa/internal/bus"
	"github.com/matheus3301/conversa/internal/composer"
	"github.com/matheus3301/conversa/internal/config"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/credentials"
	"github.com/matheus3301/conversa/internal/engine"
	"github.com/matheus3301/conversa/internal/lock"
	"github.com/matheus3301/conversa/internal/logging"
	"github.com/matheus3301/conversa/internal/metrics"
	"github.com/matheus3301/conversa/internal/outbox"
	"github.com/matheus3301/conversa/internal/presence"
	"github.com/matheus3301/conversa/internal/profile"
	"github.com/matheus3301/conversa/internal/status"
	"github.com/matheus3301/conversa/internal/store"
	intsync "github.com/matheus3301/conversa/internal/sync"
	"github.com/matheus3301/conversa/internal/transport"
	"github.com/matheus3301/conversa/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
	// Config overrides the profile's config file when set.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			metrics.New,
			provideBus,
			provideStateMachine,
			provideLock,
			provideJournal,
			provideCredentials,
			provideAdapter,
			provideBackend,
			provideConversationStore,
			provideEngine,
			providePresence,
			provideUploads,
			provideComposer,
			provideOutbox,
			provideIngester,
			newSessions,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(profile.ConfigPath()); err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(os.Getenv); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Debug)
}

func provideBus(m *metrics.Metrics, logger *zap.Logger) *bus.Bus {
	return bus.New(bus.WithDropHook(func(ns string, evt bus.Event) {
		m.BusDropped(ns)
		logger.Warn("bus subscriber lagging, event dropped", zap.String("namespace", ns), zap.String("kind", evt.Kind))
	}))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName), p.ProfileName)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideJournal opens the in-memory journal. Its contents live as long as
// the daemon.
func provideJournal(logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open("")
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("journal initialized", zap.Uint("schema_version", result.Version))
	return db, nil
}

func provideCredentials(p Params, _ *lock.Lock) (*credentials.File, error) {
	return credentials.Open(profile.CredentialsPath(p.ProfileName))
}

func provideAdapter(cfg *config.Config, creds *credentials.File, b *bus.Bus, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) (*transport.Adapter, error) {
	socketURL, err := cfg.WebsocketURL()
	if err != nil {
		return nil, err
	}
	return transport.New(transport.Options{
		BaseURL:    cfg.ServerURL,
		SocketURL:  socketURL,
		AuthHeader: cfg.AuthHeader,
		Bearer:     strings.EqualFold(cfg.AuthScheme, "bearer"),
	}, creds, b, machine, m, logger.Named("transport")), nil
}

func provideBackend(cfg *config.Config, adapter *transport.Adapter, creds *credentials.File) *backend.Client {
	return backend.New(adapter, creds, cfg.RequestTimeout.Duration)
}

func provideConversationStore(cfg *config.Config, creds *credentials.File, adapter *transport.Adapter, b *bus.Bus) *conversation.Store {
	return conversation.New(conversation.Options{
		LocalUserID: creds.UserID(),
		Optimistic:  cfg.OptimisticSend,
	}, adapter, b)
}

func provideEngine(s *conversation.Store, b *bus.Bus, rest *backend.Client, adapter *transport.Adapter, m *metrics.Metrics, logger *zap.Logger) *engine.Engine {
	return engine.New(s, b, rest, adapter, m, logger.Named("engine"))
}

func providePresence(cfg *config.Config, rest *backend.Client, eng *engine.Engine, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.New(rest, eng, b, presence.Options{Interval: cfg.PresenceInterval.Duration}, logger.Named("presence"))
}

func provideUploads(cfg *config.Config, rest *backend.Client, m *metrics.Metrics, logger *zap.Logger) (*upload.Coordinator, error) {
	maxSize, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	var targets upload.Targets = upload.NewRESTTargets(rest)
	if sc := cfg.Storage; sc.Enabled() {
		mt, err := upload.NewMinioTargets(upload.MinioConfig{
			Endpoint:  sc.Endpoint,
			Bucket:    sc.Bucket,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			UseSSL:    sc.UseSSL,
			Region:    sc.Region,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("signing uploads locally", zap.String("endpoint", sc.Endpoint), zap.String("bucket", sc.Bucket))
		targets = mt
	}
	return upload.NewCoordinator(targets, upload.Options{
		BaseURL: cfg.StorageBaseURL,
		MaxSize: maxSize,
	}, m, logger.Named("upload")), nil
}

func provideComposer(eng *engine.Engine, adapter *transport.Adapter, uploads *upload.Coordinator, logger *zap.Logger) *composer.Composer {
	return composer.New(eng, adapter, uploads, logger.Named("composer"))
}

func provideOutbox(cfg *config.Config, db *store.DB, eng *engine.Engine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Tracker {
	return outbox.New(db, eng, b, outbox.Options{EchoTimeout: cfg.EchoTimeout.Duration}, m, logger.Named("outbox"))
}

func provideIngester(db *store.DB, b *bus.Bus, creds *credentials.File, logger *zap.Logger) *intsync.Ingester {
	return intsync.NewIngester(db, b, creds.UserID(), logger.Named("journal"))
}

func provideService(
	p Params,
	machine *status.Machine,
	b *bus.Bus,
	rest *backend.Client,
	eng *engine.Engine,
	c *composer.Composer,
	db *store.DB,
	sess *Sessions,
	creds *credentials.File,
	logger *zap.Logger,
) *api.Service {
	return api.NewService(api.Deps{
		Profile:  p.ProfileName,
		Machine:  machine,
		Bus:      b,
		Auth:     rest,
		Engine:   eng,
		Composer: c,
		Journal:  db,
		Sessions: sess,
		Identity: creds,
		Logger:   logger.Named("api"),
	})
}

type components struct {
	fx.In

	Config   *config.Config
	Lock     *lock.Lock
	Journal  *store.DB
	Machine  *status.Machine
	Creds    *credentials.File
	Adapter  *transport.Adapter
	Engine   *engine.Engine
	Presence *presence.Tracker
	Outbox   *outbox.Tracker
	Ingester *intsync.Ingester
	Sessions *Sessions
	Server   *Server
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	var (
		cancel       context.CancelFunc
		presenceDone = make(chan struct{})
		metricsSrv   *metrics.Server
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Journal consumers first so they see everything the engine emits.
			c.Ingester.Start(ctx)
			c.Outbox.Start(ctx)
			c.Engine.Start(ctx)
			c.Sessions.bind(ctx)

			go func() {
				defer close(presenceDone)
				c.Presence.Run(ctx)
			}()

			if addr := c.Config.MetricsAddr; addr != "" {
				metricsSrv = metrics.NewServer(addr, c.Metrics, c.Logger.Named("metrics"))
				if err := metricsSrv.Start(); err != nil {
					c.Logger.Warn("metrics listener disabled", zap.String("addr", addr), zap.Error(err))
					metricsSrv = nil
				}
			}

			go func() {
				if err := c.Server.Start(); err != nil {
					c.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if c.Creds.LoggedIn() {
				c.Sessions.resume(ctx, c.Creds.UserID())
			} else {
				c.Logger.Info("no credentials found, auth required")
				_ = c.Machine.Transition(status.AuthRequired)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Server.Stop(ctx)
			c.Adapter.Stop()
			cancel()
			<-presenceDone
			c.Engine.Stop()
			c.Outbox.Stop()
			c.Ingester.Stop()
			if metricsSrv != nil {
				if err := metricsSrv.Stop(ctx); err != nil {
					c.Logger.Warn("error stopping metrics listener", zap.Error(err))
				}
			}
			if err := c.Journal.Close(); err != nil {
				c.Logger.Warn("error closing journal", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				c.Logger.Warn("error releasing lock", zap.Error(err))
			}
			c.Logger.Info("daemon stopped")
			_ = c.Logger.Sync()
			return nil
		},
	})
}
