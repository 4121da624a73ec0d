// Package server orchestrates all components: NATS client, DB, action and worker registries, dispatcher, transports, HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/morezero/action-gateway/internal/config"
	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/auth"
	"github.com/morezero/action-gateway/pkg/bootstrap"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/daemon"
	"github.com/morezero/action-gateway/pkg/db"
	"github.com/morezero/action-gateway/pkg/dispatcher"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/gateway"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/semver"
	"github.com/morezero/action-gateway/pkg/transport/natsconn"
	"github.com/morezero/action-gateway/pkg/transport/ws"
)

const logPrefix = "server:server"

// Endpoint names used for connection metrics.
const (
	endpointClient = "client"
	endpointDaemon = "daemon"
)

// shutdownTimeout bounds the HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the action-gateway orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	redis      *events.RedisPublisher
	httpServer *http.Server

	actions    *action.Registry
	workers    *daemon.Registry
	dispatcher *dispatcher.Dispatcher
	clients    *ws.Server
	daemons    *ws.Server
	ingress    *natsconn.Ingress
	gatherer   prometheus.Gatherer
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting action-gateway", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}
	defer s.close()

	// Step 1: Load bootstrap config
	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}

	// Step 2: Optional database
	var repo *db.Repository
	if cfg.DatabaseURL != "" {
		repo, err = s.openDatabase(ctx, bootstrapCfg)
		if err != nil {
			return err
		}
	} else {
		slog.Warn(fmt.Sprintf("%s - DATABASE_URL not set, disable overrides and groups are kept in memory", logPrefix))
	}

	// Step 3: Optional NATS
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.nc = nc
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))
	}

	// Step 4: Change events and metrics
	publisher, err := s.newPublisher(ctx)
	if err != nil {
		return err
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.gatherer = promReg
	m := metrics.New(promReg)

	// Step 5: Core
	if err := s.buildCore(ctx, bootstrapCfg, repo, publisher, m); err != nil {
		return err
	}

	// Step 6: NATS ingress
	if s.nc != nil {
		if err := s.startIngress(); err != nil {
			return err
		}
	}

	// Step 7: HTTP (health, metrics, listing, WebSocket endpoints, REST)
	s.httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, cfg.HTTPAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Action-gateway is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	s.shutdown()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// openDatabase connects, optionally migrates and seeds, and returns the repository.
func (s *Server) openDatabase(ctx context.Context, bootstrapCfg *bootstrap.BootstrapConfig) (*db.Repository, error) {
	if err := db.EnsureDatabase(ctx, s.cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
	}
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		files, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, files); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
		if err := db.SeedConfig(ctx, pool, bootstrapCfg); err != nil {
			return nil, fmt.Errorf("%s - failed to seed bootstrap config: %w", logPrefix, err)
		}
	}
	return db.NewRepository(pool), nil
}

// newPublisher selects the change event publisher for the configured backend.
func (s *Server) newPublisher(ctx context.Context) (events.EventPublisher, error) {
	switch s.cfg.Events() {
	case config.EventsNATS:
		if s.nc == nil {
			return nil, fmt.Errorf("%s - EVENTS_BACKEND=nats requires a NATS connection", logPrefix)
		}
		return events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{GlobalChangeSubject: s.cfg.ChangeEventSubject}), nil
	case config.EventsRedis:
		client := events.NewRedisClient(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("%s - failed to connect to Redis at %s: %w", logPrefix, s.cfg.RedisAddr, err)
		}
		s.redis = events.NewRedisPublisher(client, s.cfg.RedisChannel)
		slog.Info(fmt.Sprintf("%s - Publishing change events to Redis channel %s", logPrefix, s.redis.Channel()))
		return s.redis, nil
	default:
		return &events.NoOpPublisher{}, nil
	}
}

// buildCore wires the action registry, authenticator, worker registry, bridge and dispatcher.
func (s *Server) buildCore(ctx context.Context, bootstrapCfg *bootstrap.BootstrapConfig, repo *db.Repository, publisher events.EventPublisher, m *metrics.Metrics) error {
	policy, err := action.ParseConflictPolicy(s.cfg.DaemonConflictPolicy)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}

	groups := auth.NewGroupTable(bootstrapCfg.GroupPermissions())
	var overrides map[string]bool
	var store gateway.DisabledStore
	if repo != nil {
		overrides, err = repo.DisabledOverrides(ctx)
		if err != nil {
			return fmt.Errorf("%s - failed to load disabled actions: %w", logPrefix, err)
		}
		dbGroups, err := repo.GroupPermissions(ctx)
		if err != nil {
			return fmt.Errorf("%s - failed to load permission groups: %w", logPrefix, err)
		}
		groups.Merge(dbGroups)
		store = repo
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d permission groups, %d disable overrides", logPrefix, groups.Len(), len(overrides)))

	actions := action.NewRegistry(action.RegistryDeps{
		Policy:    policy,
		Publisher: publisher,
		Disabled:  bootstrapCfg.DisabledKeys(),
		Overrides: overrides,
		Metrics:   m,
	})

	var protocol *semver.ProtocolChecker
	if s.cfg.DaemonProtocol != "" {
		protocol, err = semver.NewProtocolChecker(s.cfg.DaemonProtocol)
		if err != nil {
			return fmt.Errorf("%s - %w", logPrefix, err)
		}
	}

	seeded := bootstrapCfg.DaemonTokens()
	for name, token := range bootstrap.DaemonsFromEnv(os.Environ()) {
		seeded[name] = token
	}

	bridge := daemon.NewBridge(daemon.BridgeDeps{Timeout: s.cfg.DaemonCallTimeout, Metrics: m})
	workers := daemon.NewRegistry(daemon.RegistryDeps{
		Actions:      actions,
		Bridge:       bridge,
		Protocol:     protocol,
		RequireKnown: s.cfg.DaemonRequireKnown,
		Seeded:       seeded,
		Metrics:      m,
	})

	if err := actions.Register(ctx, gateway.BuiltinCollection(gateway.BuiltinDeps{
		Actions:         actions,
		Workers:         workers,
		Store:           store,
		AdminPermission: s.cfg.AdminPermission,
	})); err != nil {
		return fmt.Errorf("%s - failed to register built-in collection: %w", logPrefix, err)
	}

	tokens, err := auth.NewTokenService(s.cfg.JWTSecret, s.cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}

	s.actions = actions
	s.workers = workers
	s.dispatcher = dispatcher.NewDispatcher(dispatcher.Deps{
		Actions: actions,
		Auth:    auth.NewAuthenticator(tokens, groups),
		Remote:  bridge,
		Metrics: m,
	})

	s.clients = ws.NewServer(ws.Options{
		Endpoint: endpointClient,
		Handler: gateway.NewClientRouter(gateway.ClientRouterDeps{
			Dispatcher: s.dispatcher,
			Surface:    action.VisibilityPublic,
			Timeout:    s.cfg.RequestTimeout,
		}),
		RateLimit: s.cfg.ClientRateLimit,
		RateBurst: s.cfg.ClientRateBurst,
		Metrics:   m,
	})
	s.daemons = ws.NewServer(ws.Options{
		Endpoint: endpointDaemon,
		Handler:  gateway.NewWorkerRouter(workers, bridge),
		Metrics:  m,
	})
	return nil
}

// startIngress serves the dispatcher on the gateway subject (internal surface).
func (s *Server) startIngress() error {
	s.ingress = natsconn.NewIngress(s.nc, natsconn.IngressOpts{
		Subject: s.cfg.GatewaySubject,
		Queue:   commsutil.QueueGateway,
		Timeout: s.cfg.RequestTimeout,
	}, s.dispatcher)
	if err := s.ingress.Start(); err != nil {
		return fmt.Errorf("%s - failed to start NATS ingress: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Serving NATS requests on %s", logPrefix, s.cfg.GatewaySubject))
	return nil
}

// shutdown stops accepting traffic, then closes every connection.
func (s *Server) shutdown() {
	if s.ingress != nil {
		s.ingress.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	if s.clients != nil {
		s.clients.Close()
	}
	if s.daemons != nil {
		s.daemons.Close()
	}
}

// close releases external clients. Safe to call on a partially started server.
func (s *Server) close() {
	if s.redis != nil {
		s.redis.Close()
		s.redis = nil
	}
	if s.nc != nil {
		s.nc.Drain()
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
