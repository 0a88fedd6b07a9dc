package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-relay/internal/audit"
	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/guard"
	"github.com/vovakirdan/wirechat-relay/internal/hub"
	"github.com/vovakirdan/wirechat-relay/internal/log"
	"github.com/vovakirdan/wirechat-relay/internal/membership"
	"github.com/vovakirdan/wirechat-relay/internal/offline"
	"github.com/vovakirdan/wirechat-relay/internal/presence"
	"github.com/vovakirdan/wirechat-relay/internal/router"
	"github.com/vovakirdan/wirechat-relay/internal/sequencer"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	badgerstore "github.com/vovakirdan/wirechat-relay/internal/store/badger"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-relay/internal/transport/http"
)

// App wires together the delivery components and the transport layer.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *hub.Hub
	sessions        *session.Registry
	queue           *offline.Queue
	sequencer       *sequencer.Sequencer
	audit           *audit.Async
	store           store.Store
	storeGC         func(ctx context.Context)
	redis           *redis.Client
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	a := &App{shutdownTimeout: cfg.Server.ShutdownTimeout, log: logger}

	if err := a.openStore(cfg.Store); err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWT())
	if err != nil {
		a.cleanup()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	sink := a.auditSink(ctx, cfg.Audit)
	clk := clock.New()

	sessions := session.NewRegistry(verifier, cfg.Session, clk, logger)
	tracker := presence.NewTracker(sessions, cfg.Presence.Debounce, clk, logger)
	members := membership.NewIndex(a.store, clk, logger)
	queue := offline.New(a.store, cfg.Offline, cfg.Retry, clk, logger)
	seq := sequencer.New(a.store, cfg.Sequencer, cfg.Retry, clk, logger)
	g := guard.New(cfg.Guard, sessions, clk, logger)
	sessions.AddListener(tracker)
	sessions.AddListener(g)

	if err := members.Load(ctx); err != nil {
		a.cleanup()
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	a.hub = hub.New(cfg.Hub, hub.Components{
		Sessions:  sessions,
		Presence:  tracker,
		Members:   members,
		Sequencer: seq,
		Router:    router.New(cfg.Delivery, sessions, members, queue, sink, clk, logger),
		Queue:     queue,
		Guard:     g,
		Audit:     sink,
	}, clk, logger)
	a.sessions = sessions
	a.queue = queue
	a.sequencer = seq

	a.server = transporthttp.NewServer(a.hub, cfg, log.Component(logger, "http"))

	return a, nil
}

func (a *App) openStore(cfg config.StoreConfig) error {
	switch cfg.Driver {
	case "badger":
		st, err := badgerstore.New(cfg.Path, log.Component(a.log, "badger"))
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.store = st
		if cfg.GCInterval > 0 {
			a.storeGC = func(ctx context.Context) { st.RunGC(ctx, cfg.GCInterval) }
		}
	default:
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.store = st
	}

	a.log.Info().Str("driver", cfg.Driver).Str("path", cfg.Path).Msg("store initialized")
	return nil
}

// auditSink assembles the configured sinks behind an async buffer.
func (a *App) auditSink(ctx context.Context, cfg config.AuditConfig) audit.Sink {
	var sinks audit.Multi
	if cfg.Log {
		sinks = append(sinks, audit.NewLogSink(a.log))
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable, audit events may be lost")
		}
		rs, err := audit.NewRedisSink(a.redis, cfg.Redis.Channel)
		if err != nil {
			a.log.Warn().Err(err).Msg("redis audit sink disabled")
		} else {
			sinks = append(sinks, rs)
		}
	}
	if len(sinks) == 0 {
		return audit.Nop{}
	}
	a.audit = audit.NewAsync(sinks, cfg.Buffer, a.log)
	return a.audit
}

// Run starts the HTTP server and the background workers and blocks until
// context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("starting http server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.sessions.RunIdleSweep(gctx) })
	g.Go(func() error { return a.queue.RunRetention(gctx) })
	g.Go(func() error { return a.sequencer.RunJanitor(gctx) })
	if a.audit != nil {
		g.Go(func() error { return a.audit.Run(gctx) })
	}
	if a.storeGC != nil {
		g.Go(func() error {
			a.storeGC(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		a.log.Info().Msg("closing sessions")
		a.hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.cleanup()
	return err
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
