package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-bridge/pkg/bridge"
	"github.com/ajitpratap0/mcp-bridge/pkg/config"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
	"github.com/ajitpratap0/mcp-bridge/pkg/server"
	"github.com/ajitpratap0/mcp-bridge/pkg/session"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

// app is one configured bridge process.
type app struct {
	cfg    config.Config
	logger logging.Logger

	store    eventstore.Store
	redis    *redis.Client
	metrics  *observability.PrometheusMetricsProvider
	tracer   *observability.TracingProvider
	registry *session.Registry
	handler  *bridge.Handler
	server   *http.Server
}

// newApp wires every component described by cfg. Log output goes to out.
func newApp(cfg config.Config, out io.Writer) (*app, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(out, cfg.Logging.Format)
	logger.SetLevel(level)

	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	var metrics observability.MetricsProvider = observability.NoopMetrics{}
	if cfg.Metrics.Enabled {
		a.metrics, err = observability.NewMetricsProvider(observability.MetricsConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: Version,
			MetricsPath:    cfg.Metrics.Path,
			MetricsAddr:    cfg.Metrics.Addr,
			Namespace:      cfg.Metrics.Namespace,
		})
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		metrics = a.metrics
	}

	if cfg.Tracing.Enabled {
		a.tracer, err = observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: Version,
			Environment:    cfg.Tracing.Environment,
			ExporterType:   cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
			SetGlobal:      true,
		})
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("tracing: %w", err)
		}
	}

	registryOpts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTransportOptions(
			transport.WithEventStore(a.store),
			transport.WithRequestTimeout(cfg.Session.RequestTimeout.Std()),
			transport.WithRetainEvents(cfg.Session.RetainEvents),
			transport.WithReplayBatchSize(cfg.Session.ReplayBatchSize),
		),
	}
	if cfg.Session.IdleTimeout > 0 {
		registryOpts = append(registryOpts,
			session.WithIdleTimeout(cfg.Session.IdleTimeout.Std()),
			session.WithSweepInterval(cfg.Session.SweepInterval.Std()),
		)
	}
	a.registry = session.NewRegistry(registryOpts...)

	engine := server.New(
		server.WithName(cfg.Server.Name),
		server.WithVersion(Version),
		server.WithInstructions(cfg.Server.Instructions),
		server.WithLogger(logger),
	)

	handlerOpts := []bridge.Option{
		bridge.WithEndpoint(cfg.Server.Endpoint),
		bridge.WithSessionHeader(cfg.Server.SessionHeader),
		bridge.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		bridge.WithKeepAlive(cfg.Server.KeepAlive.Std()),
		bridge.WithRetry(cfg.Server.Retry.Std()),
		bridge.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
	}
	if a.tracer != nil {
		handlerOpts = append(handlerOpts, bridge.WithTracer(a.tracer))
	}
	a.handler = bridge.NewHandler(a.registry, engine, handlerOpts...)

	mux := http.NewServeMux()
	mux.Handle(a.handler.Endpoint(), a.handler)
	if a.metrics != nil && cfg.Metrics.Addr == "" {
		mux.Handle(a.metrics.Path(), a.metrics.Handler())
	}
	mux.HandleFunc("/healthz", a.healthz)

	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// openStore creates the event store selected by the driver setting.
func (a *app) openStore() error {
	cfg := a.cfg.EventStore
	switch cfg.Driver {
	case eventstore.DriverMemory, "":
		a.store = eventstore.NewMemoryStore()
	case eventstore.DriverRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.QueryTimeout.Std()+time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		a.store = eventstore.NewRedisStore(a.redis,
			eventstore.WithKeyPrefix(cfg.Redis.KeyPrefix),
			eventstore.WithTTL(cfg.Redis.TTL.Std()),
			eventstore.WithQueryTimeout(cfg.Redis.QueryTimeout.Std()),
		)
	case eventstore.DriverSQLite:
		store, err := eventstore.OpenSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown event store driver %q", cfg.Driver)
	}
	a.logger.Info("Event store ready", logging.String("driver", string(cfg.Driver)))
	return nil
}

func (a *app) closeStore() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func (a *app) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "ok sessions=%d\n", a.registry.Len())
}

// listen binds the configured address.
func (a *app) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return ln, nil
}

// serve runs until ctx ends or the server fails, then shuts down.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	if a.metrics != nil {
		if err := a.metrics.Start(ctx); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Serving MCP",
			logging.String("addr", ln.Addr().String()),
			logging.String("endpoint", a.handler.Endpoint()),
		)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return a.shutdown(sctx)
	})
	return g.Wait()
}

// shutdown closes sessions first so open SSE streams end, then drains the
// HTTP server and releases the stores and exporters.
func (a *app) shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down", logging.Int("sessions", a.registry.Len()))

	var errs []error
	if err := a.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	errs = append(errs, a.closeStore())
	return errors.Join(errs...)
}
