// Package server provides the service lifecycle runner.
// cmd/ entrypoints delegate to server.Run for signal handling,
// config loading, observability init, health checks, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aelexs/rag-gateway/internal/config"
	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/internal/observability"
)

const serviceVersion = "0.1.0"

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the service (e.g. "gateway").
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// Setup is the service composition root. Optional.
	Setup SetupFunc
}

// SetupDeps is what Run hands to a service's composition root.
type SetupDeps struct {
	Config  *config.Config
	Logger  *slog.Logger
	HTTPMux *http.ServeMux
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// Service is what a composition root hands back to Run. Every field is optional.
type Service struct {
	// Middleware wraps the whole HTTP mux, /healthz included.
	Middleware func(http.Handler) http.Handler

	// Background runs for the life of the service. Its context is cancelled
	// only after the HTTP server has drained, so in-flight requests can
	// still reach whatever it owns.
	Background func(ctx context.Context) error

	// Cleanup runs after Background has returned and before telemetry is flushed.
	Cleanup func(ctx context.Context) error
}

// SetupFunc builds a service on top of the shared infrastructure.
type SetupFunc func(ctx context.Context, deps SetupDeps) (Service, error)

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, HTTP server with health checks, and graceful
// shutdown. If ln is non-nil, it is used instead of creating a new listener
// from config (enables port-0 testing).
func Run(ctx context.Context, p Params, ln net.Listener) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	// --- Startup order: tracer -> metrics -> service -> HTTP server ---

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    p.Name,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:    p.Name,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		flushTelemetry(logger, nil, tracerProvider)
		return fmt.Errorf("initialize metrics: %w", err)
	}

	// Health check shutdown coordination via atomic flag.
	var shuttingDown atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})

	var svc Service
	if p.Setup != nil {
		svc, err = p.Setup(ctx, SetupDeps{
			Config:  cfg,
			Logger:  logger,
			HTTPMux: mux,
			Meter:   observability.Meter(p.Name),
			Tracer:  observability.Tracer(p.Name),
		})
		if err != nil {
			if ln != nil {
				_ = ln.Close()
			}
			flushTelemetry(logger, metricsProvider, tracerProvider)
			return fmt.Errorf("setup %s: %w", p.Name, err)
		}
	}

	var handler http.Handler = mux
	if svc.Middleware != nil {
		handler = svc.Middleware(mux)
	}

	// Bind listener (use injected listener or create from config).
	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			runCleanup(logger, svc)
			flushTelemetry(logger, metricsProvider, tracerProvider)
			return fmt.Errorf("listen: %w", err)
		}
	}

	// A chat call may legitimately take the full request timeout.
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  domain.HTTPReadTimeout,
		WriteTimeout: cfg.Worker.RequestTimeout + domain.HTTPWriteSlack,
		IdleTimeout:  domain.HTTPIdleTimeout,
	}

	// Background work outlives the signal context until the HTTP drain is done.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer bgCancel()
	bgDone := make(chan struct{})

	// --- Structured concurrency via errgroup ---
	g, ctx := errgroup.WithContext(ctx)

	// Goroutine 1: Serve HTTP
	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Goroutine 2: Background service work (worker supervision).
	g.Go(func() error {
		defer close(bgDone)
		if svc.Background == nil {
			return nil
		}
		if bgErr := svc.Background(bgCtx); bgErr != nil && !errors.Is(bgErr, context.Canceled) {
			return fmt.Errorf("%s background: %w", p.Name, bgErr)
		}
		return nil
	})

	// Goroutine 3: Shutdown trigger. Waits for context cancellation, then drains.
	// Shutdown order is the reverse of startup: HTTP server -> service -> metrics -> tracer.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Mark shutting down: health checks return 503
		shuttingDown.Store(true)

		// 2. Drain delay: let load balancer propagate endpoint removal
		time.Sleep(domain.ShutdownDrainDelay)

		// 3. Drain HTTP server
		httpCtx, httpCancel := context.WithTimeout(context.Background(), httpDrainTimeout(cfg))
		defer httpCancel()
		if shutdownErr := server.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		// 4. Stop background work and wait for it
		bgCancel()
		<-bgDone
		runCleanup(logger, svc)

		// 5. Flush OTEL (reverse: metrics first, then tracer)
		flushTelemetry(logger, metricsProvider, tracerProvider)

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

// httpDrainTimeout lets an in-flight chat call run to its own timeout
// before the worker behind it is stopped.
func httpDrainTimeout(cfg *config.Config) time.Duration {
	return max(domain.ShutdownHTTPTimeout, cfg.Worker.RequestTimeout+domain.HTTPWriteSlack)
}

func runCleanup(logger *slog.Logger, svc Service) {
	if svc.Cleanup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
	defer cancel()
	if err := svc.Cleanup(ctx); err != nil {
		logger.Error("service cleanup failed", slog.String("error", err.Error()))
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func flushTelemetry(logger *slog.Logger, metricsProvider, tracerProvider shutdowner) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
	defer cancel()
	if metricsProvider != nil {
		if err := metricsProvider.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
	}
}
