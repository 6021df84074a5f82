package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/internal/gateway/app"
	"github.com/aelexs/rag-gateway/internal/gateway/port"
	"github.com/aelexs/rag-gateway/internal/observability"
	"github.com/aelexs/rag-gateway/internal/server"
	"github.com/aelexs/rag-gateway/internal/worker"
)

// setup is the gateway composition root. It builds the worker supervisor,
// the gateway state shared by all requests, and registers the HTTP routes.
// The worker is spawned by the returned Background func and stopped once
// the HTTP server has drained.
func setup(ctx context.Context, deps server.SetupDeps) (server.Service, error) {
	cfg := deps.Config
	logger := deps.Logger

	// 1. Instruments. The ready gauge reads the supervisor once it exists.
	var supRef atomic.Pointer[worker.Supervisor]
	metrics, err := observability.NewGatewayMetrics(deps.Meter, func() bool {
		s := supRef.Load()
		return s != nil && s.Ready()
	})
	if err != nil {
		return server.Service{}, fmt.Errorf("gateway setup: create metrics: %w", err)
	}

	// 2. Worker supervisor.
	sup := worker.NewSupervisor(worker.Config{
		Command:       cfg.Worker.Command,
		Args:          cfg.Worker.Args,
		Dir:           cfg.Worker.Dir,
		ReadySentinel: cfg.Worker.ReadySentinel,
		MaxLineBytes:  cfg.Worker.MaxLineBytes,
		StopTimeout:   cfg.Worker.StopTimeout,
		Restart: worker.RestartPolicy{
			Enabled:         cfg.Worker.Restart.Enabled,
			InitialInterval: cfg.Worker.Restart.InitialInterval,
			MaxInterval:     cfg.Worker.Restart.MaxInterval,
		},
	},
		worker.WithLogger(logger),
		worker.WithClock(domain.RealClock{}),
		worker.WithMetrics(metrics),
	)
	supRef.Store(sup)

	// 3. Gateway state.
	gw := app.NewGateway(app.Config{
		Worker:         sup,
		RequestTimeout: cfg.Worker.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         deps.Tracer,
	})

	// 4. HTTP routes.
	port.Register(deps.HTTPMux, port.NewChatHandler(gw, logger), port.HealthHandler(sup, gw))

	logger.InfoContext(ctx, "chat gateway initialized",
		slog.String("worker_command", cfg.Worker.Command),
		slog.Any("worker_args", cfg.Worker.Args),
		slog.Duration("request_timeout", gw.Timeout()),
		slog.Bool("restart_enabled", cfg.Worker.Restart.Enabled),
	)

	return server.Service{
		Middleware: func(next http.Handler) http.Handler {
			return port.CORS(cfg.CORS.AllowedOrigin, next)
		},
		Background: func(ctx context.Context) error {
			return sup.Run(ctx, gw)
		},
	}, nil
}
