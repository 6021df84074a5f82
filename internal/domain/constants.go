package domain

import "time"

// Compiled defaults for the gateway. Most can be overridden via configuration.
const (
	// Worker protocol
	ReadySentinel   = "RAG_READY" // Line fragment that marks the worker ready
	MaxWorkerLine   = 1024 * 1024 // 1 MiB max line read from worker stdout/stderr
	MaxRequestBody  = 64 * 1024   // 64 KB max POST /chat body
	DefaultHTTPPort = 3001

	// Timeout contracts
	RequestTimeout    = 30 * time.Second // Max wait for a worker reply per call
	WorkerStopTimeout = 5 * time.Second  // Time between SIGTERM and kill on shutdown

	// Restart policy (disabled by default)
	RestartInitialInterval = 500 * time.Millisecond
	RestartMaxInterval     = 30 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second // Max time to drain connections on shutdown
	ShutdownDrainDelay      = 1 * time.Second  // Wait for load balancer to stop routing
	ShutdownHTTPTimeout     = 10 * time.Second // Floor for draining in-flight HTTP requests
	ShutdownOTELTimeout     = 5 * time.Second  // Max time to flush telemetry

	// HTTP server
	HTTPReadTimeout = 10 * time.Second
	HTTPIdleTimeout = 60 * time.Second
	HTTPWriteSlack  = 5 * time.Second // Added to the request timeout for WriteTimeout
)

// Outcome labels the terminal result of a chat call for logs and metrics.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeInvalidInput Outcome = "invalid_input"
	OutcomeNotReady     Outcome = "not_ready"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeWorkerExited Outcome = "worker_exited"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeError        Outcome = "error"
)
