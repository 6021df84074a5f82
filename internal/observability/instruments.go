package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/rag-gateway/internal/domain"
)

// GatewayMetrics holds the gateway's instruments. A nil *GatewayMetrics is
// valid and records nothing.
type GatewayMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	restarts metric.Int64Counter
	ready    metric.Int64ObservableGauge
}

// NewGatewayMetrics registers the gateway instruments on meter. ready is
// polled on every collection to report worker readiness as 0/1.
func NewGatewayMetrics(meter metric.Meter, ready func() bool) (*GatewayMetrics, error) {
	requests, err := meter.Int64Counter("gateway.chat.requests",
		metric.WithDescription("Chat calls by terminal outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}

	duration, err := meter.Float64Histogram("gateway.chat.duration",
		metric.WithDescription("Time from accepting a chat call to its terminal outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	restarts, err := meter.Int64Counter("gateway.worker.restarts",
		metric.WithDescription("Worker respawns performed by the supervisor"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create restarts counter: %w", err)
	}

	readyGauge, err := meter.Int64ObservableGauge("gateway.worker.ready",
		metric.WithDescription("1 when the worker has announced readiness, else 0"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if ready != nil && ready() {
				o.Observe(1)
			} else {
				o.Observe(0)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ready gauge: %w", err)
	}

	return &GatewayMetrics{
		requests: requests,
		duration: duration,
		restarts: restarts,
		ready:    readyGauge,
	}, nil
}

// RecordCall records one terminal chat outcome and its latency.
func (m *GatewayMetrics) RecordCall(ctx context.Context, outcome domain.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRestart counts one worker respawn.
func (m *GatewayMetrics) RecordRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.restarts.Add(ctx, 1)
}
