// Package app implements the chat gateway: it accepts chat calls, forwards
// them to the supervised worker and correlates the worker's replies back to
// the calling request.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/internal/observability"
	"github.com/aelexs/rag-gateway/pkg/protocol"
)

// Worker is the consumer-defined view of the supervised process.
// The *worker.Supervisor satisfies this.
type Worker interface {
	Ready() bool
	Send(ctx context.Context, line []byte) error
}

// Config holds gateway dependencies and limits.
type Config struct {
	Worker         Worker
	RequestTimeout time.Duration // Defaults to domain.RequestTimeout
	Logger         *slog.Logger
	Metrics        *observability.GatewayMetrics
	Tracer         trace.Tracer
}

// Gateway correlates chat calls with worker replies.
//
// Every call written to the worker is tracked twice: by request ID, for
// workers that echo "request_id" in their reply, and in write order, for
// workers that answer stdin lines sequentially without echoing. A call that
// times out stays registered as an abandoned slot until its late reply
// arrives, so that reply is not handed to a later call. Slots are given up
// when the replies show the worker skipped a line.
type Gateway struct {
	worker  Worker
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.GatewayMetrics
	tracer  trace.Tracer

	// sendMu keeps registration order identical to stdin write order.
	sendMu sync.Mutex

	mu    sync.Mutex
	byID  map[string]*pendingCall
	order []*pendingCall
}

// NewGateway creates a Gateway. cfg.Worker is required.
func NewGateway(cfg Config) *Gateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = domain.RequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.Tracer("github.com/aelexs/rag-gateway/internal/gateway/app")
	}
	return &Gateway{
		worker:  cfg.Worker,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "gateway")),
		metrics: cfg.Metrics,
		tracer:  tracer,
		byID:    make(map[string]*pendingCall),
	}
}

// Timeout returns the per-call reply timeout.
func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// Send forwards message to the worker and waits for its reply.
//
// Exactly one terminal outcome is returned: the worker's reply, or an error
// wrapping domain.ErrInvalidInput (empty message, nothing written),
// domain.ErrNotReady (worker not ready, nothing written), domain.ErrTimeout
// (no reply within the timeout), domain.ErrWorkerExited (worker died with the
// call in flight), domain.ErrUnavailable (write failed) or the caller's
// context error.
func (g *Gateway) Send(ctx context.Context, message string) (reply json.RawMessage, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Send")
	start := time.Now()
	defer func() {
		outcome := domain.OutcomeOf(err)
		g.metrics.RecordCall(ctx, outcome, time.Since(start))
		span.SetAttributes(attribute.String("gateway.outcome", string(outcome)))
		if err != nil && !domain.IsClientError(err) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if message == "" {
		return nil, domain.ErrInvalidInput
	}
	if !g.worker.Ready() {
		return nil, domain.ErrNotReady
	}

	call := newPendingCall(domain.GenerateRequestID())
	span.SetAttributes(attribute.String("gateway.request_id", call.id.String()))
	logger := observability.WithTraceID(ctx, g.logger).With(slog.String("request_id", call.id.String()))

	line, err := protocol.EncodeRequest(protocol.Request{ID: call.id.String(), Message: message})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	// The timer starts when the call is registered.
	waitCtx, cancel := context.WithTimeoutCause(ctx, g.timeout, domain.ErrTimeout)
	defer cancel()

	if err := g.dispatch(waitCtx, call, line); err != nil {
		logger.Warn("worker write failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("send to worker: %w", err)
	}

	select {
	case res := <-call.result:
		return res.reply, res.err
	case <-waitCtx.Done():
		cause := context.Cause(waitCtx)
		if g.abandon(call, fmt.Errorf("await reply: %w", cause)) {
			logger.Warn("chat call abandoned before reply", slog.String("cause", cause.Error()))
		}
		// Whichever resolution won is the only one ever delivered.
		res := <-call.result
		return res.reply, res.err
	}
}

// dispatch registers call and writes its line under sendMu, so write order
// and registration order agree. A failed write unregisters the call.
func (g *Gateway) dispatch(ctx context.Context, call *pendingCall, line []byte) error {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.mu.Lock()
	g.byID[call.id.String()] = call
	g.order = append(g.order, call)
	g.mu.Unlock()

	if err := g.worker.Send(ctx, line); err != nil {
		g.mu.Lock()
		g.forget(call)
		g.mu.Unlock()
		return err
	}
	return nil
}

// abandon resolves call with err and, normally, leaves it registered as an
// abandoned slot so its late reply is absorbed. A call that was overtaken
// (an abandoned slot ahead of it absorbed a reply while it waited) is taken
// as evidence that the worker skipped a line: its own reply most likely
// went to that slot. It is dropped without a slot, along with every
// abandoned slot still ahead of it, so the next reply reaches a live call.
// It reports whether this call resolved the pending call.
func (g *Gateway) abandon(call *pendingCall, err error) bool {
	g.mu.Lock()
	dropped := 0
	if call.overtaken {
		dropped = g.resync(call)
	} else {
		call.abandoned = true
	}
	g.mu.Unlock()

	if dropped > 0 {
		g.logger.Warn("worker replies out of step with requests, dropping abandoned calls",
			slog.String("request_id", call.id.String()),
			slog.Int("dropped", dropped),
		)
	}
	return call.resolve(result{err: err})
}

// resync removes call and every abandoned slot queued before it. It returns
// the number of slots removed. g.mu must be held.
func (g *Gateway) resync(call *pendingCall) int {
	idx := slices.Index(g.order, call)
	if idx < 0 {
		return 0
	}
	kept := g.order[:0:0]
	dropped := 0
	for i, c := range g.order {
		if i < idx && !c.abandoned || i > idx {
			kept = append(kept, c)
			continue
		}
		delete(g.byID, c.id.String())
		dropped++
	}
	g.order = kept
	return dropped
}

// HandleReply routes one worker reply to its pending call. A reply echoing
// the request ID of a known call goes to that call; a reply whose echoed ID
// is no longer known (a call dropped after the worker exited or fell out of
// step) is discarded. Every other reply, including one with an unrelated or
// malformed request_id, goes to the oldest call still awaiting a line.
// Replies for abandoned calls are discarded.
func (g *Gateway) HandleReply(r protocol.Reply) {
	g.mu.Lock()
	call, correlated := g.route(r)
	abandoned := false
	if call != nil {
		abandoned = call.abandoned
		g.forget(call)
	}
	g.mu.Unlock()

	switch {
	case call == nil && correlated:
		g.logger.Warn("dropping worker reply for unknown request", slog.String("request_id", r.ID))
	case call == nil:
		g.logger.Warn("dropping unsolicited worker reply")
	case abandoned:
		g.logger.Info("discarding late worker reply", slog.String("request_id", call.id.String()))
	case r.Truncated:
		g.logger.Warn("worker reply exceeded line limit", slog.String("request_id", call.id.String()))
		call.resolve(result{err: fmt.Errorf("relay reply: %w", domain.ErrReplyTooLarge)})
	default:
		call.resolve(result{reply: r.Body})
	}
}

// route picks the call a reply belongs to and reports whether the reply
// carried a well-formed request ID. g.mu must be held.
func (g *Gateway) route(r protocol.Reply) (*pendingCall, bool) {
	if id, err := domain.NewRequestID(r.ID); err == nil {
		return g.byID[id.String()], true
	}
	if len(g.order) == 0 {
		return nil, false
	}
	head := g.order[0]
	if head.abandoned {
		// If the worker skipped head's line, this reply belongs to a live
		// call queued behind it.
		for _, c := range g.order[1:] {
			if !c.abandoned {
				c.overtaken = true
			}
		}
	}
	return head, false
}

// HandleExit fails every call still in flight: the worker that would have
// answered them is gone.
func (g *Gateway) HandleExit(err error) {
	g.mu.Lock()
	calls := g.order
	g.order = nil
	g.byID = make(map[string]*pendingCall)
	g.mu.Unlock()

	failed := 0
	for _, c := range calls {
		if c.resolve(result{err: err}) {
			failed++
		}
	}
	if failed > 0 {
		g.logger.Warn("failed in-flight chat calls after worker exit",
			slog.Int("calls", failed),
			slog.String("error", err.Error()),
		)
	}
}

// Pending returns the number of calls awaiting a reply, abandoned calls excluded.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.order {
		if !c.abandoned {
			n++
		}
	}
	return n
}

// forget removes call from both indexes. g.mu must be held.
func (g *Gateway) forget(call *pendingCall) {
	delete(g.byID, call.id.String())
	for i, c := range g.order {
		if c == call {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}
