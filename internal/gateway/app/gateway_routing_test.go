package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/pkg/protocol"
)

func TestSend_RecoversAfterWorkerSkipsALine(t *testing.T) {
	w := newFakeWorker(true)
	gw := newGateway(w, 100*time.Millisecond)

	// An id-less worker that never answers its first line and answers
	// every later line straight away.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		first := true
		for {
			select {
			case <-stop:
				return
			case req := <-w.requests:
				if first {
					first = false
					continue
				}
				emit(gw, replyLine("", "echo: "+req.Message))
			}
		}
	}()

	_, err := gw.Send(context.Background(), "a")
	require.ErrorIs(t, err, domain.ErrTimeout)

	// "a"'s slot takes the reply meant for "b"; the gateway then learns the
	// worker is a line behind and drops both slots.
	_, err = gw.Send(context.Background(), "b")
	require.ErrorIs(t, err, domain.ErrTimeout)

	for _, msg := range []string{"c", "d", "e"} {
		reply, err := gw.Send(context.Background(), msg)
		require.NoError(t, err, msg)
		assert.Equal(t, "echo: "+msg, responseOf(t, reply))
	}
	assert.Equal(t, 0, gw.Pending())
}

func TestSend_RecoversAfterSeveralSkippedLines(t *testing.T) {
	w := newFakeWorker(true)
	gw := newGateway(w, 80*time.Millisecond)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		skipped := 0
		for {
			select {
			case <-stop:
				return
			case req := <-w.requests:
				if skipped < 2 {
					skipped++
					continue
				}
				emit(gw, replyLine("", "echo: "+req.Message))
			}
		}
	}()

	var lastErr error
	for _, msg := range []string{"a", "b", "c"} {
		_, lastErr = gw.Send(context.Background(), msg)
		require.ErrorIs(t, lastErr, domain.ErrTimeout, msg)
	}

	reply, err := gw.Send(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, "echo: d", responseOf(t, reply))
}

func TestSend_LateReplyStillAbsorbedByItsSlot(t *testing.T) {
	w := newFakeWorker(true)
	gw := newGateway(w, 80*time.Millisecond)

	_, err := gw.Send(context.Background(), "slow")
	require.ErrorIs(t, err, domain.ErrTimeout)
	<-w.requests

	done := make(chan string, 1)
	go func() {
		reply, err := gw.Send(context.Background(), "next")
		if assert.NoError(t, err) {
			done <- responseOf(t, reply)
		}
		close(done)
	}()
	<-w.requests

	emit(gw, replyLine("", "echo: slow"))
	emit(gw, replyLine("", "echo: next"))

	assert.Equal(t, "echo: next", <-done)
}

func TestHandleReply_OpaqueIDFieldsUseWriteOrder(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"worker's own id field", `{"id":"course-42","response":"hi"}`},
		{"request_id that is not a request ID", `{"request_id":"course-42","response":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWorker(true)
			gw := newGateway(w, 5*time.Second)

			done := make(chan error, 1)
			go func() {
				reply, err := gw.Send(context.Background(), "hello")
				if err == nil {
					assert.JSONEq(t, tt.line, string(reply))
				}
				done <- err
			}()
			<-w.requests

			emit(gw, tt.line)

			require.NoError(t, <-done)
			assert.Equal(t, 0, gw.Pending())
		})
	}
}

func TestHandleReply_TruncatedReplyFailsItsCall(t *testing.T) {
	t.Run("without request id the oldest call fails", func(t *testing.T) {
		w := newFakeWorker(true)
		gw := newGateway(w, 5*time.Second)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		replies := make([][]byte, 2)
		for i, msg := range []string{"first", "second"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				replies[i], errs[i] = gw.Send(context.Background(), msg)
			}()
			// Serialise the writes so "first" is the oldest call.
			<-w.requests
		}

		gw.HandleReply(protocol.Reply{Truncated: true})
		emit(gw, replyLine("", "echo: second"))
		wg.Wait()

		assert.ErrorIs(t, errs[0], domain.ErrReplyTooLarge)
		require.NoError(t, errs[1])
		assert.Equal(t, "echo: second", responseOf(t, replies[1]))
	})

	t.Run("with request id that call fails", func(t *testing.T) {
		w := newFakeWorker(true)
		gw := newGateway(w, 5*time.Second)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		ids := make([]string, 2)
		for i, msg := range []string{"first", "second"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = gw.Send(context.Background(), msg)
			}()
			ids[i] = (<-w.requests).ID
		}

		gw.HandleReply(protocol.Reply{ID: ids[1], Truncated: true})
		emit(gw, replyLine(ids[0], "echo: first"))
		wg.Wait()

		require.NoError(t, errs[0])
		assert.ErrorIs(t, errs[1], domain.ErrReplyTooLarge)
	})
}
