package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aelexs/rag-gateway/internal/gateway/app"
	"github.com/aelexs/rag-gateway/pkg/protocol"
)

// fakeWorker records request lines in write order and lets the test play
// the worker's side of the protocol.
type fakeWorker struct {
	ready    atomic.Bool
	requests chan protocol.Request

	mu      sync.Mutex
	written []protocol.Request
	sendErr error
}

func newFakeWorker(ready bool) *fakeWorker {
	w := &fakeWorker{requests: make(chan protocol.Request, 256)}
	w.ready.Store(ready)
	return w
}

func (w *fakeWorker) Ready() bool { return w.ready.Load() }

func (w *fakeWorker) Send(_ context.Context, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sendErr != nil {
		return w.sendErr
	}
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("fake worker: bad line %q: %w", line, err)
	}
	w.written = append(w.written, req)
	w.requests <- req
	return nil
}

func (w *fakeWorker) writes() []protocol.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Request(nil), w.written...)
}

func (w *fakeWorker) failWrites(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sendErr = err
}

// emit feeds one stdout line to the gateway the way the supervisor does:
// only JSON object lines reach HandleReply.
func emit(gw *app.Gateway, line string) {
	if reply, ok := protocol.ParseLine([]byte(line)); ok {
		gw.HandleReply(reply)
	}
}

func replyLine(id, response string) string {
	m := map[string]string{"response": response}
	if id != "" {
		m["request_id"] = id
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// serve answers every request with an echo reply until stop is closed.
func serve(gw *app.Gateway, w *fakeWorker, echoID bool, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case req := <-w.requests:
			emit(gw, "thinking...")
			id := ""
			if echoID {
				id = req.ID
			}
			emit(gw, replyLine(id, "echo: "+req.Message))
		}
	}
}
