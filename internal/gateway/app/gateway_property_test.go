package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/aelexs/rag-gateway/internal/domain"
)

// TestProperty_InputGating: for any message, an empty message fails with
// ErrInvalidInput and a not-ready worker fails with ErrNotReady, both
// without writing to the worker.
func TestProperty_InputGating(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		message := rapid.OneOf(rapid.Just(""), rapid.String()).Draw(t, "message")
		ready := rapid.Bool().Draw(t, "ready")

		w := newFakeWorker(ready)
		gw := newGateway(w, 20*time.Millisecond)

		_, err := gw.Send(context.Background(), message)

		switch {
		case message == "":
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("empty message: got %v", err)
			}
		case !ready:
			if !errors.Is(err, domain.ErrNotReady) {
				t.Fatalf("not ready: got %v", err)
			}
		default:
			// Nobody answers: the call must time out.
			if !errors.Is(err, domain.ErrTimeout) {
				t.Fatalf("silent worker: got %v", err)
			}
			return
		}
		if n := len(w.writes()); n != 0 {
			t.Fatalf("rejected call wrote %d lines", n)
		}
	})
}

// TestProperty_EachCallGetsItsOwnReply: for any batch of concurrent calls,
// any reply order, and any status noise, each caller resolves exactly once
// with the reply to its own message.
func TestProperty_EachCallGetsItsOwnReply(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "calls")
		echoID := rapid.Bool().Draw(t, "echoID")
		noise := rapid.SliceOfN(rapid.SampledFrom([]string{
			"loading model...", "RAG_READY", "", `{"broken"`, "42",
		}), 0, 5).Draw(t, "noise")

		w := newFakeWorker(true)
		gw := newGateway(w, 5*time.Second)

		// Without echoed IDs the worker must answer in write order; with
		// them any permutation is allowed.
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		if echoID {
			perm = rapid.Permutation(perm).Draw(t, "replyOrder")
		}

		go func() {
			reqs := make([]struct{ id, msg string }, n)
			for i := 0; i < n; i++ {
				req := <-w.requests
				reqs[i].id, reqs[i].msg = req.ID, req.Message
			}
			for _, i := range perm {
				for _, line := range noise {
					emit(gw, line)
				}
				id := ""
				if echoID {
					id = reqs[i].id
				}
				emit(gw, replyLine(id, "echo: "+reqs[i].msg))
			}
		}()

		var wg sync.WaitGroup
		errs := make(chan string, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg := fmt.Sprintf("m%d", i)
				reply, err := gw.Send(context.Background(), msg)
				if err != nil {
					errs <- fmt.Sprintf("%s: %v", msg, err)
					return
				}
				var body map[string]string
				if err := json.Unmarshal(reply, &body); err != nil || body["response"] != "echo: "+msg {
					errs <- fmt.Sprintf("%s: got reply %s", msg, reply)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for e := range errs {
			t.Fatalf("misdelivered: %s", e)
		}
		if p := gw.Pending(); p != 0 {
			t.Fatalf("pending calls left: %d", p)
		}
	})
}
