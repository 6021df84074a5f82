package app

import (
	"encoding/json"
	"sync"

	"github.com/aelexs/rag-gateway/internal/domain"
)

type result struct {
	reply json.RawMessage
	err   error
}

// pendingCall is one in-flight chat call. It resolves at most once.
type pendingCall struct {
	id     domain.RequestID
	once   sync.Once
	result chan result // capacity 1; receives exactly one value

	// Guarded by Gateway.mu.
	abandoned bool // resolved by timeout or cancellation, slot kept
	overtaken bool // an abandoned slot ahead absorbed a reply while this call waited
}

func newPendingCall(id domain.RequestID) *pendingCall {
	return &pendingCall{
		id:     id,
		result: make(chan result, 1),
	}
}

// resolve delivers r if the call is unresolved and reports whether it did.
func (c *pendingCall) resolve(r result) bool {
	resolved := false
	c.once.Do(func() {
		c.result <- r
		resolved = true
	})
	return resolved
}
