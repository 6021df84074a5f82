package errmap_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/internal/errmap"
)

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatusCode int
		wantMessage    string
	}{
		{"nil error", nil, http.StatusOK, ""},
		{"ErrInvalidInput", domain.ErrInvalidInput, http.StatusBadRequest, "Message is required"},
		{"ErrNotReady", domain.ErrNotReady, http.StatusServiceUnavailable, "RAG system is still initialising, please wait..."},
		{"ErrWorkerExited", domain.ErrWorkerExited, http.StatusServiceUnavailable, "RAG system is still initialising, please wait..."},
		{"ErrUnavailable", domain.ErrUnavailable, http.StatusServiceUnavailable, errmap.MsgUnavailable},
		{"ErrTimeout", domain.ErrTimeout, http.StatusGatewayTimeout, "Request timeout"},
		{"deadline exceeded", context.DeadlineExceeded, http.StatusGatewayTimeout, "Request timeout"},
		{"ErrReplyTooLarge", domain.ErrReplyTooLarge, http.StatusBadGateway, errmap.MsgReplyTooLarge},
		{"canceled", context.Canceled, http.StatusServiceUnavailable, errmap.MsgCancelled},

		// Wrapped errors
		{"wrapped ErrTimeout", fmt.Errorf("await reply: %w", domain.ErrTimeout), http.StatusGatewayTimeout, "Request timeout"},
		{"wrapped ErrWorkerExited", fmt.Errorf("%w: exit code 1", domain.ErrWorkerExited), http.StatusServiceUnavailable, errmap.MsgInitialising},

		// Unknown errors map to Internal
		{"unknown error", fmt.Errorf("unexpected"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToHTTPError(tt.err)
			assert.Equal(t, tt.wantStatusCode, got.StatusCode)
			assert.Equal(t, tt.wantMessage, got.Message)
		})
	}
}

func TestToHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, errmap.ToHTTPStatusCode(nil))
	assert.Equal(t, http.StatusBadRequest, errmap.ToHTTPStatusCode(domain.ErrInvalidInput))
	assert.Equal(t, http.StatusServiceUnavailable, errmap.ToHTTPStatusCode(domain.ErrNotReady))
	assert.Equal(t, http.StatusGatewayTimeout, errmap.ToHTTPStatusCode(domain.ErrTimeout))
}

func TestHTTPErrorJSON(t *testing.T) {
	b, err := json.Marshal(errmap.ToHTTPError(domain.ErrInvalidInput))

	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Message is required"}`, string(b))
}

func TestHTTPErrorImplementsError(t *testing.T) {
	var err error = errmap.ToHTTPError(domain.ErrTimeout)
	assert.Equal(t, "Request timeout", err.Error())
}
