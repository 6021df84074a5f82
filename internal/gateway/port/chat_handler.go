package port

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/internal/errmap"
	"github.com/aelexs/rag-gateway/internal/observability"
	"github.com/aelexs/rag-gateway/pkg/protocol"
)

// chatService is a narrow, consumer-defined interface for the gateway
// operation the handler requires. The *app.Gateway satisfies this.
type chatService interface {
	Send(ctx context.Context, message string) (json.RawMessage, error)
}

// ChatHandler serves POST /chat.
type ChatHandler struct {
	svc    chatService
	logger *slog.Logger
}

// NewChatHandler creates a ChatHandler backed by svc.
func NewChatHandler(svc chatService, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &ChatHandler{svc: svc, logger: logger}
}

// ServeHTTP decodes {"message": string}, forwards it to the worker and
// writes the worker's reply verbatim. A body that does not decode counts
// as a missing message.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	body := http.MaxBytesReader(w, r.Body, domain.MaxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.logger.DebugContext(r.Context(), "undecodable chat body", slog.String("error", err.Error()))
		req.Message = ""
	}

	reply, err := h.svc.Send(r.Context(), req.Message)
	if err != nil {
		httpErr := errmap.ToHTTPError(err)
		logger := observability.WithTraceID(r.Context(), h.logger)
		if httpErr.StatusCode >= http.StatusInternalServerError {
			logger.Warn("chat call failed",
				slog.Int("status", httpErr.StatusCode),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, httpErr.StatusCode, httpErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
