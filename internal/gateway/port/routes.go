package port

import "net/http"

// Register mounts the gateway routes on mux. /api/chat is kept as an alias
// for clients built against the original backend path.
func Register(mux *http.ServeMux, chat *ChatHandler, health http.Handler) {
	mux.Handle("POST /chat", chat)
	mux.Handle("POST /api/chat", chat)
	mux.Handle("GET /health", health)
}
