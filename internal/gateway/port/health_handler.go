package port

import (
	"net/http"

	"github.com/aelexs/rag-gateway/internal/worker"
)

type workerStatus interface {
	Status() worker.Status
}

type pendingCounter interface {
	Pending() int
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status  string        `json:"status"`
	Worker  worker.Status `json:"worker"`
	Pending int           `json:"pending"`
}

// HealthHandler reports worker readiness. It always answers 200 so the
// endpoint can be polled while the worker is still initialising; callers
// read worker.ready.
func HealthHandler(ws workerStatus, pc pendingCounter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := ws.Status()
		status := "healthy"
		if !st.Ready {
			status = "initialising"
		}
		writeJSON(w, http.StatusOK, healthResponse{
			Status:  status,
			Worker:  st,
			Pending: pc.Pending(),
		})
	})
}
