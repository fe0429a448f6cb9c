package ephemeral

import (
	"context"
	"net/http"
	"time"

	"github.com/putto11262002/ephemeral/pkg/router"
)

const healthTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

// HealthHandler reports healthy only when every dependency answers a ping.
func HealthHandler(deps map[string]pinger) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		res := HealthResponse{Status: "healthy", Dependencies: make(map[string]string, len(deps))}
		status := http.StatusOK
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				res.Dependencies[name] = err.Error()
				res.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			res.Dependencies[name] = "ok"
		}
		return router.JSON(w, status, res)
	}
}
