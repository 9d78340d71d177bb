package server

import (
	"context"
	"net/http"
	"sort"
	"time"
)

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentHealth `json:"components"`
	QueueDepth int                        `json:"queue_depth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]componentHealth, len(names))
	for _, name := range names {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.checks[name](checkCtx)
		cancel()

		info := componentHealth{Connected: err == nil}
		if err != nil {
			info.Error = err.Error()
			healthy = false
		} else {
			info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		components[name] = info
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:     status,
		Components: components,
		QueueDepth: s.updateDLQDepth(ctx),
	})
}
