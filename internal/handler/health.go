package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CycleClock reports when the last evaluation cycle finished.
type CycleClock interface {
	LastCycle() time.Time
}

func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// Ready reports 503 until every dependency answers a ping and the first
// evaluation cycle has completed.
func Ready(cycles CycleClock, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		failing := map[string]string{}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				failing[name] = err.Error()
			}
		}
		if cycles != nil && cycles.LastCycle().IsZero() {
			failing["cycle"] = "no evaluation cycle completed yet"
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failing) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "not ready", "failing": failing})
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
