package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/web3-frozen/lp-monitor/internal/position"
)

// PositionSet is the live position list of the engine.
type PositionSet interface {
	Positions() []position.Position
	ReloadPositions(ctx context.Context, positions []position.Position)
}

func ListPositions(ps PositionSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positions := ps.Positions()
		if positions == nil {
			positions = []position.Position{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(positions)
	}
}

// ReloadPositions re-reads the positions file. An invalid file leaves the
// current positions untouched.
func ReloadPositions(path string, ps PositionSet, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positions, err := position.LoadFile(path)
		if err != nil {
			logger.Warn("positions reload rejected", "path", path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		ps.ReloadPositions(r.Context(), positions)
		logger.Info("positions reloaded", "path", path, "count", len(positions))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"positions": len(positions)})
	}
}
