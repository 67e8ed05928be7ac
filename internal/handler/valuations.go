package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/lp-monitor/internal/monitor"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ValuationReporter exposes the results of the most recent cycle.
type ValuationReporter interface {
	Latest() []monitor.ValuationResult
	LastCycle() time.Time
}

// HistoryReader reads persisted valuation snapshots.
type HistoryReader interface {
	ListValuations(ctx context.Context, positionName string, since time.Time, limit int) ([]monitor.ValuationResult, error)
}

type valuationsResponse struct {
	LastCycle  *time.Time                `json:"last_cycle"`
	Valuations []monitor.ValuationResult `json:"valuations"`
}

// ListValuations returns the latest cycle's results, optionally filtered by
// ?status= (case-insensitive).
func ListValuations(rep ValuationReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := rep.Latest()
		if status := r.URL.Query().Get("status"); status != "" {
			want := monitor.Status(strings.ToUpper(status))
			filtered := results[:0]
			for _, res := range results {
				if res.Status == want {
					filtered = append(filtered, res)
				}
			}
			results = filtered
		}
		if results == nil {
			results = []monitor.ValuationResult{}
		}

		resp := valuationsResponse{Valuations: results}
		if lc := rep.LastCycle(); !lc.IsZero() {
			resp.LastCycle = &lc
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// ValuationHistory returns stored snapshots for one position, newest first.
// since accepts RFC3339 or a duration such as 24h.
func ValuationHistory(h HistoryReader, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" {
			http.Error(w, `{"error":"position name required"}`, http.StatusBadRequest)
			return
		}

		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			l, err := strconv.Atoi(v)
			if err != nil || l <= 0 {
				http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
				return
			}
			limit = min(l, maxHistoryLimit)
		}

		var since time.Time
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := parseSince(v, now())
			if err != nil {
				http.Error(w, `{"error":"invalid since"}`, http.StatusBadRequest)
				return
			}
			since = t
		}

		if h == nil {
			http.Error(w, `{"error":"history not configured"}`, http.StatusServiceUnavailable)
			return
		}
		results, err := h.ListValuations(r.Context(), name, since, limit)
		if err != nil {
			http.Error(w, `{"error":"failed to list valuations"}`, http.StatusInternalServerError)
			return
		}
		if results == nil {
			results = []monitor.ValuationResult{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, err
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}
