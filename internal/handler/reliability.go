package handler

import (
	"encoding/json"
	"net/http"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

type ReliabilityReporter interface {
	SourceReliabilityReport() map[string]pricing.ReliabilityStats
}

type ReliabilityResetter interface {
	ResetSourceReliability()
}

func Reliability(rep ReliabilityReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := rep.SourceReliabilityReport()
		if report == nil {
			report = map[string]pricing.ReliabilityStats{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}

func ResetReliability(rr ReliabilityResetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rr.ResetSourceReliability()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"reset"}`))
	}
}
