package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/lp-monitor/internal/monitor"
	"github.com/web3-frozen/lp-monitor/internal/position"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	results   []monitor.ValuationResult
	lastCycle time.Time
	positions []position.Position
	resets    int
}

func (f *fakeEngine) Latest() []monitor.ValuationResult {
	return append([]monitor.ValuationResult(nil), f.results...)
}
func (f *fakeEngine) LastCycle() time.Time { return f.lastCycle }
func (f *fakeEngine) SourceReliabilityReport() map[string]pricing.ReliabilityStats {
	return map[string]pricing.ReliabilityStats{
		"coingecko": {Attempts: 2, Successes: 1, Failures: 1, SuccessRate: 0.5},
	}
}
func (f *fakeEngine) ResetSourceReliability() { f.resets++ }
func (f *fakeEngine) Positions() []position.Position { return f.positions }
func (f *fakeEngine) ReloadPositions(_ context.Context, ps []position.Position) {
	f.positions = ps
}

type fakeHistory struct {
	gotName  string
	gotSince time.Time
	gotLimit int
	err      error
}

func (f *fakeHistory) ListValuations(_ context.Context, name string, since time.Time, limit int) ([]monitor.ValuationResult, error) {
	f.gotName, f.gotSince, f.gotLimit = name, since, limit
	if f.err != nil {
		return nil, f.err
	}
	return []monitor.ValuationResult{{Position: name, Status: monitor.StatusComputed}}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		lastCycle  time.Time
		deps       map[string]Pinger
		wantStatus int
	}{
		{"ready", testNow, map[string]Pinger{"postgres": pinger{}, "redis": pinger{}}, http.StatusOK},
		{"no cycle yet", time.Time{}, map[string]Pinger{"postgres": pinger{}}, http.StatusServiceUnavailable},
		{"dependency down", testNow, map[string]Pinger{"redis": pinger{err: errors.New("refused")}}, http.StatusServiceUnavailable},
		{"no dependencies", testNow, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Ready(&fakeEngine{lastCycle: tt.lastCycle}, tt.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestListValuations(t *testing.T) {
	eng := &fakeEngine{
		lastCycle: testNow,
		results: []monitor.ValuationResult{
			{Position: "a", Status: monitor.StatusComputed},
			{Position: "b", Status: monitor.StatusFailed, Error: "boom"},
			{Position: "c", Status: monitor.StatusStale},
		},
	}
	h := ListValuations(eng)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"a", "b", "c"}},
		{"?status=failed", []string{"b"}},
		{"?status=COMPUTED_WITH_STALE_DATA", []string{"c"}},
		{"?status=PENDING", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/valuations"+tt.query, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var resp struct {
				LastCycle  *time.Time                `json:"last_cycle"`
				Valuations []monitor.ValuationResult `json:"valuations"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.LastCycle == nil || !resp.LastCycle.Equal(testNow) {
				t.Errorf("last_cycle = %v", resp.LastCycle)
			}
			if len(resp.Valuations) != len(tt.want) {
				t.Fatalf("got %d valuations, want %d", len(resp.Valuations), len(tt.want))
			}
			for i, name := range tt.want {
				if resp.Valuations[i].Position != name {
					t.Errorf("valuations[%d] = %s, want %s", i, resp.Valuations[i].Position, name)
				}
			}
		})
	}
}

func TestListValuationsBeforeFirstCycle(t *testing.T) {
	rec := httptest.NewRecorder()
	ListValuations(&fakeEngine{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/valuations", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `"last_cycle":null`) || !strings.Contains(body, `"valuations":[]`) {
		t.Errorf("body = %s", body)
	}
}

func historyRouter(h HistoryReader) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/valuations/{name}/history", ValuationHistory(h, func() time.Time { return testNow }))
	return r
}

func TestValuationHistory(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
		wantSince  time.Time
	}{
		{"defaults", "", http.StatusOK, defaultHistoryLimit, time.Time{}},
		{"limit capped", "?limit=5000", http.StatusOK, maxHistoryLimit, time.Time{}},
		{"duration since", "?since=24h&limit=10", http.StatusOK, 10, testNow.Add(-24 * time.Hour)},
		{"rfc3339 since", "?since=2026-09-01T00:00:00Z", http.StatusOK, defaultHistoryLimit, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"bad limit", "?limit=abc", http.StatusBadRequest, 0, time.Time{}},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0, time.Time{}},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hist := &fakeHistory{}
			rec := httptest.NewRecorder()
			historyRouter(hist).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/valuations/eth-usdc/history"+tt.query, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if hist.gotName != "eth-usdc" || hist.gotLimit != tt.wantLimit || !hist.gotSince.Equal(tt.wantSince) {
				t.Errorf("query = (%s, %v, %d), want (eth-usdc, %v, %d)",
					hist.gotName, hist.gotSince, hist.gotLimit, tt.wantSince, tt.wantLimit)
			}
		})
	}
}

func TestValuationHistoryErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	historyRouter(&fakeHistory{err: errors.New("db down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/valuations/x/history", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store error: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	historyRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/valuations/x/history", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no store: status = %d", rec.Code)
	}
}

func TestReliability(t *testing.T) {
	eng := &fakeEngine{}

	rec := httptest.NewRecorder()
	Reliability(eng).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reliability", nil))
	var report map[string]pricing.ReliabilityStats
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report["coingecko"].Attempts != 2 {
		t.Errorf("report = %+v", report)
	}

	rec = httptest.NewRecorder()
	ResetReliability(eng).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reliability/reset", nil))
	if rec.Code != http.StatusOK || eng.resets != 1 {
		t.Errorf("reset: status = %d, resets = %d", rec.Code, eng.resets)
	}
}

const validPositions = `
[[position]]
name = "eth-usdc"
token_a = "ETH"
token_b = "USDC"
initial_amount_a = 1.0
initial_amount_b = 2000.0
initial_price_a = 2000.0
initial_price_b = 1.0
entry_time = 2026-01-01T00:00:00Z
`

func TestReloadPositions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.toml")
	if err := os.WriteFile(path, []byte(validPositions), 0o600); err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{}
	h := ReloadPositions(path, eng, discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if len(eng.positions) != 1 || eng.positions[0].Name != "eth-usdc" {
		t.Fatalf("positions = %+v", eng.positions)
	}

	// An invalid file keeps the previous set.
	if err := os.WriteFile(path, []byte(strings.Replace(validPositions, `token_b = "USDC"`, `token_b = "ETH"`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/reload", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid file: status = %d", rec.Code)
	}
	if len(eng.positions) != 1 {
		t.Errorf("positions replaced by invalid file: %+v", eng.positions)
	}

	rec = httptest.NewRecorder()
	ListPositions(eng).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	var got []position.Position
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TokenB != "USDC" {
		t.Errorf("listed = %+v", got)
	}
}
