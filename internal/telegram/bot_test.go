package telegram

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/web3-frozen/lp-monitor/internal/monitor"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

type fakeReporter struct {
	results []monitor.ValuationResult
}

func (f *fakeReporter) Latest() []monitor.ValuationResult { return f.results }
func (f *fakeReporter) LastCycle() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
func (f *fakeReporter) SourceReliabilityReport() map[string]pricing.ReliabilityStats {
	return map[string]pricing.ReliabilityStats{
		"coingecko": {Attempts: 4, Successes: 3, Failures: 1, SuccessRate: 0.75, AvgLatencyMS: 120},
		"binance":   {Attempts: 1, Successes: 1, SuccessRate: 1, AvgLatencyMS: 80},
	}
}

type sentMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type outbox struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (o *outbox) all() []sentMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentMessage(nil), o.msgs...)
}

func newTestBot(t *testing.T, status int) (*Bot, *outbox, func()) {
	t.Helper()
	box := &outbox{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var m sentMessage
		_ = json.NewDecoder(r.Body).Decode(&m)
		box.mu.Lock()
		box.msgs = append(box.msgs, m)
		box.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))

	reporter := &fakeReporter{results: []monitor.ValuationResult{
		{Position: "eth-usdc", TokenA: "ETH", TokenB: "USDC", Status: monitor.StatusComputed,
			CurrentValueUSD: 5656.85, ILFraction: 0.0572, ILAlert: true, NetPnLUSD: 1671.3, NetPnLPercent: 0.415, BetterStrategy: "hold"},
		{Position: "bad", Status: monitor.StatusFailed, Error: "all sources failed for BAD"},
	}}
	b := NewBot("TOKEN", reporter, []int64{42}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.baseURL = srv.URL + "/bot"
	b.client = srv.Client()
	return b, box, srv.Close
}

func TestSendMessage(t *testing.T) {
	b, box, done := newTestBot(t, http.StatusOK)
	defer done()

	if err := b.SendMessage(42, "Net P&L up"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := box.all()
	if len(sent) != 1 || sent[0].ChatID != 42 || sent[0].Text != "Net P&L up" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSendMessageAPIError(t *testing.T) {
	b, _, done := newTestBot(t, http.StatusForbidden)
	defer done()

	err := b.SendMessage(42, "hi")
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Errorf("err = %v, want telegram description", err)
	}
}

func TestHandleCommands(t *testing.T) {
	b, box, done := newTestBot(t, http.StatusOK)
	defer done()

	b.handle(42, "/status")
	b.handle(42, "/reliability@lp_monitor_bot")
	b.handle(42, "/nope")
	b.handle(7, "/status")

	sent := box.all()
	if len(sent) != 3 {
		t.Fatalf("sent %d replies, want 3 (unknown chat ignored)", len(sent))
	}
	status := sent[0].Text
	for _, want := range []string{"🚨 eth-usdc ETH/USDC", "IL 5.72%", "❌ bad: FAILED"} {
		if !strings.Contains(status, want) {
			t.Errorf("status reply missing %q:\n%s", want, status)
		}
	}
	rel := sent[1].Text
	if strings.Index(rel, "binance") > strings.Index(rel, "coingecko") {
		t.Errorf("reliability reply not sorted:\n%s", rel)
	}
	if !strings.Contains(rel, "coingecko: 75.0% of 4") {
		t.Errorf("reliability reply = %q", rel)
	}
	if !strings.Contains(sent[2].Text, "Unknown command") {
		t.Errorf("unknown reply = %q", sent[2].Text)
	}
}
