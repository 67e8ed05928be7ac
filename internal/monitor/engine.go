package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/web3-frozen/lp-monitor/internal/metrics"
	"github.com/web3-frozen/lp-monitor/internal/position"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const (
	DefaultInterval     = 5 * time.Minute
	DefaultCycleTimeout = 2 * time.Minute

	ilAlertKeyPrefix = "il_alert:"
)

// HistoryStore persists cycle results.
type HistoryStore interface {
	SaveValuations(ctx context.Context, results []ValuationResult) error
}

// Notifier delivers a text message to a chat.
type Notifier interface {
	SendMessage(chatID int64, text string) error
}

// AlertDedup remembers which alerts were already delivered.
type AlertDedup interface {
	AlreadySent(ctx context.Context, key string) bool
	Record(ctx context.Context, key string)
	Clear(ctx context.Context, key string)
	ClearByPattern(ctx context.Context, pattern string)
}

// EngineConfig tunes the scheduling loop and its sinks. Every sink is optional.
type EngineConfig struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	AlertChatIDs []int64
	History      HistoryStore
	Notifier     Notifier
	Dedup        AlertDedup
	// OnReload is told about every new position set, e.g. to resubscribe
	// price streams.
	OnReload     func([]position.Position)
}

// Engine runs the coordinator on a schedule and fans results out to history,
// IL alerts and metrics.
type Engine struct {
	coord    *Coordinator
	history  HistoryStore
	notifier Notifier
	dedup    AlertDedup
	chatIDs  []int64
	interval time.Duration
	timeout  time.Duration
	onReload func([]position.Position)
	logger   *slog.Logger

	mu        sync.RWMutex
	latest    []ValuationResult
	lastCycle time.Time
}

func NewEngine(coord *Coordinator, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		coord:    coord,
		history:  cfg.History,
		notifier: cfg.Notifier,
		dedup:    cfg.Dedup,
		chatIDs:  cfg.AlertChatIDs,
		interval: cfg.Interval,
		timeout:  cfg.CycleTimeout,
		onReload: cfg.OnReload,
		logger:   logger,
	}
}

// SetNotifier attaches the alert channel. It must be called before Run.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Coordinator returns the coordinator driven by the engine.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Run evaluates immediately and then once per interval until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	e.RunCycle(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates all positions once and delivers the results to every sink.
func (e *Engine) RunCycle(ctx context.Context) []ValuationResult {
	cycleCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	results := e.coord.EvaluateAllPositions(cycleCtx)
	elapsed := time.Since(start)
	metrics.CycleDuration.Observe(elapsed.Seconds())

	e.mu.Lock()
	e.latest = results
	e.lastCycle = time.Now()
	e.mu.Unlock()
	metrics.CycleLastSuccess.SetToCurrentTime()

	var computed, stale, failed int
	for _, r := range results {
		switch r.Status {
		case StatusComputed:
			computed++
		case StatusStale:
			stale++
		default:
			failed++
		}
		if r.Computed() {
			metrics.PositionIL.WithLabelValues(r.Position).Set(r.ILFraction)
			metrics.PositionValue.WithLabelValues(r.Position).Set(r.CurrentValueUSD)
			metrics.PositionNetPnL.WithLabelValues(r.Position).Set(r.NetPnLUSD)
		}
	}
	e.logger.Info("cycle complete",
		"positions", len(results), "computed", computed, "stale", stale, "failed", failed,
		"duration", elapsed.Round(time.Millisecond))

	// Sinks get their own deadline so a slow cycle still persists and alerts.
	sinkCtx, sinkCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer sinkCancel()

	if e.history != nil && len(results) > 0 {
		if err := e.history.SaveValuations(sinkCtx, results); err != nil {
			e.logger.Error("save valuations failed", "error", err)
		}
	}
	e.checkILAlerts(sinkCtx, results)

	if n := e.coord.PruneCache(); n > 0 {
		e.logger.Debug("pruned price cache", "entries", n)
	}
	return results
}

// Latest returns the results of the most recent cycle.
func (e *Engine) Latest() []ValuationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ValuationResult, len(e.latest))
	copy(out, e.latest)
	return out
}

// LastCycle returns when the most recent cycle finished, zero before the first.
func (e *Engine) LastCycle() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCycle
}

// SourceReliabilityReport returns per-source success rates and latencies.
func (e *Engine) SourceReliabilityReport() map[string]pricing.ReliabilityStats {
	return e.coord.SourceReliabilityReport()
}

// ResetSourceReliability zeroes every source's counters.
func (e *Engine) ResetSourceReliability() {
	e.coord.ResetSourceReliability()
}

// Positions returns the configured positions.
func (e *Engine) Positions() []position.Position {
	return e.coord.Positions()
}

// ReloadPositions swaps the position list and re-arms every IL alert.
func (e *Engine) ReloadPositions(ctx context.Context, positions []position.Position) {
	e.coord.SetPositions(positions)
	if e.onReload != nil {
		e.onReload(positions)
	}
	if e.dedup != nil {
		e.dedup.ClearByPattern(ctx, ilAlertKeyPrefix+"*")
	}
}

func ilAlertKey(positionName string) string {
	return ilAlertKeyPrefix + positionName
}

// checkILAlerts sends one alert per threshold breach. The dedup key is cleared
// once IL falls back below the threshold so the next breach alerts again.
func (e *Engine) checkILAlerts(ctx context.Context, results []ValuationResult) {
	if e.notifier == nil || len(e.chatIDs) == 0 {
		return
	}
	for _, r := range results {
		if !r.Computed() {
			continue
		}
		key := ilAlertKey(r.Position)
		if !r.ILAlert {
			if e.dedup != nil {
				e.dedup.Clear(ctx, key)
			}
			continue
		}
		if e.dedup != nil && e.dedup.AlreadySent(ctx, key) {
			metrics.AlertsDeduplicatedTotal.WithLabelValues("il").Inc()
			continue
		}
		if e.broadcast(formatILAlert(r)) > 0 && e.dedup != nil {
			e.dedup.Record(ctx, key)
		}
	}
}

func (e *Engine) broadcast(msg string) int {
	sent := 0
	for _, chatID := range e.chatIDs {
		if err := e.notifier.SendMessage(chatID, msg); err != nil {
			metrics.AlertsFailedTotal.WithLabelValues("il").Inc()
			e.logger.Error("send alert failed", "chat_id", chatID, "error", err)
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues("il").Inc()
		sent++
	}
	return sent
}

func formatILAlert(r ValuationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 %s IMPERMANENT LOSS ALERT\n\n", strings.ToUpper(r.Position))
	fmt.Fprintf(&b, "%s/%s IL is %.2f%% (threshold %.2f%%)\n", r.TokenA, r.TokenB, r.ILFraction*100, r.ILAlertThreshold*100)
	fmt.Fprintf(&b, "IL:        -$%s\n", formatNum(r.ILUSD))
	fmt.Fprintf(&b, "LP value:  $%s\n", formatNum(r.CurrentValueUSD))
	fmt.Fprintf(&b, "Hold:      $%s\n", formatNum(r.HoldValueUSD))
	fmt.Fprintf(&b, "Fees:      $%s\n", formatNum(r.FeesEarnedUSD))
	sign := "+"
	if r.NetPnLUSD < 0 {
		sign = "-"
	}
	fmt.Fprintf(&b, "Net P&L:   %s$%s (%s%.2f%%)\n", sign, formatNum(math.Abs(r.NetPnLUSD)), sign, math.Abs(r.NetPnLPercent)*100)
	fmt.Fprintf(&b, "Better:    %s\n", r.BetterStrategy)
	for _, p := range r.Prices {
		stale := ""
		if p.Stale {
			stale = " ⚠️ stale"
		}
		fmt.Fprintf(&b, "\n%s: $%s via %s%s", p.Symbol, formatNum(p.Price), p.Source, stale)
	}
	return b.String()
}

func formatNum(v float64) string {
	if v >= 1_000_000 {
		return fmt.Sprintf("%.2fM", v/1_000_000)
	}
	if v >= 1_000 {
		return addCommas(fmt.Sprintf("%.2f", math.Round(v*100)/100))
	}
	return fmt.Sprintf("%.4f", v)
}

func addCommas(s string) string {
	parts := strings.SplitN(s, ".", 2)
	intPart := parts[0]
	n := len(intPart)
	if n <= 3 {
		if len(parts) == 2 {
			return intPart + "." + parts[1]
		}
		return intPart
	}
	var result []byte
	for i, c := range intPart {
		if i > 0 && (n-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	if len(parts) == 2 {
		return string(result) + "." + parts[1]
	}
	return string(result)
}
