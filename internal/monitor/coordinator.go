package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/web3-frozen/lp-monitor/internal/metrics"
	"github.com/web3-frozen/lp-monitor/internal/position"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
	"github.com/web3-frozen/lp-monitor/internal/valuation"
)

const DefaultConcurrency = 4

// PriceProvider is the part of pricing.Manager the coordinator uses.
type PriceProvider interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]pricing.Quote, map[string]error)
	GetYield(ctx context.Context, poolKey string) (pricing.YieldQuote, error)
	ReliabilityReport() map[string]pricing.ReliabilityStats
	ResetReliability()
	PruneCache() int
}

// PoolReader reads a position's on-chain pool share.
type PoolReader interface {
	ReadPool(ctx context.Context, p position.Position) (valuation.PoolShare, error)
}

// LastKnownStore persists the last quotes a position was valued with so
// stale fallback survives restarts.
type LastKnownStore interface {
	SaveQuote(ctx context.Context, positionName string, q pricing.Quote) error
	LoadQuote(ctx context.Context, positionName, symbol string) (pricing.Quote, bool, error)
	SaveYield(ctx context.Context, positionName string, y pricing.YieldQuote) error
	LoadYield(ctx context.Context, positionName, poolKey string) (pricing.YieldQuote, bool, error)
}

// CoordinatorConfig tunes a Coordinator. Pools and LastKnown are optional.
type CoordinatorConfig struct {
	Concurrency int
	Pools       PoolReader
	LastKnown   LastKnownStore
	Now         func() time.Time
}

// Coordinator values every active position once per cycle. A failing
// position never blocks or aborts the others.
type Coordinator struct {
	prices      PriceProvider
	pools       PoolReader
	lastKnown   LastKnownStore
	concurrency int
	now         func() time.Time
	logger      *slog.Logger

	cycleMu sync.Mutex

	mu        sync.RWMutex
	positions []position.Position
	lastQuote map[string]pricing.Quote
	lastYield map[string]pricing.YieldQuote
}

func NewCoordinator(prices PriceProvider, positions []position.Position, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		prices:      prices,
		pools:       cfg.Pools,
		lastKnown:   cfg.LastKnown,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		logger:      logger,
		positions:   clonePositions(positions),
		lastQuote:   make(map[string]pricing.Quote),
		lastYield:   make(map[string]pricing.YieldQuote),
	}
}

// SetPositions replaces the position list. A running cycle keeps the list it
// started with.
func (c *Coordinator) SetPositions(positions []position.Position) {
	c.mu.Lock()
	c.positions = clonePositions(positions)
	c.mu.Unlock()
	c.logger.Info("positions updated", "count", len(positions))
}

// Positions returns a copy of the configured positions.
func (c *Coordinator) Positions() []position.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clonePositions(c.positions)
}

// SourceReliabilityReport returns per-source success rates and latencies.
func (c *Coordinator) SourceReliabilityReport() map[string]pricing.ReliabilityStats {
	return c.prices.ReliabilityReport()
}

// ResetSourceReliability zeroes the per-source counters.
func (c *Coordinator) ResetSourceReliability() {
	c.prices.ResetReliability()
}

// PruneCache drops expired quotes from the price cache.
func (c *Coordinator) PruneCache() int {
	return c.prices.PruneCache()
}

// EvaluateAllPositions values every active position and returns one result
// per position in configuration order. Cycles never overlap. It returns only
// after all workers have exited; positions unfinished when ctx ends are
// reported as FAILED with ErrCancelled.
func (c *Coordinator) EvaluateAllPositions(ctx context.Context) []ValuationResult {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	var active []position.Position
	for _, p := range c.Positions() {
		if p.IsActive() {
			active = append(active, p)
		}
	}

	results := make([]ValuationResult, len(active))
	for i, p := range active {
		results[i] = ValuationResult{
			Position:         p.Name,
			TokenA:           p.TokenA,
			TokenB:           p.TokenB,
			Status:           StatusPending,
			ILAlertThreshold: p.ILAlertThreshold,
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i := range active {
		if ctx.Err() != nil {
			results[i].fail(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
			continue
		}
		g.Go(func() error {
			c.evaluate(ctx, active[i], &results[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if !results[i].Status.Done() {
			results[i].fail(fmt.Errorf("%w: position did not finish", ErrCancelled))
		}
		if results[i].EvaluatedAt.IsZero() {
			results[i].EvaluatedAt = c.now()
		}
		metrics.PositionResults.WithLabelValues(string(results[i].Status)).Inc()
	}
	return results
}

func (c *Coordinator) evaluate(ctx context.Context, p position.Position, r *ValuationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("position evaluation panicked",
				"position", p.Name, "panic", rec, "stack", string(debug.Stack()))
			r.fail(fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := c.evaluatePosition(ctx, p, r); err != nil {
		r.fail(err)
		c.logger.Warn("position valuation failed", "position", p.Name, "error", err)
	}
	r.EvaluatedAt = c.now()
}

func (c *Coordinator) evaluatePosition(ctx context.Context, p position.Position, r *ValuationResult) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.Status = StatusPricing

	quotes, errs := c.prices.GetPrices(ctx, p.Symbols())
	stale := false
	used := make([]pricing.Quote, 0, 2)
	for _, sym := range p.Symbols() {
		if q, ok := quotes[sym]; ok {
			used = append(used, q)
			r.Prices = append(r.Prices, PriceProvenance{Symbol: sym, Price: q.Price, Source: q.Source, FetchedAt: q.FetchedAt})
			continue
		}
		err := errs[sym]
		if err == nil {
			err = pricing.ErrNotFound
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: pricing %s: %v", ErrCancelled, sym, ctx.Err())
		}
		q, ok := c.lastGoodQuote(ctx, p.Name, sym)
		if !ok {
			return fmt.Errorf("price %s: %w", sym, err)
		}
		stale = true
		r.Prices = append(r.Prices, PriceProvenance{Symbol: sym, Price: q.Price, Source: q.Source, FetchedAt: q.FetchedAt, Stale: true})
		r.anomaly(fmt.Sprintf("price %s is stale: %v", sym, err))
		c.logger.Warn("using last known price", "position", p.Name, "symbol", sym,
			"source", q.Source, "fetched_at", q.FetchedAt, "error", err)
	}

	yield, err := c.resolveYield(ctx, p, r)
	if err != nil {
		return err
	}
	if yield.Stale {
		stale = true
	}

	var pool *valuation.PoolShare
	if c.pools != nil && p.HasOnChainStake() {
		share, err := c.pools.ReadPool(ctx, p)
		switch {
		case err == nil:
			pool = &share
		case ctx.Err() != nil:
			return fmt.Errorf("%w: reading pool: %v", ErrCancelled, ctx.Err())
		default:
			r.anomaly(fmt.Sprintf("pool reserves unavailable, lp value estimated: %v", err))
			c.logger.Warn("pool read failed", "position", p.Name, "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	now := c.now()
	res, err := valuation.Compute(valuation.Input{
		InitialAmountA: p.InitialAmountA,
		InitialAmountB: p.InitialAmountB,
		InitialPriceA:  p.InitialPriceA,
		InitialPriceB:  p.InitialPriceB,
		CurrentPriceA:  r.Prices[0].Price,
		CurrentPriceB:  r.Prices[1].Price,
		GasCostUSD:     p.GasCostUSD,
		APR:            yield.APR,
		EntryTime:      p.EntryTime,
		Now:            now,
		Pool:           pool,
	})
	if err != nil {
		return fmt.Errorf("valuation: %w", err)
	}

	r.InitialInvestmentUSD = res.InitialInvestmentUSD
	r.CurrentValueUSD = res.CurrentValueUSD
	r.HoldValueUSD = res.HoldValueUSD
	r.LPValueEstimated = res.LPValueEstimated
	r.ILFraction = res.ILFraction
	r.ILUSD = res.ILUSD
	r.APR = yield.APR
	r.DaysHeld = res.DaysHeld
	r.FeesEarnedUSD = res.FeesEarnedUSD
	r.TotalIncomeUSD = res.PnL.TotalIncomeUSD
	r.TotalCostUSD = res.PnL.TotalCostUSD
	r.NetPnLUSD = res.PnL.NetUSD
	r.NetPnLPercent = res.PnL.NetPercent
	r.BetterStrategy = res.Comparison.Better
	r.MarginUSD = res.Comparison.MarginUSD
	r.ILAlert = res.ILFraction >= p.ILAlertThreshold
	r.Yield = &yield
	if pool == nil && (c.pools == nil || !p.HasOnChainStake()) {
		r.anomaly("no pool reserves configured, lp value estimated from hold value and il")
	}
	if res.EntryInFuture {
		r.anomaly("entry time is in the future, fees counted as zero")
	}

	r.Status = StatusComputed
	if stale {
		r.Status = StatusStale
	}

	c.rememberQuotes(ctx, p.Name, used)
	return nil
}

// resolveYield walks live APR, last known APR, the static APR and finally 0.
func (c *Coordinator) resolveYield(ctx context.Context, p position.Position, r *ValuationResult) (YieldProvenance, error) {
	if p.PoolKey != "" {
		y, err := c.prices.GetYield(ctx, p.PoolKey)
		if err == nil {
			c.rememberYield(ctx, p.Name, y)
			return YieldProvenance{PoolKey: y.PoolKey, APR: y.APR, Source: y.Source, FetchedAt: y.FetchedAt}, nil
		}
		if ctx.Err() != nil {
			return YieldProvenance{}, fmt.Errorf("%w: apr %s: %v", ErrCancelled, p.PoolKey, ctx.Err())
		}
		if y, ok := c.lastGoodYield(ctx, p.Name, p.PoolKey); ok {
			r.anomaly(fmt.Sprintf("apr for %s is stale: %v", p.PoolKey, err))
			return YieldProvenance{PoolKey: y.PoolKey, APR: y.APR, Source: y.Source, FetchedAt: y.FetchedAt, Stale: true}, nil
		}
		c.logger.Warn("apr unavailable", "position", p.Name, "pool", p.PoolKey, "error", err)
	}
	if p.StaticAPR > 0 {
		return YieldProvenance{PoolKey: p.PoolKey, APR: p.StaticAPR, Source: yieldSourceStatic}, nil
	}
	r.anomaly("apr unavailable, fees counted as zero")
	return YieldProvenance{PoolKey: p.PoolKey, Source: yieldSourceNone}, nil
}

func lastGoodKey(positionName, key string) string {
	return positionName + "|" + key
}

func (c *Coordinator) lastGoodQuote(ctx context.Context, positionName, sym string) (pricing.Quote, bool) {
	c.mu.RLock()
	q, ok := c.lastQuote[lastGoodKey(positionName, sym)]
	c.mu.RUnlock()
	if ok || c.lastKnown == nil {
		return q, ok
	}
	q, ok, err := c.lastKnown.LoadQuote(ctx, positionName, sym)
	if err != nil {
		c.logger.Warn("load last known quote failed", "position", positionName, "symbol", sym, "error", err)
		return pricing.Quote{}, false
	}
	return q, ok
}

func (c *Coordinator) lastGoodYield(ctx context.Context, positionName, poolKey string) (pricing.YieldQuote, bool) {
	c.mu.RLock()
	y, ok := c.lastYield[lastGoodKey(positionName, poolKey)]
	c.mu.RUnlock()
	if ok || c.lastKnown == nil {
		return y, ok
	}
	y, ok, err := c.lastKnown.LoadYield(ctx, positionName, poolKey)
	if err != nil {
		c.logger.Warn("load last known apr failed", "position", positionName, "pool", poolKey, "error", err)
		return pricing.YieldQuote{}, false
	}
	return y, ok
}

func (c *Coordinator) rememberQuotes(ctx context.Context, positionName string, quotes []pricing.Quote) {
	if len(quotes) == 0 {
		return
	}
	c.mu.Lock()
	for _, q := range quotes {
		c.lastQuote[lastGoodKey(positionName, q.Symbol)] = q
	}
	c.mu.Unlock()
	if c.lastKnown == nil {
		return
	}
	for _, q := range quotes {
		if err := c.lastKnown.SaveQuote(ctx, positionName, q); err != nil {
			c.logger.Warn("save last known quote failed", "position", positionName, "symbol", q.Symbol, "error", err)
		}
	}
}

func (c *Coordinator) rememberYield(ctx context.Context, positionName string, y pricing.YieldQuote) {
	c.mu.Lock()
	c.lastYield[lastGoodKey(positionName, y.PoolKey)] = y
	c.mu.Unlock()
	if c.lastKnown == nil {
		return
	}
	if err := c.lastKnown.SaveYield(ctx, positionName, y); err != nil {
		c.logger.Warn("save last known apr failed", "position", positionName, "pool", y.PoolKey, "error", err)
	}
}

func clonePositions(ps []position.Position) []position.Position {
	out := make([]position.Position, len(ps))
	copy(out, ps)
	return out
}

// IsCancelled reports whether a result failed because its cycle was cancelled.
func IsCancelled(r ValuationResult) bool {
	return r.Status == StatusFailed && errors.Is(r.Err, ErrCancelled)
}
