package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/web3-frozen/lp-monitor/internal/position"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
	"github.com/web3-frozen/lp-monitor/internal/valuation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubSource serves fixed prices and fails the symbols listed in fail.
type stubSource struct {
	name   string
	mu     sync.Mutex
	prices map[string]float64
	fail   map[string]bool
	block  bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	block, failing := s.block, s.fail[symbol]
	price, ok := s.prices[symbol]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if failing {
		return 0, fmt.Errorf("%w: %s down", pricing.ErrTransient, s.name)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", pricing.ErrNotFound, symbol)
	}
	return price, nil
}

func (s *stubSource) setFail(symbol string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[string]bool)
	}
	s.fail[symbol] = fail
}

type stubYield struct {
	aprs map[string]float64
}

func (s *stubYield) Name() string { return "yield-stub" }

func (s *stubYield) FetchAPR(_ context.Context, poolKey string) (float64, error) {
	if apr, ok := s.aprs[poolKey]; ok {
		return apr, nil
	}
	return 0, fmt.Errorf("%w: %s", pricing.ErrNotFound, poolKey)
}

type memLastKnown struct {
	mu     sync.Mutex
	quotes map[string]pricing.Quote
	yields map[string]pricing.YieldQuote
}

func newMemLastKnown() *memLastKnown {
	return &memLastKnown{quotes: map[string]pricing.Quote{}, yields: map[string]pricing.YieldQuote{}}
}

func (m *memLastKnown) SaveQuote(_ context.Context, pos string, q pricing.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[pos+"/"+q.Symbol] = q
	return nil
}

func (m *memLastKnown) LoadQuote(_ context.Context, pos, sym string) (pricing.Quote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[pos+"/"+sym]
	return q, ok, nil
}

func (m *memLastKnown) SaveYield(_ context.Context, pos string, y pricing.YieldQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.yields[pos+"/"+y.PoolKey] = y
	return nil
}

func (m *memLastKnown) LoadYield(_ context.Context, pos, key string) (pricing.YieldQuote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	y, ok := m.yields[pos+"/"+key]
	return y, ok, nil
}

var testEpoch = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func testPosition(name, tokenA, tokenB string) position.Position {
	p := position.Position{
		Name:           name,
		TokenA:         tokenA,
		TokenB:         tokenB,
		InitialAmountA: 1,
		InitialAmountB: 2000,
		InitialPriceA:  2000,
		InitialPriceB:  1,
		EntryTime:      testEpoch.Add(-30 * 24 * time.Hour),
	}
	p.Normalize()
	return p
}

type fixture struct {
	clock   *testClock
	primary *stubSource
	backup  *stubSource
	manager *pricing.Manager
}

func newFixture() *fixture {
	clock := &testClock{now: testEpoch}
	primary := &stubSource{name: "primary", prices: map[string]float64{
		"ETH": 4000, "USDC": 1, "BTC": 60000, "SOL": 150, "ARB": 1.2, "LINK": 15,
	}}
	backup := &stubSource{name: "backup", prices: map[string]float64{"ETH": 3990, "USDC": 1}}
	m := pricing.NewManager(
		[]pricing.Source{primary, backup},
		[]pricing.YieldSource{&stubYield{aprs: map[string]float64{"pool-1": 0.12}}},
		pricing.Config{Now: clock.Now},
		testLogger(),
	)
	return &fixture{clock: clock, primary: primary, backup: backup, manager: m}
}

func (f *fixture) coordinator(positions []position.Position, cfg CoordinatorConfig) *Coordinator {
	cfg.Now = f.clock.Now
	return NewCoordinator(f.manager, positions, cfg, testLogger())
}

func fivePositions() []position.Position {
	return []position.Position{
		testPosition("p1", "ETH", "USDC"),
		testPosition("p2", "BTC", "USDC"),
		testPosition("p3", "BAD", "USDC"),
		testPosition("p4", "SOL", "USDC"),
		testPosition("p5", "ARB", "USDC"),
	}
}

func TestEvaluateAllPositionsIsolatesFailure(t *testing.T) {
	f := newFixture()
	c := f.coordinator(fivePositions(), CoordinatorConfig{})

	results := c.EvaluateAllPositions(context.Background())
	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
	for i, r := range results {
		want := fmt.Sprintf("p%d", i+1)
		if r.Position != want {
			t.Errorf("results[%d].Position = %q, want %q", i, r.Position, want)
		}
		if i == 2 {
			continue
		}
		if r.Status != StatusComputed {
			t.Errorf("%s status = %s (%s), want COMPUTED", r.Position, r.Status, r.Error)
		}
	}
	if results[2].Status != StatusFailed {
		t.Fatalf("p3 status = %s, want FAILED", results[2].Status)
	}
	if !errors.Is(results[2].Err, pricing.ErrAllSourcesFailed) {
		t.Errorf("p3 err = %v, want ErrAllSourcesFailed", results[2].Err)
	}
}

func TestEvaluateAllPositionsStaleFallback(t *testing.T) {
	f := newFixture()
	c := f.coordinator(fivePositions()[:2], CoordinatorConfig{})

	first := c.EvaluateAllPositions(context.Background())
	if first[0].Status != StatusComputed {
		t.Fatalf("first cycle status = %s (%s)", first[0].Status, first[0].Error)
	}

	f.clock.Advance(2 * time.Minute)
	f.primary.setFail("ETH", true)
	f.backup.setFail("ETH", true)

	second := c.EvaluateAllPositions(context.Background())
	r := second[0]
	if r.Status != StatusStale {
		t.Fatalf("status = %s (%s), want %s", r.Status, r.Error, StatusStale)
	}
	var eth PriceProvenance
	for _, p := range r.Prices {
		if p.Symbol == "ETH" {
			eth = p
		}
	}
	if !eth.Stale || eth.Price != 4000 || eth.Source != "primary" {
		t.Errorf("ETH provenance = %+v, want stale 4000 from primary", eth)
	}
	if !eth.FetchedAt.Equal(testEpoch) {
		t.Errorf("stale FetchedAt = %v, want %v", eth.FetchedAt, testEpoch)
	}
	if len(r.Anomalies) == 0 {
		t.Error("stale result should carry an anomaly")
	}
	if second[1].Status != StatusComputed {
		t.Errorf("p2 status = %s, want COMPUTED", second[1].Status)
	}
}

func TestStaleFallbackFromLastKnownStore(t *testing.T) {
	f := newFixture()
	store := newMemLastKnown()
	_ = store.SaveQuote(context.Background(), "p3", pricing.Quote{
		Symbol: "BAD", Price: 3, Source: "primary", FetchedAt: testEpoch.Add(-time.Hour),
	})

	c := f.coordinator(fivePositions(), CoordinatorConfig{LastKnown: store})
	results := c.EvaluateAllPositions(context.Background())
	if results[2].Status != StatusStale {
		t.Fatalf("p3 status = %s (%s), want stale", results[2].Status, results[2].Error)
	}

	if _, ok, _ := store.LoadQuote(context.Background(), "p1", "ETH"); !ok {
		t.Error("fresh quotes should be mirrored to the last known store")
	}
}

func TestEvaluateValuesPosition(t *testing.T) {
	f := newFixture()
	p := testPosition("eth", "ETH", "USDC")
	p.GasCostUSD = 25
	p.PoolKey = "pool-1"
	c := f.coordinator([]position.Position{p}, CoordinatorConfig{})

	r := c.EvaluateAllPositions(context.Background())[0]
	if r.Status != StatusComputed {
		t.Fatalf("status = %s (%s)", r.Status, r.Error)
	}
	wantIL, _ := valuation.ILFromRatio(2)
	if math.Abs(r.ILFraction-wantIL) > 1e-12 {
		t.Errorf("ILFraction = %v, want %v", r.ILFraction, wantIL)
	}
	if math.Abs(r.ILFraction-0.0572) > 1e-3 {
		t.Errorf("ILFraction = %v, want ~0.0572", r.ILFraction)
	}
	if !r.ILAlert {
		t.Error("IL above the default 5% threshold should raise the alert flag")
	}
	if r.HoldValueUSD != 6000 {
		t.Errorf("HoldValueUSD = %v, want 6000", r.HoldValueUSD)
	}
	if !r.LPValueEstimated {
		t.Error("without a pool reader the LP value should be estimated")
	}
	if r.DaysHeld != 30 {
		t.Errorf("DaysHeld = %d, want 30", r.DaysHeld)
	}
	if r.Yield == nil || r.Yield.Source != "yield-stub" || r.APR != 0.12 {
		t.Errorf("yield = %+v, apr = %v; want 0.12 from yield-stub", r.Yield, r.APR)
	}
	wantFees := 4000 * 0.12 / 365 * 30
	if math.Abs(r.FeesEarnedUSD-wantFees) > 1e-9 {
		t.Errorf("FeesEarnedUSD = %v, want %v", r.FeesEarnedUSD, wantFees)
	}
	if r.TotalCostUSD != 4025 {
		t.Errorf("TotalCostUSD = %v, want 4025", r.TotalCostUSD)
	}
	if math.Abs(r.NetPnLUSD-(r.TotalIncomeUSD-r.TotalCostUSD)) > 1e-9 {
		t.Error("net P&L identity violated")
	}
	if r.BetterStrategy != valuation.StrategyHold {
		t.Errorf("BetterStrategy = %q, want hold", r.BetterStrategy)
	}
}

func TestYieldFallbacks(t *testing.T) {
	f := newFixture()
	static := testPosition("static", "ETH", "USDC")
	static.StaticAPR = 0.1
	static.PoolKey = "unknown-pool"
	none := testPosition("none", "ETH", "USDC")

	c := f.coordinator([]position.Position{static, none}, CoordinatorConfig{})
	results := c.EvaluateAllPositions(context.Background())

	if y := results[0].Yield; y == nil || y.Source != yieldSourceStatic || y.APR != 0.1 {
		t.Errorf("static yield = %+v", y)
	}
	if y := results[1].Yield; y == nil || y.Source != yieldSourceNone || y.APR != 0 {
		t.Errorf("none yield = %+v", y)
	}
	found := false
	for _, a := range results[1].Anomalies {
		if strings.Contains(a, "apr unavailable") {
			found = true
		}
	}
	if !found {
		t.Errorf("anomalies = %v, want apr unavailable", results[1].Anomalies)
	}
}

func TestEvaluateSkipsInactiveAndRejectsInvalid(t *testing.T) {
	f := newFixture()
	inactive := testPosition("off", "ETH", "USDC")
	off := false
	inactive.Active = &off
	invalid := testPosition("bad", "ETH", "USDC")
	invalid.InitialPriceA = 0

	c := f.coordinator([]position.Position{inactive, invalid, testPosition("ok", "ETH", "USDC")}, CoordinatorConfig{})
	results := c.EvaluateAllPositions(context.Background())
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Status != StatusFailed || !errors.Is(results[0].Err, position.ErrInvalidPosition) {
		t.Errorf("invalid position = %s / %v", results[0].Status, results[0].Err)
	}
	if results[1].Status != StatusComputed {
		t.Errorf("ok status = %s", results[1].Status)
	}
}

type panickyPools struct{}

func (panickyPools) ReadPool(_ context.Context, p position.Position) (valuation.PoolShare, error) {
	if p.Name == "boom" {
		panic("corrupt reserves")
	}
	if p.Name == "err" {
		return valuation.PoolShare{}, errors.New("rpc down")
	}
	return valuation.PoolShare{LPTokensHeld: 1, TotalLPSupply: 2, ReserveA: 2, ReserveB: 8000}, nil
}

func onChain(p position.Position) position.Position {
	p.PairAddress = "0x0000000000000000000000000000000000000001"
	p.Wallet = "0x0000000000000000000000000000000000000002"
	return p
}

func TestEvaluateRecoversPanicsAndDegradesPoolErrors(t *testing.T) {
	f := newFixture()
	positions := []position.Position{
		onChain(testPosition("boom", "ETH", "USDC")),
		onChain(testPosition("err", "ETH", "USDC")),
		onChain(testPosition("pool", "ETH", "USDC")),
	}
	c := f.coordinator(positions, CoordinatorConfig{Pools: panickyPools{}})
	results := c.EvaluateAllPositions(context.Background())

	if results[0].Status != StatusFailed || !strings.Contains(results[0].Error, "corrupt reserves") {
		t.Errorf("boom = %s / %q, want FAILED with panic", results[0].Status, results[0].Error)
	}
	if results[1].Status != StatusComputed || !results[1].LPValueEstimated || len(results[1].Anomalies) == 0 {
		t.Errorf("err = %+v, want computed estimate with anomaly", results[1])
	}
	// half of 2 ETH + 8000 USDC at 4000/1
	if r := results[2]; r.LPValueEstimated || r.CurrentValueUSD != 8000 {
		t.Errorf("pool value = %v (estimated %v), want 8000 from reserves", r.CurrentValueUSD, r.LPValueEstimated)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	f := newFixture()
	c := f.coordinator(fivePositions(), CoordinatorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := c.EvaluateAllPositions(ctx)
	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
	for _, r := range results {
		if !IsCancelled(r) {
			t.Errorf("%s = %s / %v, want cancelled", r.Position, r.Status, r.Err)
		}
	}
}

func TestEvaluateDeadlineAbandonsFetches(t *testing.T) {
	f := newFixture()
	f.primary.block = true
	f.backup.block = true
	c := f.coordinator(fivePositions()[:2], CoordinatorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := c.EvaluateAllPositions(ctx)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("EvaluateAllPositions took %v past its deadline", elapsed)
	}
	for _, r := range results {
		if !IsCancelled(r) {
			t.Errorf("%s = %s / %v, want cancelled", r.Position, r.Status, r.Err)
		}
	}
	for name, s := range c.SourceReliabilityReport() {
		if s.Failures != 0 {
			t.Errorf("%s failures = %d, cancelled fetches must not count", name, s.Failures)
		}
	}
}

func TestSetPositions(t *testing.T) {
	f := newFixture()
	c := f.coordinator(fivePositions(), CoordinatorConfig{})
	c.SetPositions([]position.Position{testPosition("only", "ETH", "USDC")})

	results := c.EvaluateAllPositions(context.Background())
	if len(results) != 1 || results[0].Position != "only" {
		t.Errorf("results = %+v, want only", results)
	}
	if len(c.Positions()) != 1 {
		t.Errorf("Positions() = %d, want 1", len(c.Positions()))
	}
}

func TestEvaluateLowercaseSymbols(t *testing.T) {
	f := newFixture()
	p := testPosition("lower", "ETH", "USDC")
	p.TokenA, p.TokenB = "eth", " usdc"
	c := f.coordinator([]position.Position{p, testPosition("bad", "BAD", "USDC")}, CoordinatorConfig{})

	results := c.EvaluateAllPositions(context.Background())
	if r := results[0]; r.Status != StatusComputed {
		t.Fatalf("lower = %s / %v, want COMPUTED", r.Status, r.Err)
	}
	if got := results[0].Prices[0]; got.Symbol != "ETH" || got.Price != 4000 {
		t.Errorf("price A = %+v, want ETH at 4000", got)
	}

	msg := results[1].Err.Error()
	if strings.Count(msg, "price BAD") != 1 {
		t.Errorf("err = %q, want a single price BAD prefix", msg)
	}
}
