package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/web3-frozen/lp-monitor/internal/metrics"
)

const (
	DefaultFetchTimeout  = 8 * time.Second
	DefaultMaxConcurrent = 8

	// A source that does not list a symbol is not asked for it again
	// until this long has passed or the reliability counters are reset.
	unsupportedTTL = time.Hour
)

// Config tunes a Manager. Zero values fall back to the defaults.
type Config struct {
	CacheTTL      time.Duration
	FetchTimeout  time.Duration
	MaxConcurrent int
	Now           func() time.Time
}

type tier struct {
	name  string
	fetch func(ctx context.Context, key string) (float64, error)
}

// Manager resolves prices and APRs through ordered tiers of sources.
//
// For every key it consults the cache first. On a miss it tries tier 1, then
// tier 2 only if tier 1 failed for that key, and so on. Keys of one request
// are resolved concurrently, and concurrent requests for the same key share
// a single fetch. A source is never retried within a call; the next cycle
// gets a fresh chance, except that a source which answered ErrNotFound for a
// key is skipped for that key.
type Manager struct {
	sources      []Source
	yieldSources []YieldSource
	prices       *Cache[Quote]
	yields       *Cache[YieldQuote]
	unsupported  *Cache[struct{}]
	reliability  *Reliability
	sem          *semaphore.Weighted
	flight       sharedFetches
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewManager builds a Manager. The order of sources and yieldSources is the
// tier order.
func NewManager(sources []Source, yieldSources []YieldSource, cfg Config, logger *slog.Logger) *Manager {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(sources)+len(yieldSources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	for _, s := range yieldSources {
		names = append(names, s.Name())
	}

	return &Manager{
		sources:      sources,
		yieldSources: yieldSources,
		prices:       NewCache[Quote](cfg.CacheTTL),
		yields:       NewCache[YieldQuote](cfg.CacheTTL),
		unsupported:  NewCache[struct{}](unsupportedTTL),
		reliability:  NewReliability(names...),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		fetchTimeout: cfg.FetchTimeout,
		now:          cfg.Now,
		logger:       logger,
	}
}

// SourceNames returns price tier names in order.
func (m *Manager) SourceNames() []string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return names
}

// GetPrice resolves a single symbol.
func (m *Manager) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	quotes, errs := m.GetPrices(ctx, []string{symbol})
	sym := normalizeSymbol(symbol)
	if err, ok := errs[sym]; ok {
		return Quote{}, err
	}
	q, ok := quotes[sym]
	if !ok {
		return Quote{}, fmt.Errorf("price %q: %w", symbol, ErrNotFound)
	}
	return q, nil
}

// GetPrices resolves every symbol and returns the quotes and per-symbol
// errors, both keyed by upper-cased symbol. A symbol whose tiers all failed
// carries an error matching ErrAllSourcesFailed; if ctx ended first the
// error wraps ctx.Err().
func (m *Manager) GetPrices(ctx context.Context, symbols []string) (map[string]Quote, map[string]error) {
	quotes := make(map[string]Quote, len(symbols))
	errs := make(map[string]error)

	now := m.now()
	seen := make(map[string]bool, len(symbols))
	var misses []string
	for _, raw := range symbols {
		sym := normalizeSymbol(raw)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		if q, ok := m.prices.Get(sym, now); ok {
			metrics.CacheLookups.WithLabelValues("price", "hit").Inc()
			quotes[sym] = q
			continue
		}
		metrics.CacheLookups.WithLabelValues("price", "miss").Inc()
		misses = append(misses, sym)
	}
	if len(misses) == 0 {
		return quotes, errs
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sym := range misses {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			q, err := m.resolvePrice(ctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[sym] = err
				return
			}
			quotes[sym] = q
		}(sym)
	}
	wg.Wait()
	return quotes, errs
}

func (m *Manager) resolvePrice(ctx context.Context, sym string) (Quote, error) {
	v, err := m.flight.do(ctx, "price:"+sym, func(fetchCtx context.Context) (interface{}, error) {
		// Another caller may have filled the cache while we waited.
		if q, ok := m.prices.Get(sym, m.now()); ok {
			return q, nil
		}
		tiers := make([]tier, len(m.sources))
		for i, s := range m.sources {
			tiers[i] = tier{name: s.Name(), fetch: s.FetchPrice}
		}
		val, src, err := m.fetchTiered(fetchCtx, "price", sym, tiers, validPrice)
		if err != nil {
			return Quote{}, err
		}
		q := Quote{Symbol: sym, Price: val, Source: src, FetchedAt: m.now()}
		m.prices.Set(sym, q, q.FetchedAt)
		return q, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Quote{}, fmt.Errorf("price %s: %w", sym, err)
		}
		return Quote{}, err
	}
	return v.(Quote), nil
}

// GetYield resolves the APR of a pool through the yield tiers.
func (m *Manager) GetYield(ctx context.Context, poolKey string) (YieldQuote, error) {
	key := strings.TrimSpace(poolKey)
	if key == "" {
		return YieldQuote{}, fmt.Errorf("apr: empty pool key: %w", ErrNotFound)
	}
	if y, ok := m.yields.Get(key, m.now()); ok {
		metrics.CacheLookups.WithLabelValues("apr", "hit").Inc()
		return y, nil
	}
	metrics.CacheLookups.WithLabelValues("apr", "miss").Inc()

	v, err := m.flight.do(ctx, "apr:"+key, func(fetchCtx context.Context) (interface{}, error) {
		if y, ok := m.yields.Get(key, m.now()); ok {
			return y, nil
		}
		tiers := make([]tier, len(m.yieldSources))
		for i, s := range m.yieldSources {
			tiers[i] = tier{name: s.Name(), fetch: s.FetchAPR}
		}
		val, src, err := m.fetchTiered(fetchCtx, "apr", key, tiers, validAPR)
		if err != nil {
			return YieldQuote{}, err
		}
		y := YieldQuote{PoolKey: key, APR: val, Source: src, FetchedAt: m.now()}
		m.yields.Set(key, y, y.FetchedAt)
		return y, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return YieldQuote{}, fmt.Errorf("apr %s: %w", key, err)
		}
		return YieldQuote{}, err
	}
	return v.(YieldQuote), nil
}

func (m *Manager) fetchTiered(ctx context.Context, kind, key string, tiers []tier, validate func(float64) error) (float64, string, error) {
	attempts := make([]Attempt, 0, len(tiers))
	for _, t := range tiers {
		if err := ctx.Err(); err != nil {
			return 0, "", fmt.Errorf("%s %s: %w", kind, key, err)
		}
		mark := unsupportedKey(t.name, kind, key)
		if _, ok := m.unsupported.Get(mark, m.now()); ok {
			attempts = append(attempts, Attempt{Source: t.name, Err: fmt.Errorf("%s not listed: %w", key, ErrNotFound)})
			continue
		}
		val, err := m.attempt(ctx, kind, key, t, validate)
		if err == nil {
			return val, t.name, nil
		}
		if ctx.Err() != nil {
			return 0, "", fmt.Errorf("%s %s: %w", kind, key, ctx.Err())
		}
		if errors.Is(err, ErrNotFound) {
			m.unsupported.Set(mark, struct{}{}, m.now())
		}
		attempts = append(attempts, Attempt{Source: t.name, Err: err})
		m.logger.Debug("source attempt failed",
			"kind", kind, "key", key, "source", t.name, "error", err)
	}
	metrics.AllSourcesFailedTotal.WithLabelValues(kind).Inc()
	return 0, "", &SymbolError{Key: key, Attempts: attempts}
}

// attempt performs one real network call and records it. Calls abandoned
// because the caller's context ended are not held against the source.
func (m *Manager) attempt(ctx context.Context, kind, key string, t tier, validate func(float64) error) (float64, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer m.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	start := time.Now()
	val, err := safeFetch(callCtx, t, key)
	latency := time.Since(start)
	if err == nil {
		err = validate(val)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err != nil && callCtx.Err() != nil && !errors.Is(err, ErrTransient) {
		err = fmt.Errorf("%w: %v", ErrTransient, err)
	}

	m.reliability.Observe(t.name, err == nil, latency)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SourceFetchTotal.WithLabelValues(t.name, kind, status).Inc()
	metrics.SourceFetchDuration.WithLabelValues(t.name).Observe(latency.Seconds())
	return val, err
}

func safeFetch(ctx context.Context, t tier, key string) (val float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: source panicked: %v", ErrInvalidResponse, r)
		}
	}()
	return t.fetch(ctx, key)
}

func validPrice(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%w: unusable price %v", ErrInvalidResponse, v)
	}
	return nil
}

func validAPR(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: unusable apr %v", ErrInvalidResponse, v)
	}
	return nil
}

// ReliabilityReport returns per-source success rate and latency.
func (m *Manager) ReliabilityReport() map[string]ReliabilityStats {
	return m.reliability.Report()
}

// ResetReliability zeroes all source counters and forgets which sources
// reported a symbol as unknown.
func (m *Manager) ResetReliability() {
	m.reliability.Reset()
	m.unsupported.Clear()
	m.logger.Info("source reliability counters reset")
}

// PruneCache drops expired quotes and APRs.
func (m *Manager) PruneCache() int {
	now := m.now()
	m.unsupported.Expire(now)
	return m.prices.Expire(now) + m.yields.Expire(now)
}

// CacheTTL returns the quote time-to-live.
func (m *Manager) CacheTTL() time.Duration {
	return m.prices.TTL()
}

func unsupportedKey(source, kind, key string) string {
	return source + "|" + kind + "|" + key
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
