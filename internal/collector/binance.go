// Package collector keeps long-lived market data streams open and serves the
// latest values to the pricing tiers.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/web3-frozen/lp-monitor/internal/pricing"
)

const (
	binanceWSBase  = "wss://stream.binance.com:9443/stream?streams="
	reconnectBase  = 2 * time.Second
	reconnectMax   = 60 * time.Second
	pongWait       = 60 * time.Second
	DefaultMaxAge  = 2 * time.Minute
	streamQuote    = "USDT"
	streamSuffix   = "@miniTicker"
	handshakeLimit = 15 * time.Second
)

type binanceMiniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

type binanceStreamMsg struct {
	Stream string            `json:"stream"`
	Data   binanceMiniTicker `json:"data"`
}

var errResubscribe = errors.New("symbol set changed")

type tick struct {
	price float64
	at    time.Time
}

// Ticker streams Binance spot mini-tickers and serves the last close as a
// price source. Ticks older than maxAge count as a transient failure so the
// next tier answers instead. The symbol set can change while the stream runs.
type Ticker struct {
	base   string
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
	reload chan struct{}

	mu      sync.RWMutex
	symbols []string
	prices  map[string]tick
}

// NewTicker tracks the given base symbols against USDT. USDT itself and
// duplicates are dropped.
func NewTicker(symbols []string, maxAge time.Duration, logger *slog.Logger) *Ticker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	tracked := trackedSymbols(symbols)
	return &Ticker{
		base:    binanceWSBase,
		maxAge:  maxAge,
		now:     time.Now,
		logger:  logger,
		reload:  make(chan struct{}, 1),
		symbols: tracked,
		prices:  make(map[string]tick, len(tracked)),
	}
}

func trackedSymbols(symbols []string) []string {
	seen := map[string]bool{}
	var tracked []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || s == streamQuote || seen[s] {
			continue
		}
		seen[s] = true
		tracked = append(tracked, s)
	}
	return tracked
}

func (t *Ticker) Name() string { return "binance-stream" }

// Symbols returns the tracked base symbols.
func (t *Ticker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.symbols)
}

// SetSymbols replaces the tracked symbols. A running stream reconnects with
// the new subscription; ticks of dropped symbols are forgotten.
func (t *Ticker) SetSymbols(symbols []string) {
	tracked := trackedSymbols(symbols)

	t.mu.Lock()
	if slices.Equal(tracked, t.symbols) {
		t.mu.Unlock()
		return
	}
	t.symbols = tracked
	for sym := range t.prices {
		if !slices.Contains(tracked, sym) {
			delete(t.prices, sym)
		}
	}
	t.mu.Unlock()

	t.logger.Info("binance ticker symbols updated", "symbols", tracked)
	select {
	case t.reload <- struct{}{}:
	default:
	}
}

func (t *Ticker) streamURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	streams := make([]string, len(t.symbols))
	for i, s := range t.symbols {
		streams[i] = strings.ToLower(s+streamQuote) + streamSuffix
	}
	return t.base + strings.Join(streams, "/")
}

func (t *Ticker) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sym := strings.ToUpper(symbol)
	t.mu.RLock()
	tk, ok := t.prices[sym]
	tracked := slices.Contains(t.symbols, sym)
	t.mu.RUnlock()
	if !ok {
		if !tracked {
			return 0, fmt.Errorf("%w: %s is not streamed", pricing.ErrNotFound, sym)
		}
		return 0, fmt.Errorf("%w: no tick received for %s yet", pricing.ErrTransient, sym)
	}
	if age := t.now().Sub(tk.at); age > t.maxAge {
		return 0, fmt.Errorf("%w: last %s tick is %s old", pricing.ErrTransient, sym, age.Round(time.Second))
	}
	return tk.price, nil
}

// Run keeps the stream connected until ctx is cancelled. With no symbols it
// idles until SetSymbols supplies some.
func (t *Ticker) Run(ctx context.Context) {
	t.logger.Info("binance ticker stream starting", "symbols", t.Symbols())

	backoff := reconnectBase
	for {
		if len(t.Symbols()) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-t.reload:
				continue
			}
		}

		// The dial below already uses the current symbols.
		select {
		case <-t.reload:
		default:
		}
		err := t.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errResubscribe) {
			backoff = reconnectBase
			continue
		}

		t.logger.Warn("binance ws disconnected, reconnecting...", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(reconnectMax)))
	}
}

func (t *Ticker) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeLimit}
	conn, _, err := dialer.DialContext(ctx, t.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	// ReadMessage does not take a context; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)
	var resubscribe atomic.Bool
	go func() {
		select {
		case <-t.reload:
			resubscribe.Store(true)
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	t.logger.Info("binance ws connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if resubscribe.Load() {
				return errResubscribe
			}
			return fmt.Errorf("ws read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		t.handleMessage(data)
	}
}

func (t *Ticker) handleMessage(data []byte) {
	var msg binanceStreamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Data.Event != "24hrMiniTicker" {
		return
	}
	sym, ok := strings.CutSuffix(strings.ToUpper(msg.Data.Symbol), streamQuote)
	if !ok || sym == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Data.Close, 64)
	if err != nil || price <= 0 || math.IsInf(price, 0) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.symbols, sym) {
		t.prices[sym] = tick{price: price, at: t.now()}
	}
}
