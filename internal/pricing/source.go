// Package pricing sources USD prices and pool APRs from an ordered list of
// flaky upstream providers, with a shared TTL cache in front of them and
// per-source reliability tracking.
package pricing

import (
	"context"
	"time"
)

// Source fetches USD prices. To add a provider, implement this interface and
// put it in the tier list passed to NewManager. Implementations must be safe
// for concurrent use, must not panic and must classify failures with
// ErrNotFound, ErrTransient or ErrInvalidResponse.
type Source interface {
	// Name returns a unique identifier for this source (e.g., "coingecko").
	Name() string

	// FetchPrice returns the USD price of symbol.
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// YieldSource fetches annual fee yield for a pool, as a fraction (0.12 = 12%).
type YieldSource interface {
	Name() string
	FetchAPR(ctx context.Context, poolKey string) (float64, error)
}

// Quote is a USD price with its provenance.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Age is how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// YieldQuote is a pool APR with its provenance.
type YieldQuote struct {
	PoolKey   string    `json:"pool_key"`
	APR       float64   `json:"apr"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}
