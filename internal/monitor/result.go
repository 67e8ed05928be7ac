package monitor

import (
	"errors"
	"time"
)

// ErrCancelled marks positions left unfinished when a cycle's context ended.
var ErrCancelled = errors.New("cancelled")

// Status is the lifecycle state of one position within one cycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPricing  Status = "PRICING"
	StatusComputed Status = "COMPUTED"
	StatusFailed   Status = "FAILED"
	StatusStale    Status = "COMPUTED_WITH_STALE_DATA"
)

// Done reports whether s is a terminal state.
func (s Status) Done() bool {
	return s == StatusComputed || s == StatusFailed || s == StatusStale
}

// PriceProvenance records which source fed a token price.
type PriceProvenance struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// YieldProvenance records where the APR came from. Source is "static" for the
// configured fallback and "none" when no APR was available.
type YieldProvenance struct {
	PoolKey   string    `json:"pool_key,omitempty"`
	APR       float64   `json:"apr"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Stale     bool      `json:"stale"`
}

const (
	yieldSourceStatic = "static"
	yieldSourceNone   = "none"
)

// ValuationResult is one position's valuation for one cycle. It holds no
// references into the price cache and is safe to hand to any sink.
type ValuationResult struct {
	Position string `json:"position"`
	TokenA   string `json:"token_a"`
	TokenB   string `json:"token_b"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`

	InitialInvestmentUSD float64 `json:"initial_investment_usd"`
	CurrentValueUSD      float64 `json:"current_value_usd"`
	HoldValueUSD         float64 `json:"hold_value_usd"`
	LPValueEstimated     bool    `json:"lp_value_estimated"`
	ILFraction           float64 `json:"il_fraction"`
	ILUSD                float64 `json:"il_usd"`
	APR                  float64 `json:"apr"`
	DaysHeld             int     `json:"days_held"`
	FeesEarnedUSD        float64 `json:"fees_earned_usd"`
	TotalIncomeUSD       float64 `json:"total_income_usd"`
	TotalCostUSD         float64 `json:"total_cost_usd"`
	NetPnLUSD            float64 `json:"net_pnl_usd"`
	NetPnLPercent        float64 `json:"net_pnl_percent"`
	BetterStrategy       string  `json:"better_strategy,omitempty"`
	MarginUSD            float64 `json:"margin_usd"`
	ILAlertThreshold     float64 `json:"il_alert_threshold"`
	ILAlert              bool    `json:"il_alert"`

	Prices      []PriceProvenance `json:"prices"`
	Yield       *YieldProvenance  `json:"yield,omitempty"`
	Anomalies   []string          `json:"anomalies,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// Computed reports whether the result carries a valuation.
func (r ValuationResult) Computed() bool {
	return r.Status == StatusComputed || r.Status == StatusStale
}

func (r *ValuationResult) fail(err error) {
	r.Status = StatusFailed
	r.Err = err
	r.Error = err.Error()
}

func (r *ValuationResult) anomaly(msg string) {
	r.Anomalies = append(r.Anomalies, msg)
}
