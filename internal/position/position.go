// Package position defines the LP positions the monitor tracks and loads
// them from a TOML file.
package position

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultILAlertThreshold = 0.05
	DefaultDecimals         = 18
)

var ErrInvalidPosition = errors.New("invalid position")

// Position is a user-declared LP stake. Initial amounts and prices anchor the
// IL baseline and are never changed by the monitor.
type Position struct {
	Name             string    `toml:"name" json:"name"`
	TokenA           string    `toml:"token_a" json:"token_a"`
	TokenB           string    `toml:"token_b" json:"token_b"`
	InitialAmountA   float64   `toml:"initial_amount_a" json:"initial_amount_a"`
	InitialAmountB   float64   `toml:"initial_amount_b" json:"initial_amount_b"`
	InitialPriceA    float64   `toml:"initial_price_a" json:"initial_price_a"`
	InitialPriceB    float64   `toml:"initial_price_b" json:"initial_price_b"`
	EntryTime        time.Time `toml:"entry_time" json:"entry_time"`
	GasCostUSD       float64   `toml:"gas_cost_usd" json:"gas_cost_usd"`
	ILAlertThreshold float64   `toml:"il_alert_threshold" json:"il_alert_threshold"`
	Active           *bool     `toml:"active" json:"active"`

	// PoolKey identifies the pool for yield sources (DefiLlama pool id or
	// Merkl identifier). StaticAPR is used when no yield source answers.
	PoolKey   string  `toml:"pool_key" json:"pool_key,omitempty"`
	StaticAPR float64 `toml:"apr" json:"apr,omitempty"`

	// On-chain location of the stake, read by the reserve reader. Without
	// TokenAAddress, token A is assumed to be the pair's token0.
	PairAddress   string `toml:"pair_address" json:"pair_address,omitempty"`
	Wallet        string `toml:"wallet" json:"wallet,omitempty"`
	TokenAAddress string `toml:"token_a_address" json:"token_a_address,omitempty"`
	DecimalsA     int    `toml:"decimals_a" json:"decimals_a,omitempty"`
	DecimalsB     int    `toml:"decimals_b" json:"decimals_b,omitempty"`
	LPDecimals    int    `toml:"lp_decimals" json:"lp_decimals,omitempty"`
}

// Normalize applies documented defaults. It is called once at load time.
func (p *Position) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.TokenA = strings.ToUpper(strings.TrimSpace(p.TokenA))
	p.TokenB = strings.ToUpper(strings.TrimSpace(p.TokenB))
	if p.ILAlertThreshold == 0 {
		p.ILAlertThreshold = DefaultILAlertThreshold
	}
	if p.Active == nil {
		active := true
		p.Active = &active
	}
	if p.DecimalsA == 0 {
		p.DecimalsA = DefaultDecimals
	}
	if p.DecimalsB == 0 {
		p.DecimalsB = DefaultDecimals
	}
	if p.LPDecimals == 0 {
		p.LPDecimals = DefaultDecimals
	}
}

// IsActive reports whether the position should be evaluated.
func (p Position) IsActive() bool {
	return p.Active == nil || *p.Active
}

// HasOnChainStake reports whether the reserve reader can locate the stake.
func (p Position) HasOnChainStake() bool {
	return p.PairAddress != "" && p.Wallet != ""
}

// Symbols returns the two token symbols of the pair, upper-cased the way
// quotes are keyed.
func (p Position) Symbols() []string {
	return []string{
		strings.ToUpper(strings.TrimSpace(p.TokenA)),
		strings.ToUpper(strings.TrimSpace(p.TokenB)),
	}
}

// InitialInvestmentUSD is the USD value deposited at entry.
func (p Position) InitialInvestmentUSD() float64 {
	return p.InitialAmountA*p.InitialPriceA + p.InitialAmountB*p.InitialPriceB
}

// Validate rejects positions the calculator must never see.
func (p Position) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPosition)
	}
	if p.TokenA == "" || p.TokenB == "" {
		return fmt.Errorf("%w: %s: both token symbols are required", ErrInvalidPosition, p.Name)
	}
	if p.TokenA == p.TokenB {
		return fmt.Errorf("%w: %s: tokens must differ", ErrInvalidPosition, p.Name)
	}

	checks := []struct {
		field    string
		v        float64
		positive bool
	}{
		{"initial_amount_a", p.InitialAmountA, false},
		{"initial_amount_b", p.InitialAmountB, false},
		{"initial_price_a", p.InitialPriceA, true},
		{"initial_price_b", p.InitialPriceB, true},
		{"gas_cost_usd", p.GasCostUSD, false},
		{"apr", p.StaticAPR, false},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) || c.v < 0 || (c.positive && c.v == 0) {
			return fmt.Errorf("%w: %s: %s out of range: %v", ErrInvalidPosition, p.Name, c.field, c.v)
		}
	}
	if p.InitialAmountA == 0 && p.InitialAmountB == 0 {
		return fmt.Errorf("%w: %s: at least one initial amount must be positive", ErrInvalidPosition, p.Name)
	}
	if p.ILAlertThreshold <= 0 || p.ILAlertThreshold > 1 {
		return fmt.Errorf("%w: %s: il_alert_threshold must be in (0, 1], got %v", ErrInvalidPosition, p.Name, p.ILAlertThreshold)
	}
	if p.EntryTime.IsZero() {
		return fmt.Errorf("%w: %s: entry_time is required", ErrInvalidPosition, p.Name)
	}
	return nil
}
