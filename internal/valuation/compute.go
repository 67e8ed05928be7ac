package valuation

import (
	"fmt"
	"time"
)

// Input gathers everything one position valuation needs. Pool is optional;
// without it the LP value is estimated from the hold value and IL.
type Input struct {
	InitialAmountA float64
	InitialAmountB float64
	InitialPriceA  float64
	InitialPriceB  float64
	CurrentPriceA  float64
	CurrentPriceB  float64
	GasCostUSD     float64
	APR            float64
	EntryTime      time.Time
	Now            time.Time
	Pool           *PoolShare
}

// Result is the computed valuation of one position.
type Result struct {
	InitialInvestmentUSD float64    `json:"initial_investment_usd"`
	CurrentValueUSD      float64    `json:"current_value_usd"`
	HoldValueUSD         float64    `json:"hold_value_usd"`
	LPValueEstimated     bool       `json:"lp_value_estimated"`
	ILFraction           float64    `json:"il_fraction"`
	ILUSD                float64    `json:"il_usd"`
	DaysHeld             int        `json:"days_held"`
	FeesEarnedUSD        float64    `json:"fees_earned_usd"`
	PnL                  PnL        `json:"pnl"`
	Comparison           Comparison `json:"comparison"`
	EntryInFuture        bool       `json:"entry_in_future"`
}

// Compute runs the full valuation pipeline for one position.
func Compute(in Input) (Result, error) {
	if err := checkAmount("initial amount A", in.InitialAmountA); err != nil {
		return Result{}, err
	}
	if err := checkAmount("initial amount B", in.InitialAmountB); err != nil {
		return Result{}, err
	}
	if err := checkAmount("gas cost", in.GasCostUSD); err != nil {
		return Result{}, err
	}
	if err := checkAmount("apr", in.APR); err != nil {
		return Result{}, err
	}

	il, err := ImpermanentLoss(in.InitialPriceA, in.InitialPriceB, in.CurrentPriceA, in.CurrentPriceB)
	if err != nil {
		return Result{}, fmt.Errorf("impermanent loss: %w", err)
	}

	initial := HoldValue(in.InitialAmountA, in.InitialAmountB, in.InitialPriceA, in.InitialPriceB)
	hold := HoldValue(in.InitialAmountA, in.InitialAmountB, in.CurrentPriceA, in.CurrentPriceB)

	var current float64
	estimated := in.Pool == nil
	if estimated {
		current = EstimatedPositionValue(hold, il)
	} else {
		lp, err := PositionValue(*in.Pool, in.CurrentPriceA, in.CurrentPriceB)
		if err != nil {
			return Result{}, fmt.Errorf("lp value: %w", err)
		}
		current = lp.ValueUSD
	}

	days, future := DaysHeld(in.EntryTime, in.Now)
	fees := FeesEarned(initial, in.APR, days)
	pnl := NetPnL(current, fees, initial, in.GasCostUSD)

	ilUSD := hold - current
	if ilUSD < 0 {
		ilUSD = 0
	}

	return Result{
		InitialInvestmentUSD: initial,
		CurrentValueUSD:      current,
		HoldValueUSD:         hold,
		LPValueEstimated:     estimated,
		ILFraction:           il,
		ILUSD:                ilUSD,
		DaysHeld:             days,
		FeesEarnedUSD:        fees,
		PnL:                  pnl,
		Comparison:           CompareStrategies(pnl.TotalIncomeUSD, hold),
		EntryInFuture:        future,
	}, nil
}
