package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/web3-frozen/lp-monitor/internal/monitor"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Valuation history ---

const insertValuationSQL = `
INSERT INTO valuation_snapshots (
    position, token_a, token_b, status, error,
    current_value_usd, hold_value_usd, initial_investment_usd, lp_value_estimated,
    il_fraction, il_usd, apr, days_held, fees_earned_usd,
    total_income_usd, total_cost_usd, net_pnl_usd, net_pnl_percent,
    better_strategy, margin_usd, il_alert, prices, yield, anomalies, evaluated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`

// SaveValuations appends one cycle of results in a single batch.
func (s *Store) SaveValuations(ctx context.Context, results []monitor.ValuationResult) error {
	batch := &pgx.Batch{}
	for _, r := range results {
		prices, err := json.Marshal(r.Prices)
		if err != nil {
			return fmt.Errorf("marshal prices for %s: %w", r.Position, err)
		}
		yield, err := json.Marshal(r.Yield)
		if err != nil {
			return fmt.Errorf("marshal yield for %s: %w", r.Position, err)
		}
		anomalies, err := json.Marshal(r.Anomalies)
		if err != nil {
			return fmt.Errorf("marshal anomalies for %s: %w", r.Position, err)
		}
		batch.Queue(insertValuationSQL,
			r.Position, r.TokenA, r.TokenB, string(r.Status), r.Error,
			r.CurrentValueUSD, r.HoldValueUSD, r.InitialInvestmentUSD, r.LPValueEstimated,
			r.ILFraction, r.ILUSD, r.APR, r.DaysHeld, r.FeesEarnedUSD,
			r.TotalIncomeUSD, r.TotalCostUSD, r.NetPnLUSD, r.NetPnLPercent,
			r.BetterStrategy, r.MarginUSD, r.ILAlert, prices, yield, anomalies, r.EvaluatedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert valuations: %w", err)
	}
	return nil
}

// ListValuations returns up to limit results for a position, newest first.
func (s *Store) ListValuations(ctx context.Context, positionName string, since time.Time, limit int) ([]monitor.ValuationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position, token_a, token_b, status, error,
		        current_value_usd, hold_value_usd, initial_investment_usd, lp_value_estimated,
		        il_fraction, il_usd, apr, days_held, fees_earned_usd,
		        total_income_usd, total_cost_usd, net_pnl_usd, net_pnl_percent,
		        better_strategy, margin_usd, il_alert, prices, yield, anomalies, evaluated_at
		 FROM valuation_snapshots
		 WHERE position = $1 AND evaluated_at >= $2
		 ORDER BY evaluated_at DESC
		 LIMIT $3`, positionName, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.ValuationResult
	for rows.Next() {
		var (
			r                        monitor.ValuationResult
			status                   string
			prices, yield, anomalies []byte
		)
		if err := rows.Scan(&r.Position, &r.TokenA, &r.TokenB, &status, &r.Error,
			&r.CurrentValueUSD, &r.HoldValueUSD, &r.InitialInvestmentUSD, &r.LPValueEstimated,
			&r.ILFraction, &r.ILUSD, &r.APR, &r.DaysHeld, &r.FeesEarnedUSD,
			&r.TotalIncomeUSD, &r.TotalCostUSD, &r.NetPnLUSD, &r.NetPnLPercent,
			&r.BetterStrategy, &r.MarginUSD, &r.ILAlert, &prices, &yield, &anomalies, &r.EvaluatedAt); err != nil {
			return nil, err
		}
		r.Status = monitor.Status(status)
		if err := decodeJSONColumns(&r, prices, yield, anomalies); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeJSONColumns(r *monitor.ValuationResult, prices, yield, anomalies []byte) error {
	if len(prices) > 0 {
		if err := json.Unmarshal(prices, &r.Prices); err != nil {
			return fmt.Errorf("decode prices for %s: %w", r.Position, err)
		}
	}
	if len(yield) > 0 && string(yield) != "null" {
		r.Yield = &monitor.YieldProvenance{}
		if err := json.Unmarshal(yield, r.Yield); err != nil {
			return fmt.Errorf("decode yield for %s: %w", r.Position, err)
		}
	}
	if len(anomalies) > 0 {
		if err := json.Unmarshal(anomalies, &r.Anomalies); err != nil {
			return fmt.Errorf("decode anomalies for %s: %w", r.Position, err)
		}
	}
	return nil
}

// PruneValuations deletes snapshots older than before and returns how many.
func (s *Store) PruneValuations(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM valuation_snapshots WHERE evaluated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
