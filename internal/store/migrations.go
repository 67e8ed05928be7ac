package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS valuation_snapshots (
    id BIGSERIAL PRIMARY KEY,
    position TEXT NOT NULL,
    token_a TEXT NOT NULL,
    token_b TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    current_value_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    hold_value_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    initial_investment_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    lp_value_estimated BOOLEAN NOT NULL DEFAULT false,
    il_fraction DOUBLE PRECISION NOT NULL DEFAULT 0,
    il_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    apr DOUBLE PRECISION NOT NULL DEFAULT 0,
    days_held INT NOT NULL DEFAULT 0,
    fees_earned_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_income_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    net_pnl_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    net_pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
    better_strategy TEXT NOT NULL DEFAULT '',
    margin_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    il_alert BOOLEAN NOT NULL DEFAULT false,
    prices JSONB NOT NULL DEFAULT '[]',
    yield JSONB,
    anomalies JSONB NOT NULL DEFAULT '[]',
    evaluated_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_valuation_snapshots_position_time
    ON valuation_snapshots (position, evaluated_at DESC);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
