package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pmbot/internal/domain"
)

// PortfolioStore persists the single-row portfolio state and per-instrument
// pyramid state.
type PortfolioStore struct {
	client *Client
}

var _ domain.PortfolioStore = (*PortfolioStore)(nil)

// NewPortfolioStore creates a PortfolioStore backed by the given client.
func NewPortfolioStore(client *Client) *PortfolioStore {
	return &PortfolioStore{client: client}
}

// SaveState upserts the single portfolio_state row (id fixed at 1).
func (s *PortfolioStore) SaveState(ctx context.Context, st domain.PortfolioState) error {
	const query = `
		INSERT INTO portfolio_state (
			id, closed_equity, equity_high, total_risk_amount,
			total_vol_amount, margin_used, initial_capital, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			closed_equity = EXCLUDED.closed_equity,
			equity_high = EXCLUDED.equity_high,
			total_risk_amount = EXCLUDED.total_risk_amount,
			total_vol_amount = EXCLUDED.total_vol_amount,
			margin_used = EXCLUDED.margin_used,
			initial_capital = EXCLUDED.initial_capital,
			updated_at = NOW()`

	_, err := s.client.pool.Exec(ctx, query,
		st.ClosedEquity, st.EquityHigh, st.TotalRiskAmount,
		st.TotalVolAmount, st.MarginUsed, st.InitialCapital,
	)
	if err != nil {
		return fmt.Errorf("postgres: save portfolio state: %w", err)
	}
	return nil
}

// GetState returns the portfolio state, or ErrNotFound before first save.
func (s *PortfolioStore) GetState(ctx context.Context) (domain.PortfolioState, error) {
	const query = `
		SELECT closed_equity, equity_high, total_risk_amount,
		       total_vol_amount, margin_used, initial_capital, updated_at
		FROM portfolio_state WHERE id = 1`

	var st domain.PortfolioState
	err := s.client.pool.QueryRow(ctx, query).Scan(
		&st.ClosedEquity, &st.EquityHigh, &st.TotalRiskAmount,
		&st.TotalVolAmount, &st.MarginUsed, &st.InitialCapital, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PortfolioState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PortfolioState{}, fmt.Errorf("postgres: get portfolio state: %w", err)
	}
	return st, nil
}

// SavePyramidState upserts the pyramid context for one instrument.
func (s *PortfolioStore) SavePyramidState(ctx context.Context, st domain.PyramidState) error {
	const query = `
		INSERT INTO pyramiding_state (instrument, last_pyramid_price, base_position_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instrument) DO UPDATE SET
			last_pyramid_price = EXCLUDED.last_pyramid_price,
			base_position_id = EXCLUDED.base_position_id,
			updated_at = NOW()`

	_, err := s.client.pool.Exec(ctx, query,
		string(st.Instrument), st.LastPyramidPrice, st.BasePositionID,
	)
	if err != nil {
		return fmt.Errorf("postgres: save pyramid state %s: %w", st.Instrument, err)
	}
	return nil
}

// GetPyramidState returns the pyramid context for an instrument, or
// ErrNotFound when no base position has ever been opened.
func (s *PortfolioStore) GetPyramidState(ctx context.Context, instrument domain.Instrument) (domain.PyramidState, error) {
	const query = `
		SELECT last_pyramid_price, base_position_id, updated_at
		FROM pyramiding_state WHERE instrument = $1`

	st := domain.PyramidState{Instrument: instrument}
	err := s.client.pool.QueryRow(ctx, query, string(instrument)).Scan(
		&st.LastPyramidPrice, &st.BasePositionID, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PyramidState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PyramidState{}, fmt.Errorf("postgres: get pyramid state %s: %w", instrument, err)
	}
	return st, nil
}
