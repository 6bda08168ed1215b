package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"pmbot/internal/domain"
)

// PositionStore persists positions with optimistic-concurrency versions and a
// write-through in-process cache. The cache is safe because only the leader
// writes positions; followers never read them.
type PositionStore struct {
	client *Client

	mu    sync.RWMutex
	cache map[string]domain.Position
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore backed by the given client.
func NewPositionStore(client *Client) *PositionStore {
	return &PositionStore{
		client: client,
		cache:  make(map[string]domain.Position),
	}
}

const positionColumns = `
	id, instrument, label, status,
	entry_time, entry_price, lots, quantity,
	initial_stop, current_stop, highest_close,
	unrealized_pnl, realized_pnl, is_base,
	call_symbol, put_symbol, call_entry, put_entry, strike, expiry,
	rollover_status, rollover_count, rollover_pnl,
	original_expiry, original_strike, original_entry,
	exit_price, closed_at, version`

// Save upserts a position, bumping the stored version to p.Version+1. A
// stored row whose version no longer matches p.Version returns
// ErrVersionConflict so a stale writer cannot clobber a newer state.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) (domain.Position, error) {
	if p.ID == "" {
		p.ID = domain.PositionID(p.Instrument, p.Label)
	}

	const query = `
		INSERT INTO portfolio_positions (` + positionColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		        $27, $28, $29, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			entry_time = EXCLUDED.entry_time,
			entry_price = EXCLUDED.entry_price,
			lots = EXCLUDED.lots,
			quantity = EXCLUDED.quantity,
			initial_stop = EXCLUDED.initial_stop,
			current_stop = EXCLUDED.current_stop,
			highest_close = EXCLUDED.highest_close,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			is_base = EXCLUDED.is_base,
			call_symbol = EXCLUDED.call_symbol,
			put_symbol = EXCLUDED.put_symbol,
			call_entry = EXCLUDED.call_entry,
			put_entry = EXCLUDED.put_entry,
			strike = EXCLUDED.strike,
			expiry = EXCLUDED.expiry,
			rollover_status = EXCLUDED.rollover_status,
			rollover_count = EXCLUDED.rollover_count,
			rollover_pnl = EXCLUDED.rollover_pnl,
			original_expiry = EXCLUDED.original_expiry,
			original_strike = EXCLUDED.original_strike,
			original_entry = EXCLUDED.original_entry,
			exit_price = EXCLUDED.exit_price,
			closed_at = EXCLUDED.closed_at,
			version = EXCLUDED.version,
			updated_at = NOW()
		WHERE portfolio_positions.version = $30
		RETURNING version`

	newVersion := p.Version + 1
	var stored int
	err := s.client.pool.QueryRow(ctx, query,
		p.ID, string(p.Instrument), p.Label, string(p.Status),
		p.EntryTime, p.EntryPrice, p.Lots, p.Quantity,
		p.InitialStop, p.CurrentStop, p.HighestClose,
		p.UnrealizedPnL, p.RealizedPnL, p.IsBase,
		p.CallSymbol, p.PutSymbol, p.CallEntry, p.PutEntry, p.Strike, nullTime(p.Expiry),
		string(p.Rollover), p.RolloverCount, p.RolloverPnL,
		nullTime(p.OriginalExpiry), p.OriginalStrike, p.OriginalEntry,
		p.ExitPrice, p.ClosedAt, newVersion,
		p.Version,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict branch matched but the WHERE guard rejected it.
		return domain.Position{}, domain.ErrVersionConflict
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}

	p.Version = stored
	s.mu.Lock()
	s.cache[p.ID] = p
	s.mu.Unlock()
	return p, nil
}

// GetOpen returns all positions with status open or closing and primes the
// cache. Called once on leader start for crash recovery.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	const query = `
		SELECT ` + positionColumns + `
		FROM portfolio_positions
		WHERE status IN ('open', 'closing')
		ORDER BY instrument, label`

	rows, err := s.client.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: query open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate open positions: %w", err)
	}

	s.mu.Lock()
	for _, p := range out {
		s.cache[p.ID] = p
	}
	s.mu.Unlock()
	return out, nil
}

// GetByID returns a position, serving from the cache when possible.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	p, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	const query = `SELECT ` + positionColumns + ` FROM portfolio_positions WHERE id = $1`
	row := s.client.pool.QueryRow(ctx, query, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, err
	}

	s.mu.Lock()
	s.cache[id] = p
	s.mu.Unlock()
	return p, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var instrument, status, rollover string
	var expiry, origExpiry *time.Time

	err := row.Scan(
		&p.ID, &instrument, &p.Label, &status,
		&p.EntryTime, &p.EntryPrice, &p.Lots, &p.Quantity,
		&p.InitialStop, &p.CurrentStop, &p.HighestClose,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.IsBase,
		&p.CallSymbol, &p.PutSymbol, &p.CallEntry, &p.PutEntry, &p.Strike, &expiry,
		&rollover, &p.RolloverCount, &p.RolloverPnL,
		&origExpiry, &p.OriginalStrike, &p.OriginalEntry,
		&p.ExitPrice, &p.ClosedAt, &p.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, pgx.ErrNoRows
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: scan position: %w", err)
	}

	p.Instrument = domain.Instrument(instrument)
	p.Status = domain.PositionStatus(status)
	p.Rollover = domain.RolloverStatus(rollover)
	if expiry != nil {
		p.Expiry = *expiry
	}
	if origExpiry != nil {
		p.OriginalExpiry = *origExpiry
	}
	return p, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
