// Package portfolio holds the in-memory position book, closed-equity
// high-water mark, portfolio risk gate, and pyramid state. The Book is the
// single owner of this state; when stores are attached every mutation is
// written through to the relational layer.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Book is the ordered position book plus account equity state. Safe for
// concurrent use.
type Book struct {
	cfg         config.RiskConfig
	instruments map[string]config.InstrumentConfig
	positions   domain.PositionStore  // optional write-through
	state       domain.PortfolioStore // optional write-through
	logger      *slog.Logger

	mu           sync.Mutex
	open         map[string]domain.Position
	order        []string           // insertion order of open position ids
	volAmounts   map[string]float64 // id -> ATR exposure at entry
	baseIndex    map[domain.Instrument]string
	pyramid      map[domain.Instrument]domain.PyramidState
	closedEquity float64
	equityHigh   float64
	openRisk     float64
	openVol      float64
	marginUsed   float64
}

// New creates a Book. positions and state may be nil for a purely in-memory
// book (tests, dry runs).
func New(
	cfg config.RiskConfig,
	instruments map[string]config.InstrumentConfig,
	positions domain.PositionStore,
	state domain.PortfolioStore,
	logger *slog.Logger,
) *Book {
	return &Book{
		cfg:          cfg,
		instruments:  instruments,
		positions:    positions,
		state:        state,
		logger:       logger.With(slog.String("component", "portfolio")),
		open:         make(map[string]domain.Position),
		volAmounts:   make(map[string]float64),
		baseIndex:    make(map[domain.Instrument]string),
		pyramid:      make(map[domain.Instrument]domain.PyramidState),
		closedEquity: cfg.InitialCapital,
		equityHigh:   cfg.InitialCapital,
	}
}

// Restore loads open positions and persisted state after a leader start. Open
// positions rebuild the base index; the equity high-water mark comes from the
// stored state when present.
func (b *Book) Restore(ctx context.Context) error {
	if b.positions == nil {
		return nil
	}

	open, err := b.positions.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("portfolio: restore positions: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range open {
		b.open[p.ID] = p
		b.order = append(b.order, p.ID)
		if p.IsBase {
			b.baseIndex[p.Instrument] = p.ID
		}
	}
	b.recomputeExposureLocked()

	if b.state != nil {
		st, err := b.state.GetState(ctx)
		if err == nil {
			b.closedEquity = st.ClosedEquity
			b.equityHigh = st.EquityHigh
			if st.InitialCapital > 0 && b.closedEquity == 0 {
				b.closedEquity = st.InitialCapital
			}
		} else if err != domain.ErrNotFound {
			return fmt.Errorf("portfolio: restore state: %w", err)
		}
	}

	b.logger.Info("portfolio restored",
		slog.Int("open_positions", len(b.open)),
		slog.Float64("closed_equity", b.closedEquity),
		slog.Float64("equity_high", b.equityHigh),
	)
	return nil
}

// AddPosition registers a new open position, persists it, and updates the
// base index and exposure totals. volAmount is the position's monetary ATR
// exposure at entry, which positions themselves do not carry.
func (b *Book) AddPosition(ctx context.Context, p domain.Position, volAmount float64) (domain.Position, error) {
	if p.ID == "" {
		p.ID = domain.PositionID(p.Instrument, p.Label)
	}
	p.Status = domain.PositionStatusOpen

	if b.positions != nil {
		saved, err := b.positions.Save(ctx, p)
		if err != nil {
			return domain.Position{}, err
		}
		p = saved
	}

	b.mu.Lock()
	if _, exists := b.open[p.ID]; !exists {
		b.order = append(b.order, p.ID)
	}
	b.open[p.ID] = p
	b.volAmounts[p.ID] = volAmount
	if p.IsBase {
		b.baseIndex[p.Instrument] = p.ID
	}
	b.recomputeExposureLocked()
	b.mu.Unlock()

	return p, b.persistState(ctx)
}

// ClosePosition marks the position closed at the exit price and returns the
// realized P&L. Closing a base position clears the base index and nulls the
// pyramid state's base reference.
func (b *Book) ClosePosition(ctx context.Context, id string, exitPrice float64, at time.Time) (float64, error) {
	b.mu.Lock()
	p, ok := b.open[id]
	if !ok {
		b.mu.Unlock()
		return 0, domain.ErrNotFound
	}

	pointValue := 1.0
	if ic, ok := b.instruments[string(p.Instrument)]; ok && ic.PointValue > 0 {
		pointValue = ic.PointValue
	}
	pnl := (exitPrice - p.EntryPrice) * float64(p.Quantity) * pointValue

	p.Status = domain.PositionStatusClosed
	p.ExitPrice = &exitPrice
	p.ClosedAt = &at
	p.RealizedPnL = pnl
	p.UnrealizedPnL = 0

	delete(b.open, id)
	delete(b.volAmounts, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	var pyramidReset *domain.PyramidState
	if p.IsBase {
		delete(b.baseIndex, p.Instrument)
		ps := b.pyramid[p.Instrument]
		ps.Instrument = p.Instrument
		ps.BasePositionID = nil
		b.pyramid[p.Instrument] = ps
		pyramidReset = &ps
	}

	b.closedEquity += pnl
	if b.closedEquity > b.equityHigh {
		b.equityHigh = b.closedEquity
	}
	b.recomputeExposureLocked()
	b.mu.Unlock()

	if b.positions != nil {
		if _, err := b.positions.Save(ctx, p); err != nil {
			return pnl, err
		}
	}
	if pyramidReset != nil && b.state != nil {
		if err := b.state.SavePyramidState(ctx, *pyramidReset); err != nil {
			return pnl, err
		}
	}

	b.logger.Info("position closed",
		slog.String("position_id", id),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", pnl),
	)
	return pnl, b.persistState(ctx)
}

// MarkClosing flips a position to the closing state, the re-entry guard that
// prevents a second exit order for the same position.
func (b *Book) MarkClosing(ctx context.Context, id string) error {
	b.mu.Lock()
	p, ok := b.open[id]
	if !ok {
		b.mu.Unlock()
		return domain.ErrNotFound
	}
	if p.Status == domain.PositionStatusClosing {
		b.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	p.Status = domain.PositionStatusClosing
	b.open[id] = p
	b.mu.Unlock()

	if b.positions != nil {
		saved, err := b.positions.Save(ctx, p)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.open[id] = saved
		b.mu.Unlock()
	}
	return nil
}

// UpdatePosition replaces an open position's record (stop trail, rollover
// rewrite) and persists it.
func (b *Book) UpdatePosition(ctx context.Context, p domain.Position) (domain.Position, error) {
	if b.positions != nil {
		saved, err := b.positions.Save(ctx, p)
		if err != nil {
			return domain.Position{}, err
		}
		p = saved
	}
	b.mu.Lock()
	if _, ok := b.open[p.ID]; ok {
		b.open[p.ID] = p
		b.recomputeExposureLocked()
	}
	b.mu.Unlock()
	return p, nil
}

// Gate checks the portfolio ceilings for a prospective entry with the given
// estimated monetary risk and volatility exposure.
func (b *Book) Gate(estRisk, estVol float64) domain.RiskRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := domain.RiskRecord{
		EstRiskAmount: estRisk,
		EstVolAmount:  estVol,
	}

	equity := b.closedEquity
	if equity <= 0 {
		rec.Reason = "no_equity"
		return rec
	}

	rec.TotalRiskPct = (b.openRisk + estRisk) / equity * 100
	rec.TotalVolPct = (b.openVol + estVol) / equity * 100

	if b.cfg.MaxPortfolioRisk > 0 && rec.TotalRiskPct > b.cfg.MaxPortfolioRisk {
		rec.Reason = fmt.Sprintf("portfolio_risk_exceeded: %.2f%% > %.2f%%", rec.TotalRiskPct, b.cfg.MaxPortfolioRisk)
		return rec
	}
	if b.cfg.MaxPortfolioVol > 0 && rec.TotalVolPct > b.cfg.MaxPortfolioVol {
		rec.Reason = fmt.Sprintf("portfolio_vol_exceeded: %.2f%% > %.2f%%", rec.TotalVolPct, b.cfg.MaxPortfolioVol)
		return rec
	}

	rec.Allowed = true
	return rec
}

// BasePosition returns the current base position for an instrument.
func (b *Book) BasePosition(instrument domain.Instrument) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.baseIndex[instrument]
	if !ok {
		return domain.Position{}, false
	}
	p, ok := b.open[id]
	return p, ok
}

// Position returns one open position by id.
func (b *Book) Position(id string) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	return p, ok
}

// OpenPositions returns open positions in insertion order, optionally
// filtered by instrument ("" for all).
func (b *Book) OpenPositions(instrument domain.Instrument) []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.order))
	for _, id := range b.order {
		p := b.open[id]
		if instrument == "" || p.Instrument == instrument {
			out = append(out, p)
		}
	}
	return out
}

// OpenCount returns the number of open positions on an instrument.
func (b *Book) OpenCount(instrument domain.Instrument) int {
	return len(b.OpenPositions(instrument))
}

// PyramidState returns the pyramid context for an instrument.
func (b *Book) PyramidState(instrument domain.Instrument) domain.PyramidState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.pyramid[instrument]
	ps.Instrument = instrument
	return ps
}

// SetPyramidState records the pyramid context after an add and persists it.
func (b *Book) SetPyramidState(ctx context.Context, ps domain.PyramidState) error {
	ps.UpdatedAt = time.Now().UTC()
	b.mu.Lock()
	b.pyramid[ps.Instrument] = ps
	b.mu.Unlock()
	if b.state != nil {
		return b.state.SavePyramidState(ctx, ps)
	}
	return nil
}

// Equity returns (closed equity, equity high-water mark).
func (b *Book) Equity() (float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closedEquity, b.equityHigh
}

// Exposure returns the current open (risk, volatility) monetary totals.
func (b *Book) Exposure() (float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openRisk, b.openVol
}

// recomputeExposureLocked rebuilds the open risk/vol/margin totals from the
// open positions. Caller holds b.mu.
func (b *Book) recomputeExposureLocked() {
	var risk, vol, margin float64
	for _, id := range b.order {
		p := b.open[id]
		pointValue := 1.0
		marginPerLot := 0.0
		if ic, ok := b.instruments[string(p.Instrument)]; ok {
			if ic.PointValue > 0 {
				pointValue = ic.PointValue
			}
			marginPerLot = ic.MarginPerLot
		}
		if dist := p.EntryPrice - p.CurrentStop; dist > 0 {
			risk += dist * float64(p.Quantity) * pointValue
		}
		vol += b.volAmounts[id]
		margin += marginPerLot * float64(p.Lots)
	}
	b.openRisk = risk
	b.openVol = vol
	b.marginUsed = margin
}

func (b *Book) persistState(ctx context.Context) error {
	if b.state == nil {
		return nil
	}
	b.mu.Lock()
	st := domain.PortfolioState{
		ClosedEquity:    b.closedEquity,
		EquityHigh:      b.equityHigh,
		TotalRiskAmount: b.openRisk,
		TotalVolAmount:  b.openVol,
		MarginUsed:      b.marginUsed,
		InitialCapital:  b.cfg.InitialCapital,
		UpdatedAt:       time.Now().UTC(),
	}
	b.mu.Unlock()
	return b.state.SaveState(ctx, st)
}
