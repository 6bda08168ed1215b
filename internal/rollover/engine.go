// Package rollover migrates expiring positions to the next contract period:
// close the old contract, open the new one at the same lot count, rewrite the
// position record, and reconcile against the broker positionbook.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pmbot/internal/broker"
	"pmbot/internal/config"
	"pmbot/internal/domain"
	"pmbot/internal/executor"
	"pmbot/internal/portfolio"
)

// Alerter delivers operator alerts for partial-rollover failures.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Engine scans open positions for rollover candidates and rolls them using
// the tighter retry schedule (0.25% initial offset, +0.05% per retry, five
// retries at three seconds, then market).
type Engine struct {
	cfg         config.RolloverConfig
	instruments map[string]config.InstrumentConfig
	book        *portfolio.Book
	broker      domain.Broker
	limit       *executor.LimitExecutor
	synthetic   *executor.SyntheticExecutor
	alerter     Alerter
	logger      *slog.Logger
	gate        func() bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a rollover Engine. The limit and synthetic executors should be
// built on RolloverPlan, not the live-trading plan.
func New(
	cfg config.RolloverConfig,
	instruments map[string]config.InstrumentConfig,
	book *portfolio.Book,
	b domain.Broker,
	limit *executor.LimitExecutor,
	synthetic *executor.SyntheticExecutor,
	alerter Alerter,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		instruments: instruments,
		book:        book,
		broker:      b,
		limit:       limit,
		synthetic:   synthetic,
		alerter:     alerter,
		logger:      logger.With(slog.String("component", "rollover")),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetGate restricts scans to instances for which gate returns true,
// typically the coordinator's IsLeader. A nil gate scans unconditionally.
func (e *Engine) SetGate(gate func() bool) {
	e.gate = gate
}

// Start launches the periodic scan loop.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		e.logger.Info("auto rollover disabled")
		close(e.doneCh)
		return
	}
	go e.run(ctx)
}

// Stop signals the scan loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	interval := time.Duration(e.cfg.ScanIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.gate != nil && !e.gate() {
				continue
			}
			e.Scan(ctx, time.Now())
		}
	}
}

// Scan rolls every open position whose days-to-expiry is at or under its
// instrument threshold and whose market is open.
func (e *Engine) Scan(ctx context.Context, now time.Time) {
	for _, p := range e.book.OpenPositions("") {
		ic, ok := e.instruments[string(p.Instrument)]
		if !ok {
			continue
		}
		if p.Rollover == domain.RolloverInProgress {
			continue
		}
		threshold := ic.RolloverDays
		if threshold <= 0 {
			threshold = 7
		}
		if p.DaysToExpiry(now) > threshold {
			continue
		}
		if !withinMarketHours(ic, now) {
			e.logger.Info("rollover candidate outside market hours",
				slog.String("position_id", p.ID))
			continue
		}
		if err := e.Roll(ctx, p, ic, now); err != nil {
			e.logger.Error("rollover failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Roll migrates one position to the next contract. The old position must be
// visible on the broker tape before anything trades. A failure after the old
// contract is flat leaves the account FLAT and requires manual re-entry; the
// position is marked rollover-failed and the operator alerted.
func (e *Engine) Roll(ctx context.Context, p domain.Position, ic config.InstrumentConfig, now time.Time) error {
	if !e.onTape(ctx, p, ic) {
		return fmt.Errorf("rollover: %s not present in broker positionbook", p.ID)
	}

	p.Rollover = domain.RolloverInProgress
	p, err := e.book.UpdatePosition(ctx, p)
	if err != nil {
		return fmt.Errorf("rollover: mark in progress: %w", err)
	}

	e.logger.Info("rolling position",
		slog.String("position_id", p.ID),
		slog.Time("old_expiry", p.Expiry),
		slog.Int("days_to_expiry", p.DaysToExpiry(now)),
	)

	if p.TwoLeg() {
		return e.rollTwoLeg(ctx, p, ic, now)
	}
	return e.rollFutures(ctx, p, ic, now)
}

func (e *Engine) rollTwoLeg(ctx context.Context, p domain.Position, ic config.InstrumentConfig, now time.Time) error {
	refPrice := e.underlyingPrice(ctx, p, ic)

	exit := e.synthetic.Exit(ctx, ic, domain.Exchange(ic.Exchange), p)
	if exit.Status != domain.ExecExecuted {
		p.Rollover = domain.RolloverFailed
		_, _ = e.book.UpdatePosition(ctx, p)
		return fmt.Errorf("rollover: close old legs: %s", exit.Notes)
	}
	rollPnL := (exit.SyntheticPrice - p.EntryPrice) * float64(p.Quantity) * pointValue(ic)

	entry := e.synthetic.Enter(ctx, ic, domain.Exchange(ic.Exchange), refPrice, p.Lots, now)
	if entry.Status != domain.ExecExecuted {
		// The old contract is already flat; rollback cannot restore it.
		e.flatten(ctx, p, exit.SyntheticPrice, entry.Notes)
		return fmt.Errorf("rollover: open new legs, account flat: %s", entry.Notes)
	}

	old := p
	p.OriginalExpiry = firstTime(p.OriginalExpiry, p.Expiry)
	p.OriginalStrike = firstFloat(p.OriginalStrike, p.Strike)
	p.OriginalEntry = firstFloat(p.OriginalEntry, p.EntryPrice)
	p.Strike = entry.Strike
	p.Expiry = entry.Expiry
	p.PutSymbol = entry.PutSymbol
	p.CallSymbol = entry.CallSymbol
	p.PutEntry = entry.Put.FillPrice
	p.CallEntry = entry.Call.FillPrice
	p.EntryPrice = entry.SyntheticPrice
	p.RolloverCount++
	p.RolloverPnL += rollPnL
	p.Rollover = domain.RolloverRolled

	if _, err := e.book.UpdatePosition(ctx, p); err != nil {
		return fmt.Errorf("rollover: persist rolled position: %w", err)
	}

	e.logger.Info("position rolled",
		slog.String("position_id", p.ID),
		slog.Time("new_expiry", p.Expiry),
		slog.Float64("rollover_pnl", rollPnL),
		slog.Int("rollover_count", p.RolloverCount),
	)

	e.reconcile(ctx, old, p, ic)
	return nil
}

func (e *Engine) rollFutures(ctx context.Context, p domain.Position, ic config.InstrumentConfig, now time.Time) error {
	oldSymbol := broker.FuturesSymbol(ic.SymbolRoot, p.Expiry)
	exchange := domain.Exchange(ic.Exchange)

	q, err := e.broker.GetQuote(ctx, exchange, oldSymbol)
	basePrice := p.EntryPrice
	if err == nil {
		basePrice = q.Mid()
	}

	closeRes := e.limit.Execute(ctx, executor.Order{
		Symbol:      oldSymbol,
		Exchange:    exchange,
		Action:      domain.ActionSell,
		Lots:        p.Lots,
		LotSize:     ic.LotSize,
		SignalPrice: basePrice,
		LimitPrice:  basePrice,
	})
	if closeRes.Status != domain.ExecExecuted {
		p.Rollover = domain.RolloverFailed
		_, _ = e.book.UpdatePosition(ctx, p)
		return fmt.Errorf("rollover: close old contract: %s", closeRes.Notes)
	}
	rollPnL := (closeRes.FillPrice - p.EntryPrice) * float64(p.Quantity) * pointValue(ic)

	newExpiry := broker.NextMonthlyExpiry(p.Expiry)
	newSymbol := broker.FuturesSymbol(ic.SymbolRoot, newExpiry)

	openBase := closeRes.FillPrice
	if q, err := e.broker.GetQuote(ctx, exchange, newSymbol); err == nil {
		openBase = q.Mid()
	}
	openRes := e.limit.Execute(ctx, executor.Order{
		Symbol:      newSymbol,
		Exchange:    exchange,
		Action:      domain.ActionBuy,
		Lots:        p.Lots,
		LotSize:     ic.LotSize,
		SignalPrice: openBase,
		LimitPrice:  openBase,
	})
	if openRes.Status != domain.ExecExecuted {
		e.flatten(ctx, p, closeRes.FillPrice, openRes.Notes)
		return fmt.Errorf("rollover: open new contract, account flat: %s", openRes.Notes)
	}

	old := p
	p.OriginalExpiry = firstTime(p.OriginalExpiry, p.Expiry)
	p.OriginalEntry = firstFloat(p.OriginalEntry, p.EntryPrice)
	p.Expiry = newExpiry
	p.EntryPrice = openRes.FillPrice
	p.RolloverCount++
	p.RolloverPnL += rollPnL
	p.Rollover = domain.RolloverRolled

	if _, err := e.book.UpdatePosition(ctx, p); err != nil {
		return fmt.Errorf("rollover: persist rolled position: %w", err)
	}
	e.reconcile(ctx, old, p, ic)
	return nil
}

// flatten records the partial-rollover outcome: old contract closed, new one
// never opened. The position leaves the book and the operator is alerted.
func (e *Engine) flatten(ctx context.Context, p domain.Position, exitPrice float64, reason string) {
	p.Rollover = domain.RolloverFailed
	if _, err := e.book.UpdatePosition(ctx, p); err != nil {
		e.logger.Error("flatten: persist failed", slog.String("error", err.Error()))
	}
	if _, err := e.book.ClosePosition(ctx, p.ID, exitPrice, time.Now().UTC()); err != nil {
		e.logger.Error("flatten: close failed", slog.String("error", err.Error()))
	}

	e.logger.Error("partial rollover left account flat, manual re-entry required",
		slog.String("position_id", p.ID),
		slog.String("reason", reason),
	)
	if e.alerter != nil {
		_ = e.alerter.Notify(ctx, "rollover_flat", "Partial rollover, account flat",
			fmt.Sprintf("position %s closed but new contract failed to open: %s", p.ID, reason))
	}
}

// reconcile lists the broker positionbook and warns on mismatches: old
// symbols must be gone, new symbols present with matching quantity.
// Mismatches warn, they do not abort.
func (e *Engine) reconcile(ctx context.Context, old, cur domain.Position, ic config.InstrumentConfig) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.Warn("reconcile: positionbook unavailable", slog.String("error", err.Error()))
		return
	}

	by := make(map[string]int, len(positions))
	for _, bp := range positions {
		by[bp.Symbol] = bp.Quantity
	}

	for _, sym := range symbolsOf(old, ic.SymbolRoot) {
		if qty, present := by[sym]; present && qty != 0 {
			e.logger.Warn("reconcile: old contract still on tape",
				slog.String("symbol", sym), slog.Int("quantity", qty))
		}
	}
	for _, sym := range symbolsOf(cur, ic.SymbolRoot) {
		qty, present := by[sym]
		if !present || abs(qty) != cur.Quantity {
			e.logger.Warn("reconcile: new contract quantity mismatch",
				slog.String("symbol", sym),
				slog.Int("tape_quantity", qty),
				slog.Int("expected", cur.Quantity),
			)
		}
	}
}

// onTape reports whether the position's contracts appear in the broker
// positionbook.
func (e *Engine) onTape(ctx context.Context, p domain.Position, ic config.InstrumentConfig) bool {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.Warn("positionbook unavailable", slog.String("error", err.Error()))
		return false
	}
	want := symbolsOf(p, ic.SymbolRoot)
	for _, bp := range positions {
		for _, sym := range want {
			if bp.Symbol == sym && bp.Quantity != 0 {
				return true
			}
		}
	}
	return false
}

// underlyingPrice backs the underlying out of the old legs' quotes
// (strike + call - put); with no quotes the stored entry price stands.
func (e *Engine) underlyingPrice(ctx context.Context, p domain.Position, ic config.InstrumentConfig) float64 {
	exchange := domain.Exchange(ic.Exchange)
	put, errPut := e.broker.GetQuote(ctx, exchange, p.PutSymbol)
	call, errCall := e.broker.GetQuote(ctx, exchange, p.CallSymbol)
	if errPut != nil || errCall != nil {
		return p.EntryPrice
	}
	return p.Strike + call.Mid() - put.Mid()
}

func symbolsOf(p domain.Position, root string) []string {
	if p.TwoLeg() {
		return []string{p.PutSymbol, p.CallSymbol}
	}
	return []string{broker.FuturesSymbol(root, p.Expiry)}
}

func withinMarketHours(ic config.InstrumentConfig, now time.Time) bool {
	loc := ic.Location()
	local := now.In(loc)
	oh, om := ic.OpenClock()
	ch, cm := ic.CloseClock()
	openAt := time.Date(local.Year(), local.Month(), local.Day(), oh, om, 0, 0, loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), ch, cm, 0, 0, loc)
	return !local.Before(openAt) && local.Before(closeAt)
}

// pointValue is the currency multiplier per price point; rollover P&L uses
// the same multiplier as realized P&L in the book.
func pointValue(ic config.InstrumentConfig) float64 {
	if ic.PointValue > 0 {
		return ic.PointValue
	}
	return 1
}

func firstTime(existing, candidate time.Time) time.Time {
	if existing.IsZero() {
		return candidate
	}
	return existing
}

func firstFloat(existing, candidate float64) float64 {
	if existing == 0 {
		return candidate
	}
	return existing
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
