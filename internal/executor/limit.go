// Package executor places broker orders for validated signals: a progressive
// limit-improvement strategy with a market fallback, and a two-leg synthetic
// executor with emergency rollback. It also owns the signal dedup cache.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Partial-fill strategy names.
const (
	PartialCancel    = "cancel"
	PartialWait      = "wait"
	PartialReattempt = "reattempt"
)

// Plan is the executor's retry schedule. Offsets are cumulative percentages
// applied to the limit price, in the adverse direction (up for buys, down for
// sells).
type Plan struct {
	Offsets          []float64 // e.g. {0, 0.5, 1.0, 1.5}
	AttemptTimeout   time.Duration
	PollInterval     time.Duration
	HardSlippagePct  float64 // vs signal price, e.g. 2.0
	PartialStrategy  string
	PartialWaitFor   time.Duration
	ReattemptBumpPct float64
	MarketConfirm    time.Duration
}

// PlanFromConfig builds the live-trading plan.
func PlanFromConfig(cfg config.ExecutionConfig) Plan {
	p := Plan{
		Offsets:          cfg.LimitOffsets,
		AttemptTimeout:   time.Duration(cfg.AttemptTimeoutSec) * time.Second,
		PollInterval:     time.Duration(cfg.PollIntervalSec * float64(time.Second)),
		HardSlippagePct:  cfg.HardSlippageLimit,
		PartialStrategy:  cfg.PartialFillStrategy,
		PartialWaitFor:   time.Duration(cfg.PartialWaitSec) * time.Second,
		ReattemptBumpPct: cfg.ReattemptBumpPct,
		MarketConfirm:    time.Duration(cfg.MarketConfirmSec) * time.Second,
	}
	if len(p.Offsets) == 0 {
		p.Offsets = []float64{0, 0.5, 1.0, 1.5}
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.HardSlippagePct <= 0 {
		p.HardSlippagePct = 2.0
	}
	if p.PartialStrategy == "" {
		p.PartialStrategy = PartialCancel
	}
	if p.PartialWaitFor <= 0 {
		p.PartialWaitFor = 30 * time.Second
	}
	if p.ReattemptBumpPct <= 0 {
		p.ReattemptBumpPct = 0.1
	}
	if p.MarketConfirm <= 0 {
		p.MarketConfirm = 2 * time.Second
	}
	return p
}

// RolloverPlan builds the tighter schedule the rollover engine uses: initial
// offset 0.25%, +0.05% per retry, five retries at three-second attempts, then
// market.
func RolloverPlan(cfg config.RolloverConfig) Plan {
	initial := cfg.InitialBufferPct
	if initial <= 0 {
		initial = 0.25
	}
	step := cfg.IncrementPct
	if step <= 0 {
		step = 0.05
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	interval := time.Duration(cfg.RetryIntervalSec) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}

	offsets := make([]float64, retries)
	for i := range offsets {
		offsets[i] = initial + float64(i)*step
	}
	return Plan{
		Offsets:         offsets,
		AttemptTimeout:  interval,
		PollInterval:    interval,
		HardSlippagePct: 2.0,
		PartialStrategy: PartialCancel,
		MarketConfirm:   2 * time.Second,
	}
}

// Order is one logical order for the limit executor.
type Order struct {
	Symbol      string
	Exchange    domain.Exchange
	Action      domain.OrderAction
	Lots        int
	LotSize     int
	SignalPrice float64 // slippage reference
	LimitPrice  float64 // attempt base, typically broker mid
	Product     string
}

// LimitExecutor runs the progressive limit-improvement strategy.
type LimitExecutor struct {
	broker domain.Broker
	plan   Plan
	logger *slog.Logger
}

// NewLimitExecutor creates a LimitExecutor with the given plan.
func NewLimitExecutor(broker domain.Broker, plan Plan, logger *slog.Logger) *LimitExecutor {
	return &LimitExecutor{
		broker: broker,
		plan:   plan,
		logger: logger.With(slog.String("component", "limit_executor")),
	}
}

// fillState accumulates fills across broker orders for weighted-average
// merging.
type fillState struct {
	lots  int
	value float64 // sum of fillPrice * lots
}

func (f *fillState) add(lots int, price float64) {
	f.lots += lots
	f.value += price * float64(lots)
}

func (f *fillState) avg() float64 {
	if f.lots == 0 {
		return 0
	}
	return f.value / float64(f.lots)
}

// Execute works the order through the improvement schedule and, if every
// attempt times out, a market fallback. Slippage is always (fill - signal) /
// signal.
func (e *LimitExecutor) Execute(ctx context.Context, ord Order) domain.ExecutionResult {
	res := domain.ExecutionResult{Status: domain.ExecFailed}
	fills := &fillState{}

	dir := 1.0
	if ord.Action == domain.ActionSell {
		dir = -1.0
	}

	orderID := ""
	remaining := ord.Lots

	for i, offset := range e.plan.Offsets {
		res.Attempts = i + 1
		price := ord.LimitPrice * (1 + dir*offset/100)

		// Hard ceiling vs the signal price, before the attempt goes out.
		if adverse := dir * (price - ord.SignalPrice) / ord.SignalPrice * 100; adverse > e.plan.HardSlippagePct {
			e.cancelIfPending(ctx, orderID)
			return e.finish(res, fills, ord, "hard_slippage_limit_exceeded", domain.ExecRejected)
		}

		var err error
		orderID, err = e.placeOrImprove(ctx, ord, orderID, price, remaining)
		if err != nil {
			e.logger.Warn("attempt failed to place",
				slog.String("symbol", ord.Symbol),
				slog.Int("attempt", res.Attempts),
				slog.String("error", err.Error()),
			)
			orderID = ""
			continue
		}
		res.OrderIDs = appendUnique(res.OrderIDs, orderID)

		outcome := e.pollOrder(ctx, orderID, e.plan.AttemptTimeout)
		switch outcome.kind {
		case pollFilled:
			fills.add(remaining, outcome.state.FillPrice)
			return e.finish(res, fills, ord, "", domain.ExecExecuted)

		case pollPartial:
			return e.handlePartial(ctx, ord, orderID, outcome.state, remaining, fills, res)

		case pollDead:
			// Rejected or cancelled server-side; next attempt starts fresh.
			orderID = ""

		case pollTimeout:
			// Keep the order; the next loop iteration improves its price.

		case pollCtxDone:
			e.cancelIfPending(ctx, orderID)
			return e.finish(res, fills, ord, "context_cancelled", domain.ExecFailed)
		}
	}

	// All limit attempts exhausted; market is the last resort.
	e.cancelIfPending(ctx, orderID)
	return e.marketFallback(ctx, ord, remaining, fills, res)
}

// placeOrImprove modifies the live order to the new price, or places a fresh
// one. A failed modify falls back to cancel-and-replace.
func (e *LimitExecutor) placeOrImprove(ctx context.Context, ord Order, orderID string, price float64, lots int) (string, error) {
	if orderID != "" {
		if err := e.broker.ModifyOrder(ctx, orderID, price, domain.OrderTypeLimit); err == nil {
			return orderID, nil
		}
		e.cancelIfPending(ctx, orderID)
	}

	return e.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   ord.Symbol,
		Action:   ord.Action,
		Quantity: lots * ord.LotSize,
		Type:     domain.OrderTypeLimit,
		Product:  ord.Product,
		Exchange: ord.Exchange,
		Price:    price,
	})
}

type pollKind int

const (
	pollFilled pollKind = iota
	pollPartial
	pollDead
	pollTimeout
	pollCtxDone
)

type pollOutcome struct {
	kind  pollKind
	state domain.OrderState
}

// pollOrder polls order status until fill, death, or the deadline.
func (e *LimitExecutor) pollOrder(ctx context.Context, orderID string, timeout time.Duration) pollOutcome {
	deadline := time.Now().Add(timeout)
	for {
		st, err := e.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch st.Status {
			case domain.OrderComplete:
				return pollOutcome{kind: pollFilled, state: st}
			case domain.OrderPartial:
				return pollOutcome{kind: pollPartial, state: st}
			case domain.OrderRejected, domain.OrderCancelled:
				return pollOutcome{kind: pollDead, state: st}
			}
		} else {
			e.logger.Warn("order status poll failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
		}

		if time.Now().After(deadline) {
			return pollOutcome{kind: pollTimeout, state: st}
		}
		select {
		case <-ctx.Done():
			return pollOutcome{kind: pollCtxDone}
		case <-time.After(e.plan.PollInterval):
		}
	}
}

// handlePartial dispatches a partial fill to the configured strategy.
func (e *LimitExecutor) handlePartial(
	ctx context.Context,
	ord Order,
	orderID string,
	st domain.OrderState,
	remaining int,
	fills *fillState,
	res domain.ExecutionResult,
) domain.ExecutionResult {
	filled := st.FilledLots
	residual := remaining - filled

	switch e.plan.PartialStrategy {
	case PartialWait:
		outcome := e.pollOrder(ctx, orderID, e.plan.PartialWaitFor)
		if outcome.kind == pollFilled {
			fills.add(remaining, outcome.state.FillPrice)
			return e.finish(res, fills, ord, "", domain.ExecExecuted)
		}
		if outcome.state.FilledLots > filled {
			filled = outcome.state.FilledLots
			residual = remaining - filled
		}
		e.cancelIfPending(ctx, orderID)
		fills.add(filled, st.FillPrice)
		res.CancelledLots = residual
		return e.finish(res, fills, ord, "partial_after_wait", domain.ExecPartial)

	case PartialReattempt:
		e.cancelIfPending(ctx, orderID)
		fills.add(filled, st.FillPrice)

		dir := 1.0
		if ord.Action == domain.ActionSell {
			dir = -1.0
		}
		bumped := st.FillPrice * (1 + dir*e.plan.ReattemptBumpPct/100)
		newID, err := e.broker.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:   ord.Symbol,
			Action:   ord.Action,
			Quantity: residual * ord.LotSize,
			Type:     domain.OrderTypeLimit,
			Product:  ord.Product,
			Exchange: ord.Exchange,
			Price:    bumped,
		})
		if err != nil {
			res.CancelledLots = residual
			return e.finish(res, fills, ord, "reattempt_place_failed", domain.ExecPartial)
		}
		res.OrderIDs = appendUnique(res.OrderIDs, newID)
		res.Attempts++

		outcome := e.pollOrder(ctx, newID, e.plan.AttemptTimeout)
		if outcome.kind == pollFilled {
			fills.add(residual, outcome.state.FillPrice)
			return e.finish(res, fills, ord, "reattempt_merged", domain.ExecExecuted)
		}
		e.cancelIfPending(ctx, newID)
		if outcome.state.FilledLots > 0 {
			fills.add(outcome.state.FilledLots, outcome.state.FillPrice)
			residual -= outcome.state.FilledLots
		}
		res.CancelledLots = residual
		return e.finish(res, fills, ord, "partial_after_reattempt", domain.ExecPartial)

	default: // PartialCancel
		e.cancelIfPending(ctx, orderID)
		fills.add(filled, st.FillPrice)
		res.CancelledLots = residual
		return e.finish(res, fills, ord, "partial_cancelled", domain.ExecPartial)
	}
}

// marketFallback places a MARKET order for the unfilled remainder with a
// short confirmation window.
func (e *LimitExecutor) marketFallback(ctx context.Context, ord Order, lots int, fills *fillState, res domain.ExecutionResult) domain.ExecutionResult {
	orderID, err := e.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   ord.Symbol,
		Action:   ord.Action,
		Quantity: lots * ord.LotSize,
		Type:     domain.OrderTypeMarket,
		Product:  ord.Product,
		Exchange: ord.Exchange,
	})
	if err != nil {
		return e.finish(res, fills, ord, fmt.Sprintf("market_fallback_failed: %v", err), domain.ExecFailed)
	}
	res.OrderIDs = appendUnique(res.OrderIDs, orderID)
	res.Attempts++

	outcome := e.pollOrder(ctx, orderID, e.plan.MarketConfirm)
	if outcome.kind == pollFilled {
		fills.add(lots, outcome.state.FillPrice)
		return e.finish(res, fills, ord, "market_fallback", domain.ExecExecuted)
	}
	return e.finish(res, fills, ord, "market_fallback_unconfirmed", domain.ExecFailed)
}

// ExecuteMarket places a MARKET order directly, bypassing the limit
// schedule. Used for emergency covers and quote-less legs.
func (e *LimitExecutor) ExecuteMarket(ctx context.Context, ord Order) domain.ExecutionResult {
	return e.marketFallback(ctx, ord, ord.Lots, &fillState{}, domain.ExecutionResult{Status: domain.ExecFailed})
}

// finish stamps the aggregate fill, slippage, status, and note.
func (e *LimitExecutor) finish(res domain.ExecutionResult, fills *fillState, ord Order, note string, status domain.ExecStatus) domain.ExecutionResult {
	res.Status = status
	res.Notes = note
	res.FilledLots = fills.lots
	res.FillPrice = fills.avg()
	if res.FillPrice > 0 && ord.SignalPrice > 0 {
		res.SlippagePct = (res.FillPrice - ord.SignalPrice) / ord.SignalPrice * 100
	}

	e.logger.Info("execution finished",
		slog.String("symbol", ord.Symbol),
		slog.String("status", string(res.Status)),
		slog.Int("filled_lots", res.FilledLots),
		slog.Float64("fill_price", res.FillPrice),
		slog.Float64("slippage_pct", res.SlippagePct),
		slog.Int("attempts", res.Attempts),
		slog.String("notes", res.Notes),
	)
	return res
}

func (e *LimitExecutor) cancelIfPending(ctx context.Context, orderID string) {
	if orderID == "" {
		return
	}
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		e.logger.Warn("cancel failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
