package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pmbot/internal/broker"
	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Synthetic outcome notes. RollbackFailedCritical means legs are inconsistent
// at the broker and an operator must intervene.
const (
	NoteFailedCECovered = "failed_ce_covered"
	NoteRollbackFailed  = "ROLLBACK_FAILED_CRITICAL"
	NoteExitCallCovered = "exit_call_covered"
)

// Alerter delivers operator alerts for critical rollback failures.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SyntheticResult is the outcome of a two-leg synthetic entry or exit.
type SyntheticResult struct {
	Status         domain.ExecStatus
	Put            domain.ExecutionResult
	Call           domain.ExecutionResult
	PutSymbol      string
	CallSymbol     string
	Strike         float64
	Expiry         time.Time
	SyntheticPrice float64 // strike + call - put
	Notes          string
	Critical       bool // operator intervention required
}

// SyntheticExecutor opens and closes synthetic-future positions: SELL an ATM
// put and BUY an ATM call of the same strike and expiry. Leg order is
// rollback-critical, so the put always trades first.
type SyntheticExecutor struct {
	broker  domain.Broker
	limit   *LimitExecutor
	alerter Alerter
	logger  *slog.Logger
}

// NewSyntheticExecutor creates a SyntheticExecutor sharing the limit
// executor's retry plan for each leg.
func NewSyntheticExecutor(b domain.Broker, limit *LimitExecutor, alerter Alerter, logger *slog.Logger) *SyntheticExecutor {
	return &SyntheticExecutor{
		broker:  b,
		limit:   limit,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "synthetic_executor")),
	}
}

// Legs resolves the contract symbols for a synthetic position at the given
// reference price and time.
func Legs(ic config.InstrumentConfig, refPrice float64, now time.Time) (strike float64, expiry time.Time, putSymbol, callSymbol string) {
	strike = broker.ATMStrike(refPrice, ic.StrikeInterval, ic.PreferThousand)
	if ic.UseMonthlyExpiry {
		expiry = broker.MonthlyExpiry(now)
	} else {
		expiry = broker.WeeklyExpiry(now)
	}
	putSymbol = broker.OptionSymbol(ic.SymbolRoot, expiry, strike, "PE")
	callSymbol = broker.OptionSymbol(ic.SymbolRoot, expiry, strike, "CE")
	return strike, expiry, putSymbol, callSymbol
}

// Enter opens a synthetic long: SELL put, then BUY call. A failed put leg
// aborts flat; a failed call leg triggers an emergency MARKET BUY covering
// the put.
func (e *SyntheticExecutor) Enter(ctx context.Context, ic config.InstrumentConfig, exchange domain.Exchange, refPrice float64, lots int, now time.Time) SyntheticResult {
	strike, expiry, putSym, callSym := Legs(ic, refPrice, now)
	res := SyntheticResult{
		Status:     domain.ExecFailed,
		PutSymbol:  putSym,
		CallSymbol: callSym,
		Strike:     strike,
		Expiry:     expiry,
	}

	res.Put = e.leg(ctx, ic, exchange, putSym, domain.ActionSell, lots)
	if res.Put.Status != domain.ExecExecuted {
		res.Notes = fmt.Sprintf("put_leg_failed: %s", res.Put.Notes)
		return res
	}

	res.Call = e.leg(ctx, ic, exchange, callSym, domain.ActionBuy, lots)
	if res.Call.Status != domain.ExecExecuted {
		return e.rollback(ctx, res, ic, exchange, putSym, domain.ActionBuy, lots, NoteFailedCECovered)
	}

	res.Status = domain.ExecExecuted
	res.SyntheticPrice = strike + res.Call.FillPrice - res.Put.FillPrice
	e.logger.Info("synthetic entry complete",
		slog.Float64("strike", strike),
		slog.Float64("synthetic_price", res.SyntheticPrice),
		slog.Int("lots", lots),
	)
	return res
}

// Exit closes a synthetic long: BUY put, then SELL call. A failed put leg
// aborts with the position intact; a failed call leg triggers an emergency
// MARKET SELL forcing the call out.
func (e *SyntheticExecutor) Exit(ctx context.Context, ic config.InstrumentConfig, exchange domain.Exchange, p domain.Position) SyntheticResult {
	res := SyntheticResult{
		Status:     domain.ExecFailed,
		PutSymbol:  p.PutSymbol,
		CallSymbol: p.CallSymbol,
		Strike:     p.Strike,
		Expiry:     p.Expiry,
	}

	res.Put = e.leg(ctx, ic, exchange, p.PutSymbol, domain.ActionBuy, p.Lots)
	if res.Put.Status != domain.ExecExecuted {
		res.Notes = fmt.Sprintf("put_leg_failed: %s", res.Put.Notes)
		return res
	}

	res.Call = e.leg(ctx, ic, exchange, p.CallSymbol, domain.ActionSell, p.Lots)
	if res.Call.Status != domain.ExecExecuted {
		// Force the call out at market; the put is already covered.
		market := e.limit.ExecuteMarket(ctx, Order{
			Symbol:   p.CallSymbol,
			Exchange: exchange,
			Action:   domain.ActionSell,
			Lots:     p.Lots,
			LotSize:  ic.LotSize,
		})
		if market.Status == domain.ExecExecuted {
			res.Call = market
			res.Status = domain.ExecExecuted
			res.Notes = NoteExitCallCovered
			res.SyntheticPrice = p.Strike + res.Call.FillPrice - res.Put.FillPrice
			return res
		}
		res.Notes = NoteRollbackFailed
		res.Critical = true
		e.alertCritical(ctx, p.CallSymbol, "exit call leg stuck after market cover failed")
		return res
	}

	res.Status = domain.ExecExecuted
	res.SyntheticPrice = p.Strike + res.Call.FillPrice - res.Put.FillPrice
	return res
}

// rollback flattens the already-filled first leg with a MARKET order after
// the second leg failed.
func (e *SyntheticExecutor) rollback(ctx context.Context, res SyntheticResult, ic config.InstrumentConfig, exchange domain.Exchange, symbol string, action domain.OrderAction, lots int, note string) SyntheticResult {
	e.logger.Error("second leg failed, covering first leg at market",
		slog.String("symbol", symbol),
		slog.String("action", string(action)),
	)

	cover := e.limit.ExecuteMarket(ctx, Order{
		Symbol:   symbol,
		Exchange: exchange,
		Action:   action,
		Lots:     lots,
		LotSize:  ic.LotSize,
	})
	if cover.Status == domain.ExecExecuted {
		res.Status = domain.ExecFailed
		res.Notes = note
		return res
	}

	res.Status = domain.ExecFailed
	res.Notes = NoteRollbackFailed
	res.Critical = true
	e.alertCritical(ctx, symbol, "first leg could not be covered at market")
	return res
}

// leg executes one option leg through the progressive limit strategy, seeded
// with the leg's own mid-quote. With no quote available the leg goes straight
// to market.
func (e *SyntheticExecutor) leg(ctx context.Context, ic config.InstrumentConfig, exchange domain.Exchange, symbol string, action domain.OrderAction, lots int) domain.ExecutionResult {
	ord := Order{
		Symbol:   symbol,
		Exchange: exchange,
		Action:   action,
		Lots:     lots,
		LotSize:  ic.LotSize,
	}

	q, err := e.broker.GetQuote(ctx, exchange, symbol)
	if err != nil {
		e.logger.Warn("leg quote unavailable, using market order",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return e.limit.ExecuteMarket(ctx, ord)
	}

	ord.SignalPrice = q.Mid()
	ord.LimitPrice = q.Mid()
	return e.limit.Execute(ctx, ord)
}

func (e *SyntheticExecutor) alertCritical(ctx context.Context, symbol, detail string) {
	e.logger.Error("ROLLBACK_FAILED_CRITICAL", slog.String("symbol", symbol), slog.String("detail", detail))
	if e.alerter != nil {
		_ = e.alerter.Notify(ctx, "rollback_failed", "Rollback failed, intervene now",
			fmt.Sprintf("leg %s inconsistent at broker: %s", symbol, detail))
	}
}
