// Package engine orchestrates the signal pipeline: validation, sizing, the
// portfolio gate, execution, persistence, and the audit row. One engine
// instance runs per process; only the leader's engine receives signals.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pmbot/internal/broker"
	"pmbot/internal/config"
	"pmbot/internal/domain"
	"pmbot/internal/executor"
	"pmbot/internal/portfolio"
	"pmbot/internal/sizing"
	"pmbot/internal/validate"
)

// Publisher receives engine events for the live event stream. Implementations
// must not block.
type Publisher interface {
	Publish(event string, payload any)
}

// Result is the engine's disposition of one signal, mapped by the ingress
// layer onto HTTP responses.
type Result struct {
	Outcome domain.SignalOutcome
	Reason  string
	Audit   domain.SignalAudit
}

// Deps carries the engine's collaborators. Confirmer, Signals, and Events may
// be nil.
type Deps struct {
	Risk        config.RiskConfig
	Instruments map[string]config.InstrumentConfig
	TestMode    bool
	Validator   *validate.Validator
	Sizer       *sizing.Sizer
	Book        *portfolio.Book
	Broker      domain.Broker
	Dedup       *executor.Dedup
	Limit       *executor.LimitExecutor
	Synthetic   *executor.SyntheticExecutor
	Confirmer   domain.Confirmer
	Signals     domain.SignalStore
	Events      Publisher
	Logger      *slog.Logger
}

// Engine dispatches signals by kind. Processing is serialized by an
// in-process mutex: the leader is already a fleet singleton, so the lock only
// coordinates webhook, EOD, and MARKET_DATA concurrency inside one process.
type Engine struct {
	risk        config.RiskConfig
	instruments map[string]config.InstrumentConfig
	testMode    bool
	validator   *validate.Validator
	sizer       *sizing.Sizer
	book        *portfolio.Book
	broker      domain.Broker
	dedup       *executor.Dedup
	limit       *executor.LimitExecutor
	synthetic   *executor.SyntheticExecutor
	confirmer   domain.Confirmer
	signals     domain.SignalStore
	events      Publisher
	logger      *slog.Logger

	mu sync.Mutex

	eodMu     sync.Mutex
	eodLatest map[domain.Instrument]domain.Signal
	eodPlans  map[domain.Instrument]*eodPlan
}

// New creates an Engine.
func New(d Deps) *Engine {
	return &Engine{
		risk:        d.Risk,
		instruments: d.Instruments,
		testMode:    d.TestMode,
		validator:   d.Validator,
		sizer:       d.Sizer,
		book:        d.Book,
		broker:      d.Broker,
		dedup:       d.Dedup,
		limit:       d.Limit,
		synthetic:   d.Synthetic,
		confirmer:   d.Confirmer,
		signals:     d.Signals,
		events:      d.Events,
		logger:      d.Logger.With(slog.String("component", "engine")),
		eodLatest:   make(map[domain.Instrument]domain.Signal),
		eodPlans:    make(map[domain.Instrument]*eodPlan),
	}
}

// Dedup exposes the shared fingerprint cache to the ingress layer.
func (e *Engine) Dedup() *executor.Dedup {
	return e.dedup
}

// Process runs one signal through the pipeline and writes its audit row.
func (e *Engine) Process(ctx context.Context, s domain.Signal) Result {
	return e.process(ctx, s, false)
}

func (e *Engine) process(ctx context.Context, s domain.Signal, eodRun bool) Result {
	start := time.Now()
	audit := domain.SignalAudit{
		Fingerprint: s.Fingerprint(),
		Instrument:  s.Instrument,
		Kind:        s.Kind,
		Position:    s.Position,
		SignalTime:  s.Timestamp,
		ReceivedAt:  start,
	}
	if eodRun {
		audit.Reason = "eod"
	}

	if e.dedup != nil && e.dedup.WasExecutedAtEOD(s) {
		return e.finish(ctx, &audit, start, domain.OutcomeSkipped, "already_executed_at_eod")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ic, ok := e.instruments[string(s.Instrument)]
	if !ok {
		return e.finish(ctx, &audit, start, domain.OutcomeRejectedValidation, "unknown_instrument")
	}

	cond := e.validator.Condition(s, time.Now())
	audit.Validation = &cond
	if !cond.Passed {
		if !e.confirmOverride(s, "validation_failure", cond.Reason, cond.Severity) {
			return e.finish(ctx, &audit, start, domain.OutcomeRejectedValidation, cond.Reason)
		}
		e.logger.Warn("operator overrode condition validation",
			slog.String("fingerprint", audit.Fingerprint),
			slog.String("reason", cond.Reason),
		)
	}

	switch s.Kind {
	case domain.SignalBaseEntry:
		return e.baseEntry(ctx, ic, s, &audit, start)
	case domain.SignalPyramid:
		return e.pyramid(ctx, ic, s, &audit, start)
	case domain.SignalExit:
		return e.exit(ctx, ic, s, &audit, start)
	case domain.SignalEODMonitor:
		e.recordEODSignal(s)
		return e.finish(ctx, &audit, start, domain.OutcomeProcessed, "eod_monitor_recorded")
	case domain.SignalMarketData:
		return e.marketData(ctx, ic, s, &audit, start)
	default:
		return e.finish(ctx, &audit, start, domain.OutcomeRejectedValidation, "unknown_signal_type")
	}
}

func (e *Engine) baseEntry(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, audit *domain.SignalAudit, start time.Time) Result {
	if _, exists := e.book.BasePosition(s.Instrument); exists {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedValidation, "base_position_exists")
	}

	equity, high := e.book.Equity()
	margin := equity
	if funds, err := e.broker.GetFunds(ctx); err == nil {
		margin = funds.AvailableMargin
	} else {
		e.logger.Warn("funds unavailable, margin constraint uses closed equity",
			slog.String("error", err.Error()))
	}

	rec := e.sizer.BaseEntry(sizing.Inputs{
		Price:      s.Price,
		Stop:       s.Stop,
		ATR:        s.ATR,
		EquityHigh: high,
		Equity:     equity,
		Margin:     margin,
	}, ic)
	rec = sizing.ApplyTestMode(rec, e.testMode)
	audit.Sizing = &rec
	if rec.FinalLots <= 0 {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedRisk,
			fmt.Sprintf("zero_lots_limiter_%s", rec.Limiter))
	}

	lots, res := e.validateExecution(ctx, ic, s, audit)
	if res != nil {
		return e.finish(ctx, audit, start, res.Outcome, res.Reason)
	}
	if lots == 0 || lots > rec.FinalLots {
		lots = rec.FinalLots
	}

	gate := e.gate(ic, s, lots)
	audit.Risk = &gate
	if !gate.Allowed {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedRisk, gate.Reason)
	}

	return e.openPosition(ctx, ic, s, audit, start, lots, true)
}

func (e *Engine) pyramid(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, audit *domain.SignalAudit, start time.Time) Result {
	base, ok := e.book.BasePosition(s.Instrument)
	if !ok {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedValidation, "no_base_position")
	}

	level := e.book.OpenCount(s.Instrument) // base counts as 1, so the first add is level 1
	if e.risk.MaxPyramidLevels > 0 && level > e.risk.MaxPyramidLevels {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedRisk, "max_pyramid_level")
	}

	ps := e.book.PyramidState(s.Instrument)
	if ps.LastPyramidPrice > 0 && s.ATR > 0 && s.Price-ps.LastPyramidPrice < s.ATR {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedValidation, "insufficient_price_advance")
	}

	equity, high := e.book.Equity()
	margin := equity
	if funds, err := e.broker.GetFunds(ctx); err == nil {
		margin = funds.AvailableMargin
	}

	pv := pointValue(ic)
	openRisk, profit := e.instrumentRiskAndProfit(s.Instrument, s.Price, pv)
	baseRisk := (base.EntryPrice - base.InitialStop) * float64(base.Quantity) * pv

	rec := e.sizer.Pyramid(sizing.Inputs{
		Price:            s.Price,
		Stop:             s.Stop,
		ATR:              s.ATR,
		EquityHigh:       high,
		Equity:           equity,
		Margin:           margin,
		PyramidLevel:     level,
		BaseRiskAmount:   baseRisk,
		OpenRiskAmount:   openRisk,
		UnrealizedProfit: profit,
	}, ic)
	rec = sizing.ApplyTestMode(rec, e.testMode)
	audit.Sizing = &rec
	if rec.FinalLots <= 0 {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedRisk,
			fmt.Sprintf("zero_lots_limiter_%s", rec.Limiter))
	}

	lots, res := e.validateExecution(ctx, ic, s, audit)
	if res != nil {
		return e.finish(ctx, audit, start, res.Outcome, res.Reason)
	}
	if lots == 0 || lots > rec.FinalLots {
		lots = rec.FinalLots
	}

	gate := e.gate(ic, s, lots)
	audit.Risk = &gate
	if !gate.Allowed {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedRisk, gate.Reason)
	}

	return e.openPosition(ctx, ic, s, audit, start, lots, false)
}

// validateExecution runs stage-2 validation. A nil Result means proceed; lots
// is the risk-adjusted count (0 when no live price was available).
func (e *Engine) validateExecution(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, audit *domain.SignalAudit) (int, *Result) {
	rec := e.validator.Execution(ctx, s, domain.Exchange(ic.Exchange), e.quoteSymbol(ic, time.Now()))
	audit.Validation = &rec
	if !rec.Passed {
		if !e.confirmOverride(s, "execution_failure", rec.Reason, rec.Severity) {
			return 0, &Result{Outcome: domain.OutcomeRejectedManual, Reason: rec.Reason}
		}
		e.logger.Warn("operator overrode execution validation",
			slog.String("reason", rec.Reason))
	}

	if rec.LivePrice > 0 && audit.Sizing != nil {
		adjusted := validate.AdjustLotsForRisk(audit.Sizing.FinalLots, s.Price, rec.LivePrice, s.Stop)
		return adjusted, nil
	}
	return 0, nil
}

func (e *Engine) gate(ic config.InstrumentConfig, s domain.Signal, lots int) domain.RiskRecord {
	pv := pointValue(ic)
	qty := float64(lots * ic.LotSize)
	estRisk := (s.Price - s.Stop) * qty * pv
	estVol := s.ATR * qty * pv
	return e.book.Gate(estRisk, estVol)
}

// openPosition executes the entry and registers the resulting position.
func (e *Engine) openPosition(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, audit *domain.SignalAudit, start time.Time, lots int, isBase bool) Result {
	now := time.Now()
	exchange := domain.Exchange(ic.Exchange)

	p := domain.Position{
		Instrument:   s.Instrument,
		Label:        s.Position,
		EntryTime:    now,
		Lots:         lots,
		Quantity:     lots * ic.LotSize,
		InitialStop:  s.Stop,
		CurrentStop:  s.Stop,
		HighestClose: s.Price,
		IsBase:       isBase,
		Rollover:     domain.RolloverNone,
	}

	if ic.TwoLeg {
		sr := e.synthetic.Enter(ctx, ic, exchange, s.Price, lots, now)
		audit.Execution = syntheticRecord(sr, lots)
		if sr.Status != domain.ExecExecuted {
			return e.finish(ctx, audit, start, domain.OutcomeFailedOrder, sr.Notes)
		}
		p.EntryPrice = sr.SyntheticPrice
		p.PutSymbol = sr.PutSymbol
		p.CallSymbol = sr.CallSymbol
		p.PutEntry = sr.Put.FillPrice
		p.CallEntry = sr.Call.FillPrice
		p.Strike = sr.Strike
		p.Expiry = sr.Expiry
	} else {
		expiry := broker.MonthlyExpiry(now)
		symbol := broker.FuturesSymbol(ic.SymbolRoot, expiry)
		res := e.limit.Execute(ctx, executor.Order{
			Symbol:      symbol,
			Exchange:    exchange,
			Action:      domain.ActionBuy,
			Lots:        lots,
			LotSize:     ic.LotSize,
			SignalPrice: s.Price,
			LimitPrice:  s.Price,
		})
		audit.Execution = executionRecord(res)
		switch res.Status {
		case domain.ExecExecuted:
		case domain.ExecPartial:
			if res.FilledLots == 0 {
				return e.finish(ctx, audit, start, domain.OutcomeFailedOrder, res.Notes)
			}
			p.Lots = res.FilledLots
			p.Quantity = res.FilledLots * ic.LotSize
		default:
			return e.finish(ctx, audit, start, domain.OutcomeFailedOrder, res.Notes)
		}
		p.EntryPrice = res.FillPrice
		p.Expiry = expiry
	}

	volAmount := s.ATR * float64(p.Quantity) * pointValue(ic)
	saved, err := e.book.AddPosition(ctx, p, volAmount)
	if err != nil {
		e.logger.Error("position persist failed after fill",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
		return e.finish(ctx, audit, start, domain.OutcomeFailedOrder, "persist_failed")
	}

	ps := e.book.PyramidState(s.Instrument)
	ps.Instrument = s.Instrument
	ps.LastPyramidPrice = s.Price
	if isBase {
		ps.BasePositionID = &saved.ID
	}
	if err := e.book.SetPyramidState(ctx, ps); err != nil {
		e.logger.Warn("pyramid state persist failed", slog.String("error", err.Error()))
	}

	outcome := domain.OutcomeProcessed
	if audit.Execution != nil && audit.Execution.Status == string(domain.ExecPartial) {
		outcome = domain.OutcomePartialFill
	}
	return e.finish(ctx, audit, start, outcome, "")
}

func (e *Engine) exit(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, audit *domain.SignalAudit, start time.Time) Result {
	var targets []domain.Position
	if s.Position == domain.PositionAll {
		targets = e.book.OpenPositions(s.Instrument)
		sort.Slice(targets, func(i, k int) bool { return targets[i].Label < targets[k].Label })
	} else {
		p, ok := e.book.Position(domain.PositionID(s.Instrument, s.Position))
		if !ok {
			return e.finish(ctx, audit, start, domain.OutcomeRejectedValidation, "position_not_found")
		}
		targets = []domain.Position{p}
	}
	if len(targets) == 0 {
		return e.finish(ctx, audit, start, domain.OutcomeRejectedValidation, "no_open_positions")
	}

	closed := 0
	for _, p := range targets {
		if err := e.book.MarkClosing(ctx, p.ID); err != nil {
			e.logger.Warn("exit skipped, position already closing",
				slog.String("position_id", p.ID))
			continue
		}
		exitPrice, rec, ok := e.closePosition(ctx, ic, s, p)
		audit.Execution = rec
		if !ok {
			e.logger.Error("exit order failed, position stays in closing state",
				slog.String("position_id", p.ID),
				slog.String("notes", rec.Notes),
			)
			continue
		}
		if _, err := e.book.ClosePosition(ctx, p.ID, exitPrice, time.Now().UTC()); err != nil {
			e.logger.Error("close persist failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
		closed++
	}

	if closed == 0 {
		return e.finish(ctx, audit, start, domain.OutcomeFailedOrder, "exit_failed")
	}
	return e.finish(ctx, audit, start, domain.OutcomeProcessed, fmt.Sprintf("closed_%d", closed))
}

// closePosition sends the closing order for one position.
func (e *Engine) closePosition(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, p domain.Position) (float64, *domain.ExecutionRecord, bool) {
	exchange := domain.Exchange(ic.Exchange)

	if p.TwoLeg() {
		sr := e.synthetic.Exit(ctx, ic, exchange, p)
		rec := syntheticRecord(sr, p.Lots)
		return sr.SyntheticPrice, rec, sr.Status == domain.ExecExecuted
	}

	symbol := broker.FuturesSymbol(ic.SymbolRoot, p.Expiry)
	base := s.Price
	if q, err := e.broker.GetQuote(ctx, exchange, symbol); err == nil {
		base = q.Mid()
	}
	res := e.limit.Execute(ctx, executor.Order{
		Symbol:      symbol,
		Exchange:    exchange,
		Action:      domain.ActionSell,
		Lots:        p.Lots,
		LotSize:     ic.LotSize,
		SignalPrice: base,
		LimitPrice:  base,
	})
	return res.FillPrice, executionRecord(res), res.Status == domain.ExecExecuted
}

// marketData trails protective stops and fires stop-hit exits.
func (e *Engine) marketData(ctx context.Context, ic config.InstrumentConfig, s domain.Signal, audit *domain.SignalAudit, start time.Time) Result {
	k := ic.TrailATRMult
	if k <= 0 {
		k = 2.5
	}

	trailed, stopped := 0, 0
	for _, p := range e.book.OpenPositions(s.Instrument) {
		if p.Status == domain.PositionStatusClosing {
			continue
		}
		if s.ATR > 0 && p.TrailStop(s.Price-k*s.ATR) {
			updated, err := e.book.UpdatePosition(ctx, p)
			if err != nil {
				e.logger.Warn("stop trail persist failed",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
			} else {
				p = updated
			}
			trailed++
		}

		if s.Price < p.CurrentStop {
			// Stop hit: PM-initiated exit behind the closing guard.
			if err := e.book.MarkClosing(ctx, p.ID); err != nil {
				continue
			}
			exitPrice, rec, ok := e.closePosition(ctx, ic, s, p)
			audit.Execution = rec
			if !ok {
				e.logger.Error("stop-hit exit failed",
					slog.String("position_id", p.ID),
					slog.String("notes", rec.Notes),
				)
				continue
			}
			if _, err := e.book.ClosePosition(ctx, p.ID, exitPrice, time.Now().UTC()); err != nil {
				e.logger.Error("close persist failed", slog.String("error", err.Error()))
			}
			stopped++
		}
	}

	return e.finish(ctx, audit, start, domain.OutcomeProcessed,
		fmt.Sprintf("trailed_%d_stopped_%d", trailed, stopped))
}

// confirmOverride escalates a recoverable failure to the operator. Without a
// confirmer the default is to reject.
func (e *Engine) confirmOverride(s domain.Signal, kind, reason, severity string) bool {
	if e.confirmer == nil {
		return false
	}
	res := e.confirmer.Confirm(domain.ConfirmationRequest{
		Type:  kind,
		Title: fmt.Sprintf("%s %s: %s", s.Instrument, s.Kind, reason),
		Context: map[string]string{
			"instrument": string(s.Instrument),
			"position":   s.Position,
			"reason":     reason,
			"severity":   severity,
		},
		Options:       []string{"Execute Anyway", "Reject"},
		DefaultOption: "Reject",
	})
	return res.Action == "Execute Anyway"
}

// quoteSymbol picks the symbol stage-2 validation quotes against: the spot
// root for two-leg instruments, the front futures contract otherwise.
func (e *Engine) quoteSymbol(ic config.InstrumentConfig, now time.Time) string {
	if ic.TwoLeg {
		return ic.SymbolRoot
	}
	return broker.FuturesSymbol(ic.SymbolRoot, broker.MonthlyExpiry(now))
}

// instrumentRiskAndProfit sums open monetary risk and unrealized profit for
// an instrument, marking open positions at the given price.
func (e *Engine) instrumentRiskAndProfit(instrument domain.Instrument, mark, pv float64) (risk, profit float64) {
	for _, p := range e.book.OpenPositions(instrument) {
		qty := float64(p.Quantity)
		risk += (p.EntryPrice - p.CurrentStop) * qty * pv
		profit += (mark - p.EntryPrice) * qty * pv
	}
	return risk, profit
}

// finish stamps the audit row, persists it, publishes the event, and builds
// the Result.
func (e *Engine) finish(ctx context.Context, audit *domain.SignalAudit, start time.Time, outcome domain.SignalOutcome, reason string) Result {
	audit.Outcome = outcome
	if reason != "" {
		if audit.Reason == "eod" {
			audit.Reason = "eod: " + reason
		} else {
			audit.Reason = reason
		}
	}
	audit.DurationMS = time.Since(start).Milliseconds()

	if e.signals != nil {
		if err := e.signals.LogAudit(ctx, *audit); err != nil {
			e.logger.Warn("audit write failed",
				slog.String("fingerprint", audit.Fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.events != nil {
		e.events.Publish("signal", map[string]any{
			"fingerprint": audit.Fingerprint,
			"instrument":  audit.Instrument,
			"kind":        audit.Kind,
			"outcome":     outcome,
			"reason":      audit.Reason,
			"duration_ms": audit.DurationMS,
		})
	}

	e.logger.Info("signal disposed",
		slog.String("fingerprint", audit.Fingerprint),
		slog.String("kind", string(audit.Kind)),
		slog.String("outcome", string(outcome)),
		slog.String("reason", audit.Reason),
		slog.Int64("duration_ms", audit.DurationMS),
	)
	return Result{Outcome: outcome, Reason: audit.Reason, Audit: *audit}
}

func executionRecord(res domain.ExecutionResult) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		Status:        string(res.Status),
		FillPrice:     res.FillPrice,
		FilledLots:    res.FilledLots,
		CancelledLots: res.CancelledLots,
		SlippagePct:   res.SlippagePct,
		OrderIDs:      res.OrderIDs,
		Attempts:      res.Attempts,
		Notes:         res.Notes,
	}
}

func syntheticRecord(sr executor.SyntheticResult, lots int) *domain.ExecutionRecord {
	rec := &domain.ExecutionRecord{
		Status:    string(sr.Status),
		FillPrice: sr.SyntheticPrice,
		Notes:     sr.Notes,
		OrderIDs:  append(append([]string(nil), sr.Put.OrderIDs...), sr.Call.OrderIDs...),
		Attempts:  sr.Put.Attempts + sr.Call.Attempts,
	}
	if sr.Status == domain.ExecExecuted {
		rec.FilledLots = lots
	}
	return rec
}

func pointValue(ic config.InstrumentConfig) float64 {
	if ic.PointValue > 0 {
		return ic.PointValue
	}
	return 1
}
