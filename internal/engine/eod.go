package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pmbot/internal/domain"
	"pmbot/internal/eod"
)

// eodPlan is the per-instrument state carried across the three pre-close
// phases. The condition check records a tentative decision; execution
// re-derives it from database truth before acting.
type eodPlan struct {
	scout    domain.Signal // latest EOD_MONITOR signal
	action   domain.SignalKind
	executed domain.Signal // synthesized signal actually run
	result   *Result
}

// recordEODSignal keeps only the latest scout signal per instrument; TradingView
// fires one per bar and only the freshest matters at the close.
func (e *Engine) recordEODSignal(s domain.Signal) {
	e.eodMu.Lock()
	defer e.eodMu.Unlock()
	if prev, ok := e.eodLatest[s.Instrument]; ok && prev.Timestamp.After(s.Timestamp) {
		return
	}
	e.eodLatest[s.Instrument] = s
}

// RunPhase implements the scheduler's Runner. Phases run under the
// scheduler's single-instance guard, so no two phases of one instrument
// overlap.
func (e *Engine) RunPhase(ctx context.Context, instrument string, phase eod.Phase, closeAt time.Time) error {
	inst := domain.Instrument(instrument)
	switch phase {
	case eod.PhaseConditionCheck:
		return e.eodConditionCheck(inst, closeAt)
	case eod.PhaseExecution:
		return e.eodExecute(ctx, inst)
	case eod.PhaseTracking:
		return e.eodTrack(ctx, inst)
	default:
		return fmt.Errorf("engine: unknown eod phase %q", phase)
	}
}

// eodConditionCheck (T-45s) decides what the close action would be. Scout
// position-status fields are advisory only: the database is the source of
// truth, so they are overwritten before the decision is recorded.
func (e *Engine) eodConditionCheck(inst domain.Instrument, closeAt time.Time) error {
	e.eodMu.Lock()
	defer e.eodMu.Unlock()

	scout, ok := e.eodLatest[inst]
	if !ok {
		delete(e.eodPlans, inst)
		e.logger.Info("eod condition check: no scout signal, nothing to do",
			slog.String("instrument", string(inst)))
		return nil
	}

	inPosition, pyramids := e.positionTruth(inst)
	if scout.InPosition != inPosition || scout.PyramidCount != pyramids {
		e.logger.Warn("eod scout fields disagree with database, database wins",
			slog.String("instrument", string(inst)),
			slog.Bool("scout_in_position", scout.InPosition),
			slog.Bool("db_in_position", inPosition),
			slog.Int("scout_pyramids", scout.PyramidCount),
			slog.Int("db_pyramids", pyramids),
		)
	}
	scout.InPosition = inPosition
	scout.PyramidCount = pyramids

	action := domain.SignalBaseEntry
	if inPosition {
		action = domain.SignalPyramid
	}
	e.eodPlans[inst] = &eodPlan{scout: scout, action: action}
	e.logger.Info("eod condition check complete",
		slog.String("instrument", string(inst)),
		slog.String("action", string(action)),
		slog.Time("close_at", closeAt),
	)
	return nil
}

// eodExecute (T-30s) re-reads database truth and runs the synthesized entry
// through the normal pipeline.
func (e *Engine) eodExecute(ctx context.Context, inst domain.Instrument) error {
	e.eodMu.Lock()
	plan, ok := e.eodPlans[inst]
	e.eodMu.Unlock()
	if !ok {
		return nil
	}

	// The book may have changed between phases; re-derive the action.
	inPosition, _ := e.positionTruth(inst)
	action := domain.SignalBaseEntry
	if inPosition {
		action = domain.SignalPyramid
	}
	if action != plan.action {
		e.logger.Warn("eod action changed between condition check and execution",
			slog.String("instrument", string(inst)),
			slog.String("planned", string(plan.action)),
			slog.String("actual", string(action)),
		)
	}

	sig := plan.scout
	sig.Kind = action
	if action == domain.SignalBaseEntry {
		sig.Position = "Long_1"
	} else {
		sig.Position = fmt.Sprintf("Long_%d", e.book.OpenCount(inst)+1)
	}

	res := e.process(ctx, sig, true)

	e.eodMu.Lock()
	plan.action = action
	plan.executed = sig
	plan.result = &res
	e.eodMu.Unlock()

	if res.Outcome == domain.OutcomeFailedOrder {
		return fmt.Errorf("engine: eod execution for %s failed: %s", inst, res.Reason)
	}
	return nil
}

// eodTrack (T-15s) finalizes the close entry: a filled order gets its
// fingerprint marked so the bar-close replay of the same signal is skipped.
func (e *Engine) eodTrack(ctx context.Context, inst domain.Instrument) error {
	e.eodMu.Lock()
	plan, ok := e.eodPlans[inst]
	delete(e.eodPlans, inst)
	delete(e.eodLatest, inst)
	e.eodMu.Unlock()
	if !ok {
		return nil
	}

	if plan.result == nil {
		e.logger.Warn("eod tracking: execution phase never ran",
			slog.String("instrument", string(inst)))
		return nil
	}

	switch plan.result.Outcome {
	case domain.OutcomeProcessed, domain.OutcomePartialFill:
		if e.dedup != nil {
			e.dedup.MarkExecuted(ctx, plan.executed)
		}
		e.logger.Info("eod entry confirmed, bar-close replay will be skipped",
			slog.String("instrument", string(inst)),
			slog.String("fingerprint", plan.executed.Fingerprint()),
			slog.String("outcome", string(plan.result.Outcome)),
		)
	default:
		e.logger.Warn("eod entry did not fill",
			slog.String("instrument", string(inst)),
			slog.String("outcome", string(plan.result.Outcome)),
			slog.String("reason", plan.result.Reason),
		)
	}
	return nil
}

// positionTruth reads in-position status and pyramid count from the book.
func (e *Engine) positionTruth(inst domain.Instrument) (bool, int) {
	_, inPosition := e.book.BasePosition(inst)
	pyramids := e.book.OpenCount(inst)
	if inPosition {
		pyramids--
	}
	return inPosition, pyramids
}
