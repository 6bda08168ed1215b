// Package validate implements the two-stage signal validator: condition
// validation against the signal's own fields and execution validation against
// a live broker quote.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Severity buckets for signal age. A stale-but-accepted signal escalates the
// operator confirmation, it does not change the pipeline.
const (
	SeverityNormal   = "normal"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// QuoteSource is the subset of the broker gateway the validator needs.
type QuoteSource interface {
	GetQuote(ctx context.Context, exchange domain.Exchange, symbol string) (domain.Quote, error)
}

// Validator runs both validation stages.
type Validator struct {
	cfg    config.ValidationConfig
	quotes QuoteSource
	logger *slog.Logger
}

// New creates a Validator. quotes may be nil, in which case execution
// validation always bypasses.
func New(cfg config.ValidationConfig, quotes QuoteSource, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		quotes: quotes,
		logger: logger.With(slog.String("component", "validator")),
	}
}

// Condition runs stage 1: freshness, numeric sanity, and label checks using
// only the signal's own fields.
func (v *Validator) Condition(s domain.Signal, now time.Time) domain.ValidationRecord {
	rec := domain.ValidationRecord{Stage: "condition"}

	age := s.Age(now)
	rec.AgeSec = age.Seconds()
	rec.Severity = ageSeverity(age)

	maxAge := time.Duration(v.cfg.MaxSignalAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	if age > maxAge {
		rec.Reason = "signal_stale"
		return rec
	}

	switch s.Kind {
	case domain.SignalBaseEntry, domain.SignalPyramid:
		if s.Price <= 0 {
			rec.Reason = "invalid_price"
			return rec
		}
		if s.Stop <= 0 {
			rec.Reason = "invalid_stop"
			return rec
		}
		if s.Stop >= s.Price {
			rec.Reason = "stop_above_price"
			return rec
		}
		if !domain.ValidPositionLabel(s.Position, false) {
			rec.Reason = "invalid_position_label"
			return rec
		}
	case domain.SignalExit:
		if !domain.ValidPositionLabel(s.Position, true) {
			rec.Reason = "invalid_position_label"
			return rec
		}
		if s.Reason == "" {
			rec.Reason = "exit_without_reason"
			return rec
		}
	case domain.SignalEODMonitor, domain.SignalMarketData:
		if s.Price <= 0 {
			rec.Reason = "invalid_price"
			return rec
		}
	default:
		rec.Reason = "unknown_signal_type"
		return rec
	}

	rec.Passed = true
	return rec
}

// Execution runs stage 2: fetch a live quote and check divergence from the
// signal price. A total quote failure bypasses the stage and the signal price
// stands.
func (v *Validator) Execution(ctx context.Context, s domain.Signal, exchange domain.Exchange, symbol string) domain.ValidationRecord {
	rec := domain.ValidationRecord{Stage: "execution"}

	if !v.cfg.Enabled || v.quotes == nil {
		rec.Passed = true
		rec.Bypassed = true
		return rec
	}

	q, err := v.quotes.GetQuote(ctx, exchange, symbol)
	if err != nil {
		v.logger.Warn("execution validation bypassed, quote unavailable",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		rec.Passed = true
		rec.Bypassed = true
		rec.Reason = "quote_unavailable"
		return rec
	}

	live := q.Mid()
	rec.LivePrice = live
	rec.Diverge = math.Abs(live-s.Price) / s.Price

	threshold := v.threshold(s.Kind)
	if rec.Diverge > threshold {
		rec.Reason = fmt.Sprintf("excessive_divergence: %.2f%% > %.2f%%", rec.Diverge*100, threshold*100)
		return rec
	}

	rec.Passed = true
	return rec
}

func (v *Validator) threshold(kind domain.SignalKind) float64 {
	switch kind {
	case domain.SignalPyramid:
		if v.cfg.PyramidDivergence > 0 {
			return v.cfg.PyramidDivergence
		}
		return 0.01
	default:
		if v.cfg.BaseEntryDivergence > 0 {
			return v.cfg.BaseEntryDivergence
		}
		return 0.02
	}
}

// AdjustLotsForRisk shrinks lots when the live price moved against the entry
// enough to expand per-lot risk. It keeps the original monetary risk budget:
// lots * (live - stop) <= original lots * (signal - stop).
func AdjustLotsForRisk(lots int, signalPrice, livePrice, stop float64) int {
	if lots <= 0 || livePrice <= signalPrice || stop <= 0 || signalPrice <= stop {
		return lots
	}
	budget := float64(lots) * (signalPrice - stop)
	perLot := livePrice - stop
	adjusted := int(budget / perLot)
	if adjusted < 1 {
		adjusted = 1
	}
	if adjusted > lots {
		return lots
	}
	return adjusted
}

func ageSeverity(age time.Duration) string {
	switch {
	case age < 10*time.Second:
		return SeverityNormal
	case age < 30*time.Second:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}
