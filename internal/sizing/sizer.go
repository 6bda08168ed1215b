// Package sizing implements the three-constraint position sizer.
package sizing

import (
	"log/slog"
	"math"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Limiter tags name which constraint produced the final lot count.
const (
	LimiterRisk       = "risk"
	LimiterMargin     = "margin"
	LimiterVolatility = "volatility"
	LimiterProfit     = "profit"
)

// Inputs carries everything one sizing decision needs. Monetary fields are in
// account currency.
type Inputs struct {
	Price      float64
	Stop       float64
	ATR        float64
	EquityHigh float64 // closed-equity high-water mark
	Equity     float64 // current closed equity, for the volatility constraint
	Margin     float64 // broker available margin

	// Pyramid-only fields.
	PyramidLevel     int     // 1 for the first add
	BaseRiskAmount   float64 // monetary risk of the base position at entry
	OpenRiskAmount   float64 // current total open risk on the instrument
	UnrealizedProfit float64 // open profit funding the add
}

// Sizer computes lot counts from the risk configuration and per-instrument
// contract parameters.
type Sizer struct {
	cfg    config.RiskConfig
	logger *slog.Logger
}

// New creates a Sizer.
func New(cfg config.RiskConfig, logger *slog.Logger) *Sizer {
	return &Sizer{cfg: cfg, logger: logger.With(slog.String("component", "sizer"))}
}

// BaseEntry computes lots for a BASE_ENTRY as the minimum of the risk,
// margin, and volatility constraints. Zero lots means rejection; the limiter
// tag names the binding constraint.
func (s *Sizer) BaseEntry(in Inputs, ic config.InstrumentConfig) domain.SizingRecord {
	rec := domain.SizingRecord{EquityHigh: in.EquityHigh}

	stopDist := in.Price - in.Stop
	perLotRisk := stopDist * float64(ic.LotSize) * ic.PointValue
	if perLotRisk > 0 {
		rec.RiskLots = int(math.Floor(in.EquityHigh * s.cfg.RiskPercent / 100 / perLotRisk))
	}

	if ic.MarginPerLot > 0 {
		rec.MarginLots = int(math.Floor(in.Margin / ic.MarginPerLot))
	}

	rec.FinalLots = rec.RiskLots
	rec.Limiter = LimiterRisk
	if rec.MarginLots < rec.FinalLots {
		rec.FinalLots = rec.MarginLots
		rec.Limiter = LimiterMargin
	}

	if s.cfg.VolPercent > 0 && in.ATR > 0 {
		perLotVol := in.ATR * float64(ic.LotSize) * ic.PointValue
		rec.VolLots = int(math.Floor(in.Equity * s.cfg.VolPercent / 100 / perLotVol))
		if rec.VolLots < rec.FinalLots {
			rec.FinalLots = rec.VolLots
			rec.Limiter = LimiterVolatility
		}
	}

	if rec.FinalLots < 0 {
		rec.FinalLots = 0
	}

	s.logger.Debug("base entry sized",
		slog.Int("risk_lots", rec.RiskLots),
		slog.Int("margin_lots", rec.MarginLots),
		slog.Int("vol_lots", rec.VolLots),
		slog.Int("final_lots", rec.FinalLots),
		slog.String("limiter", rec.Limiter),
	)
	return rec
}

// Pyramid computes lots for a PYRAMID add. The three base constraints apply,
// then two pyramid rules: a shrink multiplier per level, and the profit
// constraint, which caps the add so post-entry total risk stays within the
// base risk plus open profit. Only house money funds the add.
func (s *Sizer) Pyramid(in Inputs, ic config.InstrumentConfig) domain.SizingRecord {
	rec := s.BaseEntry(in, ic)

	if s.cfg.PyramidShrink > 0 && s.cfg.PyramidShrink < 1 && in.PyramidLevel > 0 {
		mult := math.Pow(s.cfg.PyramidShrink, float64(in.PyramidLevel))
		shrunk := int(math.Floor(float64(rec.RiskLots) * mult))
		if shrunk < rec.FinalLots {
			rec.FinalLots = shrunk
			rec.Limiter = LimiterRisk
		}
	}

	stopDist := in.Price - in.Stop
	perLotRisk := stopDist * float64(ic.LotSize) * ic.PointValue
	if perLotRisk > 0 {
		budget := in.BaseRiskAmount + in.UnrealizedProfit - in.OpenRiskAmount
		if budget < 0 {
			budget = 0
		}
		rec.ProfitLots = int(math.Floor(budget / perLotRisk))
		if rec.ProfitLots < rec.FinalLots {
			rec.FinalLots = rec.ProfitLots
			rec.Limiter = LimiterProfit
		}
	}

	if rec.FinalLots < 0 {
		rec.FinalLots = 0
	}
	return rec
}

// ApplyTestMode overrides the live quantity to one lot while preserving the
// calculated value in the record for the audit row.
func ApplyTestMode(rec domain.SizingRecord, testMode bool) domain.SizingRecord {
	if testMode && rec.FinalLots > 1 {
		rec.TestMode = true
		rec.FinalLots = 1
	}
	return rec
}
