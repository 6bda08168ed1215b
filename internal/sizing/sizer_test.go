package sizing

import (
	"log/slog"
	"os"
	"testing"

	"pmbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		RiskPercent:   1.5,
		VolPercent:    2.0,
		PyramidShrink: 0.5,
	}
}

func testInstrument() config.InstrumentConfig {
	return config.InstrumentConfig{
		LotSize:      35,
		PointValue:   1,
		MarginPerLot: 150000,
	}
}

func baseInputs() Inputs {
	return Inputs{
		Price:      45000,
		Stop:       44500, // stop distance 500, per-lot risk 17500
		ATR:        300,
		EquityHigh: 10_000_000, // risk budget 150000 -> 8 lots
		Equity:     9_000_000,  // vol budget 180000 / 10500 -> 17 lots
		Margin:     1_000_000,  // -> 6 lots
	}
}

func TestBaseEntryMarginLimited(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	rec := s.BaseEntry(baseInputs(), testInstrument())
	if rec.RiskLots != 8 || rec.MarginLots != 6 || rec.VolLots != 17 {
		t.Fatalf("constraints = risk %d margin %d vol %d", rec.RiskLots, rec.MarginLots, rec.VolLots)
	}
	if rec.FinalLots != 6 || rec.Limiter != LimiterMargin {
		t.Errorf("final = %d (%s), want 6 (margin)", rec.FinalLots, rec.Limiter)
	}
}

func TestBaseEntryRiskLimited(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	in := baseInputs()
	in.Margin = 5_000_000 // margin no longer binds
	rec := s.BaseEntry(in, testInstrument())
	if rec.FinalLots != 8 || rec.Limiter != LimiterRisk {
		t.Errorf("final = %d (%s), want 8 (risk)", rec.FinalLots, rec.Limiter)
	}
}

func TestBaseEntryVolatilityLimited(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	in := baseInputs()
	in.Margin = 5_000_000
	in.ATR = 1500 // vol budget 180000 / 52500 -> 3 lots
	rec := s.BaseEntry(in, testInstrument())
	if rec.FinalLots != 3 || rec.Limiter != LimiterVolatility {
		t.Errorf("final = %d (%s), want 3 (volatility)", rec.FinalLots, rec.Limiter)
	}
}

func TestBaseEntryHWMThroughDrawdown(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	// The risk constraint uses the high-water mark, not current equity, so a
	// drawdown does not shrink the size.
	in := baseInputs()
	in.Margin = 5_000_000
	in.Equity = 7_000_000
	rec := s.BaseEntry(in, testInstrument())
	if rec.RiskLots != 8 {
		t.Errorf("risk lots = %d, want 8 from the HWM", rec.RiskLots)
	}
}

func TestBaseEntryZeroLotsRejection(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	in := baseInputs()
	in.Margin = 50_000 // under one lot of margin
	rec := s.BaseEntry(in, testInstrument())
	if rec.FinalLots != 0 || rec.Limiter != LimiterMargin {
		t.Errorf("final = %d (%s), want 0 (margin)", rec.FinalLots, rec.Limiter)
	}
}

func TestPyramidShrinkFactor(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	in := baseInputs()
	in.Margin = 5_000_000
	in.PyramidLevel = 1
	in.BaseRiskAmount = 150_000
	in.UnrealizedProfit = 500_000 // profit constraint not binding
	rec := s.Pyramid(in, testInstrument())
	// Risk lots 8, level-1 shrink 0.5 -> 4.
	if rec.FinalLots != 4 {
		t.Errorf("final = %d, want 4 after shrink", rec.FinalLots)
	}
}

func TestPyramidProfitConstraint(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	in := baseInputs()
	in.Margin = 5_000_000
	in.PyramidLevel = 1
	in.BaseRiskAmount = 100_000
	in.OpenRiskAmount = 100_000
	in.UnrealizedProfit = 50_000 // house money budget 50000 / 17500 -> 2 lots
	rec := s.Pyramid(in, testInstrument())
	if rec.ProfitLots != 2 {
		t.Errorf("profit lots = %d, want 2", rec.ProfitLots)
	}
	if rec.FinalLots != 2 || rec.Limiter != LimiterProfit {
		t.Errorf("final = %d (%s), want 2 (profit)", rec.FinalLots, rec.Limiter)
	}
}

func TestPyramidNoProfitNoAdd(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	in := baseInputs()
	in.Margin = 5_000_000
	in.PyramidLevel = 1
	in.BaseRiskAmount = 100_000
	in.OpenRiskAmount = 100_000
	in.UnrealizedProfit = 0
	rec := s.Pyramid(in, testInstrument())
	if rec.FinalLots != 0 {
		t.Errorf("final = %d, want 0 without house money", rec.FinalLots)
	}
}

func TestApplyTestMode(t *testing.T) {
	t.Parallel()
	s := New(testRisk(), testLogger())

	rec := s.BaseEntry(baseInputs(), testInstrument())
	live := ApplyTestMode(rec, true)
	if live.FinalLots != 1 || !live.TestMode {
		t.Errorf("test mode final = %d test_mode=%v", live.FinalLots, live.TestMode)
	}
	// The computed constraints survive for the audit row.
	if live.RiskLots != rec.RiskLots || live.MarginLots != rec.MarginLots {
		t.Error("test mode must not rewrite the computed constraints")
	}

	unchanged := ApplyTestMode(rec, false)
	if unchanged.FinalLots != rec.FinalLots || unchanged.TestMode {
		t.Errorf("live mode changed the record: %+v", unchanged)
	}
}
