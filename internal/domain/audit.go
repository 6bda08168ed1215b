package domain

import "time"

// SignalOutcome classifies how the engine disposed of a signal.
type SignalOutcome string

const (
	OutcomeProcessed          SignalOutcome = "processed"
	OutcomeRejectedValidation SignalOutcome = "rejected_validation"
	OutcomeRejectedRisk       SignalOutcome = "rejected_risk"
	OutcomeRejectedDuplicate  SignalOutcome = "rejected_duplicate"
	OutcomeRejectedMarket     SignalOutcome = "rejected_market"
	OutcomeRejectedManual     SignalOutcome = "rejected_manual"
	OutcomeFailedOrder        SignalOutcome = "failed_order"
	OutcomePartialFill        SignalOutcome = "partial_fill"
	OutcomeSkipped            SignalOutcome = "skipped"
)

// ValidationRecord is the structured result of signal validation, embedded in
// the audit row.
type ValidationRecord struct {
	Stage     string  `json:"stage"` // condition | execution
	Passed    bool    `json:"passed"`
	Bypassed  bool    `json:"bypassed,omitempty"` // broker quote unavailable
	Reason    string  `json:"reason,omitempty"`
	Severity  string  `json:"severity,omitempty"` // normal | warning | critical
	AgeSec    float64 `json:"age_sec,omitempty"`
	Diverge   float64 `json:"divergence_pct,omitempty"`
	LivePrice float64 `json:"live_price,omitempty"`
}

// SizingRecord captures the three-constraint calculation.
type SizingRecord struct {
	RiskLots   int     `json:"risk_lots"`
	MarginLots int     `json:"margin_lots"`
	VolLots    int     `json:"vol_lots,omitempty"`
	ProfitLots int     `json:"profit_lots,omitempty"` // pyramid profit constraint
	FinalLots  int     `json:"final_lots"`
	Limiter    string  `json:"limiter"` // risk | margin | volatility | profit
	EquityHigh float64 `json:"equity_high"`
	TestMode   bool    `json:"test_mode,omitempty"`
}

// RiskRecord captures the portfolio gate decision.
type RiskRecord struct {
	Allowed        bool    `json:"allowed"`
	Reason         string  `json:"reason,omitempty"`
	EstRiskAmount  float64 `json:"est_risk_amount"`
	EstVolAmount   float64 `json:"est_vol_amount"`
	TotalRiskPct   float64 `json:"total_risk_pct"`
	TotalVolPct    float64 `json:"total_vol_pct"`
}

// ExecutionRecord captures the order execution result embedded in the audit
// row.
type ExecutionRecord struct {
	Status       string   `json:"status"` // executed | partial | rejected | failed
	FillPrice    float64  `json:"fill_price,omitempty"`
	FilledLots   int      `json:"filled_lots,omitempty"`
	CancelledLots int     `json:"cancelled_lots,omitempty"`
	SlippagePct  float64  `json:"slippage_pct,omitempty"`
	OrderIDs     []string `json:"order_ids,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// SignalAudit is one row per processed signal, capturing the structured
// sub-records of every pipeline stage.
type SignalAudit struct {
	ID          string
	Fingerprint string
	Instrument  Instrument
	Kind        SignalKind
	Position    string
	SignalTime  time.Time
	ReceivedAt  time.Time
	Outcome     SignalOutcome
	Reason      string
	Validation  *ValidationRecord
	Sizing      *SizingRecord
	Risk        *RiskRecord
	Execution   *ExecutionRecord
	DurationMS  int64
}
