package domain

import "time"

// PortfolioState is the single-row account summary persisted alongside
// positions. EquityHigh is the closed-equity high-water mark; the sizer uses
// it so position sizes stay consistent through drawdown.
type PortfolioState struct {
	ClosedEquity    float64
	EquityHigh      float64
	TotalRiskAmount float64 // sum of (entry - stop) * quantity over open positions
	TotalVolAmount  float64 // sum of ATR * quantity over open positions
	MarginUsed      float64
	InitialCapital  float64
	UpdatedAt       time.Time
}

// PyramidState carries the per-instrument pyramiding context: the price of
// the last pyramid add and a reference to the current base position.
type PyramidState struct {
	Instrument       Instrument
	LastPyramidPrice float64
	BasePositionID   *string
	UpdatedAt        time.Time
}

// InstanceMetadata is one row per process identity in the replica set. Each
// process writes only its own row; the coordinator reads all fresh rows for
// split-brain detection.
type InstanceMetadata struct {
	InstanceID      string // UUID-PID composite
	Hostname        string
	StartedAt       time.Time
	LastHeartbeat   time.Time
	IsLeader        bool
	LeaderAcquired  *time.Time
	Status          string
}

// LeadershipTransition is an append-only audit row recording a leadership
// acquisition and, once known, its release.
type LeadershipTransition struct {
	InstanceID     string
	Hostname       string
	BecameLeaderAt time.Time
	ReleasedAt     *time.Time
	DurationSec    *float64
}
