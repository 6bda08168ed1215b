package domain

import (
	"fmt"
	"time"
)

// PositionStatus tracks the lifecycle of a position. The closing state acts
// as a re-entry guard: a position marked closing must never receive a second
// exit order.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// RolloverStatus tracks whether a position has been rolled to the next
// contract period.
type RolloverStatus string

const (
	RolloverNone       RolloverStatus = "none"
	RolloverInProgress RolloverStatus = "in_progress"
	RolloverRolled     RolloverStatus = "rolled"
	RolloverFailed     RolloverStatus = "failed"
)

// Position is an open or historical trading position. Identity is
// "{instrument}_{label}"; exactly one base position may exist per instrument
// at a time, and pyramid positions reference that base through the pyramid
// state rather than back-pointers.
type Position struct {
	ID         string
	Instrument Instrument
	Label      string // Long_1..Long_6
	Status     PositionStatus

	EntryTime  time.Time
	EntryPrice float64 // synthetic: strike + call_price - put_price
	Lots       int
	Quantity   int // Lots * lot_size

	InitialStop  float64
	CurrentStop  float64 // monotonically non-decreasing while open
	HighestClose float64

	UnrealizedPnL float64
	RealizedPnL   float64

	IsBase bool

	// Two-leg (synthetic future) details. Empty for single-leg instruments.
	CallSymbol    string
	PutSymbol     string
	CallEntry     float64
	PutEntry      float64
	Strike        float64
	Expiry        time.Time

	// Rollover bookkeeping.
	Rollover         RolloverStatus
	RolloverCount    int
	RolloverPnL      float64
	OriginalExpiry   time.Time
	OriginalStrike   float64
	OriginalEntry    float64

	ExitPrice *float64
	ClosedAt  *time.Time

	// Version implements optimistic concurrency on upsert.
	Version int
}

// PositionID builds the canonical position identity from its parts.
func PositionID(instrument Instrument, label string) string {
	return fmt.Sprintf("%s_%s", instrument, label)
}

// TrailStop raises the protective stop to max(current, candidate). The stop
// never moves down while a position is open.
func (p *Position) TrailStop(candidate float64) bool {
	if candidate > p.CurrentStop {
		p.CurrentStop = candidate
		return true
	}
	return false
}

// TwoLeg reports whether the position is a synthetic two-leg position.
func (p *Position) TwoLeg() bool {
	return p.PutSymbol != "" && p.CallSymbol != ""
}

// DaysToExpiry returns whole days until contract expiry, rounding down.
// Positions without an expiry return a large positive number so they never
// qualify for rollover.
func (p *Position) DaysToExpiry(now time.Time) int {
	if p.Expiry.IsZero() {
		return 1 << 20
	}
	return int(p.Expiry.Sub(now).Hours() / 24)
}
