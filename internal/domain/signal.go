// Package domain defines the core types, store interfaces, and sentinel
// errors shared by all pmbot components. Concrete implementations live in
// internal/store/postgres, internal/cache/redis, and internal/broker.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// SignalKind identifies what action a webhook signal requests.
type SignalKind string

const (
	SignalBaseEntry  SignalKind = "BASE_ENTRY"
	SignalPyramid    SignalKind = "PYRAMID"
	SignalExit       SignalKind = "EXIT"
	SignalEODMonitor SignalKind = "EOD_MONITOR"
	SignalMarketData SignalKind = "MARKET_DATA"
)

// Valid reports whether k is one of the recognized signal kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalBaseEntry, SignalPyramid, SignalExit, SignalEODMonitor, SignalMarketData:
		return true
	}
	return false
}

// Instrument identifies a tradable instrument. The set of instruments and
// their contract parameters (lot size, exchange, strike interval) come from
// configuration; the tag itself is an opaque key.
type Instrument string

const (
	InstrumentBankNifty Instrument = "BANK_NIFTY"
	InstrumentGold      Instrument = "GOLD"
)

// PositionAll is the EXIT-only position label meaning "close everything on
// this instrument".
const PositionAll = "ALL"

var positionLabelRe = regexp.MustCompile(`^Long_[1-6]$`)

// ValidPositionLabel reports whether label is Long_1..Long_6, or ALL when
// allowAll is set (EXIT signals only).
func ValidPositionLabel(label string, allowAll bool) bool {
	if allowAll && label == PositionAll {
		return true
	}
	return positionLabelRe.MatchString(label)
}

// Signal is an immutable trading signal built by the webhook ingress from a
// charting-platform payload.
type Signal struct {
	Instrument    Instrument
	Kind          SignalKind
	Position      string // Long_1..Long_6 or ALL (EXIT only)
	Timestamp     time.Time
	Price         float64
	Stop          float64
	SuggestedLots int
	ATR           float64
	ER            float64 // efficiency ratio, 0..1
	Supertrend    float64
	Reason        string // required for EXIT

	// Position-status fields carried by EOD_MONITOR scout signals. The engine
	// overwrites these with database truth before acting on them.
	InPosition   bool
	PyramidCount int
}

// Fingerprint returns a stable hash of the signal's identifying fields,
// truncated to 16 hex characters. Two signals with the same fingerprint
// within the dedup window are treated as duplicates.
func (s Signal) Fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%.4f",
		s.Instrument, s.Kind, s.Position, s.Timestamp.UTC().Unix(), s.Price)))
	return hex.EncodeToString(h[:])[:16]
}

// Age returns how old the signal is relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}
