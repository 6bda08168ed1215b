package broker

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatExpiry renders an expiry date as the broker's YYMONDD token:
// two-digit year, uppercase three-letter month, two-digit day.
func FormatExpiry(expiry time.Time) string {
	return fmt.Sprintf("%02d%s%02d",
		expiry.Year()%100,
		strings.ToUpper(expiry.Month().String()[:3]),
		expiry.Day(),
	)
}

// OptionSymbol builds a space-free index option symbol, for example
// BANKNIFTY25SEP2445000PE.
func OptionSymbol(root string, expiry time.Time, strike float64, optionType string) string {
	return fmt.Sprintf("%s%s%d%s", root, FormatExpiry(expiry), int(strike), optionType)
}

// FuturesSymbol builds a space-free futures symbol, for example
// GOLDM25AUG29FUT.
func FuturesSymbol(root string, expiry time.Time) string {
	return root + FormatExpiry(expiry) + "FUT"
}

// ATMStrike rounds price to the nearest strike interval. When preferThousand
// is set and the nearest 1000-multiple is within half an interval of the
// plain rounding, the 1000-multiple wins.
func ATMStrike(price, interval float64, preferThousand bool) float64 {
	if interval <= 0 {
		interval = 100
	}
	strike := math.Round(price/interval) * interval

	if preferThousand {
		thousand := math.Round(price/1000) * 1000
		if math.Abs(thousand-strike) <= interval/2 {
			return thousand
		}
	}
	return strike
}

// MonthlyExpiry returns the monthly contract expiry for now: the last
// Wednesday of the current month, or of the next month when the current
// expiry is within the rollover window (7 days).
func MonthlyExpiry(now time.Time) time.Time {
	expiry := lastWednesday(now.Year(), now.Month(), now.Location())
	if expiry.Sub(now) < 7*24*time.Hour {
		next := now.AddDate(0, 1, 0)
		expiry = lastWednesday(next.Year(), next.Month(), now.Location())
	}
	return expiry
}

// NextMonthlyExpiry returns the monthly expiry strictly after the given one,
// used by the rollover engine to pick the new contract.
func NextMonthlyExpiry(after time.Time) time.Time {
	next := after.AddDate(0, 1, 0)
	expiry := lastWednesday(next.Year(), next.Month(), after.Location())
	if !expiry.After(after) {
		next = next.AddDate(0, 1, 0)
		expiry = lastWednesday(next.Year(), next.Month(), after.Location())
	}
	return expiry
}

// WeeklyExpiry returns the next Wednesday on or after now.
func WeeklyExpiry(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := (int(time.Wednesday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

// lastWednesday returns the last Wednesday of the given month at midnight.
func lastWednesday(year int, month time.Month, loc *time.Location) time.Time {
	// Day 0 of the next month is the last day of this month.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	offset := (int(last.Weekday()) - int(time.Wednesday) + 7) % 7
	return last.AddDate(0, 0, -offset)
}
