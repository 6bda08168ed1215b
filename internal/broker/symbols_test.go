package broker

import (
	"testing"
	"time"
)

func TestFormatExpiry(t *testing.T) {
	t.Parallel()
	d := time.Date(2026, time.August, 26, 0, 0, 0, 0, time.UTC)
	if got := FormatExpiry(d); got != "26AUG26" {
		t.Errorf("FormatExpiry = %q, want 26AUG26", got)
	}
	d = time.Date(2027, time.January, 5, 0, 0, 0, 0, time.UTC)
	if got := FormatExpiry(d); got != "27JAN05" {
		t.Errorf("FormatExpiry = %q, want 27JAN05", got)
	}
}

func TestOptionAndFuturesSymbols(t *testing.T) {
	t.Parallel()
	expiry := time.Date(2026, time.August, 26, 0, 0, 0, 0, time.UTC)

	if got := OptionSymbol("BANKNIFTY", expiry, 45000, "PE"); got != "BANKNIFTY26AUG2645000PE" {
		t.Errorf("put symbol = %q", got)
	}
	if got := OptionSymbol("BANKNIFTY", expiry, 45000, "CE"); got != "BANKNIFTY26AUG2645000CE" {
		t.Errorf("call symbol = %q", got)
	}
	if got := FuturesSymbol("GOLDM", expiry); got != "GOLDM26AUG26FUT" {
		t.Errorf("futures symbol = %q", got)
	}
}

func TestATMStrike(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price, interval float64
		preferThousand  bool
		want            float64
	}{
		{44962, 100, false, 45000},
		{44430, 100, false, 44400},
		{44449, 100, false, 44400},
		{44450, 100, false, 44500},
		// 1000-multiple wins only when within half an interval.
		{44962, 100, true, 45000},
		{44430, 100, true, 44400},
		{24949, 100, true, 24900},
		// Zero interval falls back to the default.
		{44962, 0, false, 45000},
	}
	for _, c := range cases {
		if got := ATMStrike(c.price, c.interval, c.preferThousand); got != c.want {
			t.Errorf("ATMStrike(%.0f, %.0f, %v) = %.0f, want %.0f",
				c.price, c.interval, c.preferThousand, got, c.want)
		}
	}
}

func TestMonthlyExpiry(t *testing.T) {
	t.Parallel()

	// Mid-month: plenty of runway to the last Wednesday (2026-08-26).
	now := time.Date(2026, time.August, 10, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, time.August, 26, 0, 0, 0, 0, time.UTC)
	if got := MonthlyExpiry(now); !got.Equal(want) {
		t.Errorf("MonthlyExpiry = %v, want %v", got, want)
	}

	// Inside the 7-day window: roll to next month (2026-09-30 is the last
	// Wednesday of September).
	now = time.Date(2026, time.August, 21, 10, 0, 0, 0, time.UTC)
	want = time.Date(2026, time.September, 30, 0, 0, 0, 0, time.UTC)
	if got := MonthlyExpiry(now); !got.Equal(want) {
		t.Errorf("MonthlyExpiry inside window = %v, want %v", got, want)
	}
}

func TestNextMonthlyExpiry(t *testing.T) {
	t.Parallel()
	cur := time.Date(2026, time.August, 26, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, time.September, 30, 0, 0, 0, 0, time.UTC)
	if got := NextMonthlyExpiry(cur); !got.Equal(want) {
		t.Errorf("NextMonthlyExpiry = %v, want %v", got, want)
	}
}

func TestWeeklyExpiry(t *testing.T) {
	t.Parallel()

	// Monday resolves to the coming Wednesday.
	now := time.Date(2026, time.August, 24, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, time.August, 26, 0, 0, 0, 0, time.UTC)
	if got := WeeklyExpiry(now); !got.Equal(want) {
		t.Errorf("WeeklyExpiry(Mon) = %v, want %v", got, want)
	}

	// A Wednesday resolves to itself.
	now = time.Date(2026, time.August, 26, 9, 0, 0, 0, time.UTC)
	if got := WeeklyExpiry(now); !got.Equal(want) {
		t.Errorf("WeeklyExpiry(Wed) = %v, want %v", got, want)
	}
}
