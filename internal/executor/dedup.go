package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pmbot/internal/domain"
)

// Dedup prevents a signal fingerprint from being processed more than once
// within the window. Entries older than the window are lazily evicted on
// lookup. When a SignalStore is attached the check also consults the durable
// signal log, so a leader failover inside the window still rejects replays.
// Safe for concurrent use.
type Dedup struct {
	seen   map[string]time.Time // fingerprint -> first seen
	eod    map[string]time.Time // fingerprint -> consumed by an EOD job
	window time.Duration
	store  domain.SignalStore // optional durable backing
	logger *slog.Logger
	mu     sync.Mutex
}

// NewDedup creates a Dedup with the given window. store may be nil.
func NewDedup(window time.Duration, store domain.SignalStore, logger *slog.Logger) *Dedup {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Dedup{
		seen:   make(map[string]time.Time),
		eod:    make(map[string]time.Time),
		window: window,
		store:  store,
		logger: logger.With(slog.String("component", "dedup")),
	}
}

// IsDuplicate reports whether the fingerprint was seen within the window. A
// first sighting is recorded in memory and, when a store is attached, in the
// durable log.
func (d *Dedup) IsDuplicate(ctx context.Context, s domain.Signal) (bool, error) {
	fp := s.Fingerprint()
	now := time.Now()

	d.mu.Lock()
	d.evictLocked(now)
	if firstSeen, ok := d.seen[fp]; ok && now.Sub(firstSeen) < d.window {
		d.mu.Unlock()
		return true, nil
	}
	d.seen[fp] = now
	d.mu.Unlock()

	if d.store == nil {
		return false, nil
	}

	dup, err := d.store.CheckDuplicate(ctx, fp, d.window)
	if err != nil {
		// The in-memory answer stands; losing the durable check must not
		// block the signal path.
		d.logger.Warn("durable dedup check failed", slog.String("fingerprint", fp), slog.String("error", err.Error()))
		return false, nil
	}
	if dup {
		return true, nil
	}

	if err := d.store.LogSignal(ctx, fp, s.Instrument, s.Kind, s.Timestamp); err != nil {
		d.logger.Warn("signal log write failed", slog.String("fingerprint", fp), slog.String("error", err.Error()))
	}
	return false, nil
}

// MarkExecuted records a fingerprint as consumed outside the normal flow,
// used by the EOD scheduler so a later bar-close signal with the same
// timestamp is skipped.
func (d *Dedup) MarkExecuted(ctx context.Context, s domain.Signal) {
	fp := s.Fingerprint()
	now := time.Now()
	d.mu.Lock()
	d.seen[fp] = now
	d.eod[fp] = now
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.LogSignal(ctx, fp, s.Instrument, s.Kind, s.Timestamp); err != nil {
			d.logger.Warn("signal log write failed", slog.String("fingerprint", fp), slog.String("error", err.Error()))
		}
	}
}

// WasExecutedAtEOD reports whether the fingerprint was consumed by an EOD
// job within the window, so the engine can skip the bar-close replay with a
// distinct reason instead of treating it as an ordinary duplicate.
func (d *Dedup) WasExecutedAtEOD(s domain.Signal) bool {
	fp := s.Fingerprint()
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.eod[fp]
	return ok && time.Since(at) < d.window
}

// evictLocked drops expired entries. Caller holds d.mu.
func (d *Dedup) evictLocked(now time.Time) {
	for fp, ts := range d.seen {
		if now.Sub(ts) >= d.window {
			delete(d.seen, fp)
		}
	}
	for fp, ts := range d.eod {
		if now.Sub(ts) >= d.window {
			delete(d.eod, fp)
		}
	}
}
