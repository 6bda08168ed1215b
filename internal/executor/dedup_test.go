package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"pmbot/internal/domain"
)

// fakeSignalStore is an in-memory durable signal log.
type fakeSignalStore struct {
	mu     sync.Mutex
	logged map[string]time.Time
	audits []domain.SignalAudit
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{logged: make(map[string]time.Time)}
}

func (f *fakeSignalStore) CheckDuplicate(_ context.Context, fp string, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.logged[fp]
	return ok && time.Since(at) < window, nil
}

func (f *fakeSignalStore) LogSignal(_ context.Context, fp string, _ domain.Instrument, _ domain.SignalKind, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged[fp] = time.Now()
	return nil
}

func (f *fakeSignalStore) LogAudit(_ context.Context, a domain.SignalAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, a)
	return nil
}

func (f *fakeSignalStore) ListAuditBefore(context.Context, time.Time) ([]domain.SignalAudit, error) {
	return nil, nil
}

func (f *fakeSignalStore) DeleteAuditBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func dedupSignal(ts time.Time) domain.Signal {
	return domain.Signal{
		Instrument: domain.InstrumentBankNifty,
		Kind:       domain.SignalBaseEntry,
		Position:   "Long_1",
		Timestamp:  ts,
		Price:      45000,
	}
}

func TestDedupRejectsReplayWithinWindow(t *testing.T) {
	t.Parallel()
	d := NewDedup(time.Minute, nil, testLogger())
	ctx := context.Background()
	s := dedupSignal(time.Now())

	if dup, _ := d.IsDuplicate(ctx, s); dup {
		t.Fatal("first sighting flagged duplicate")
	}
	if dup, _ := d.IsDuplicate(ctx, s); !dup {
		t.Fatal("replay inside window not flagged")
	}

	// A different timestamp is a different fingerprint.
	other := dedupSignal(time.Now().Add(5 * time.Minute))
	if dup, _ := d.IsDuplicate(ctx, other); dup {
		t.Error("distinct signal flagged duplicate")
	}
}

func TestDedupDurableBacking(t *testing.T) {
	t.Parallel()
	store := newFakeSignalStore()
	ctx := context.Background()
	s := dedupSignal(time.Now())

	// First process sees and logs the signal.
	d1 := NewDedup(time.Minute, store, testLogger())
	if dup, _ := d1.IsDuplicate(ctx, s); dup {
		t.Fatal("first sighting flagged duplicate")
	}

	// A fresh process (leader failover) must still reject the replay through
	// the durable log.
	d2 := NewDedup(time.Minute, store, testLogger())
	if dup, _ := d2.IsDuplicate(ctx, s); !dup {
		t.Fatal("durable replay not flagged after restart")
	}
}

func TestDedupMarkExecuted(t *testing.T) {
	t.Parallel()
	d := NewDedup(time.Minute, nil, testLogger())
	ctx := context.Background()
	s := dedupSignal(time.Now())

	d.MarkExecuted(ctx, s)
	if dup, _ := d.IsDuplicate(ctx, s); !dup {
		t.Fatal("signal executed at EOD must be flagged for the bar-close replay")
	}
	if !d.WasExecutedAtEOD(s) {
		t.Fatal("EOD consumption not distinguishable from an ordinary duplicate")
	}
	if d.WasExecutedAtEOD(dedupSignal(time.Now().Add(time.Hour))) {
		t.Error("unrelated signal reported as EOD-executed")
	}
}

func TestDedupLazyEviction(t *testing.T) {
	t.Parallel()
	d := NewDedup(10*time.Millisecond, nil, testLogger())
	ctx := context.Background()
	s := dedupSignal(time.Now())

	if dup, _ := d.IsDuplicate(ctx, s); dup {
		t.Fatal("first sighting flagged duplicate")
	}
	time.Sleep(15 * time.Millisecond)
	if dup, _ := d.IsDuplicate(ctx, s); dup {
		t.Error("entry older than the window must be evicted")
	}
}
