package coord

import (
	"sort"
	"sync"
	"time"
)

// latencyWindowSize is the number of samples kept per operation (FIFO).
const latencyWindowSize = 100

// AlertLevel classifies an alert predicate result.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Metrics is a thread-safe accumulator for coordinator health: relational
// sync outcomes, per-operation latency percentiles over a rolling window,
// leader-change frequency, and heartbeat staleness.
type Metrics struct {
	mu sync.Mutex

	dbSyncOK     int64
	dbSyncFailed int64

	latencies map[string][]time.Duration // op -> rolling window, oldest first

	leaderChanges []time.Time // windowed to the last hour on read
	lastHeartbeat time.Time

	// Alert thresholds.
	dbFailWarnPct  float64
	dbFailCritPct  float64
	changesWarn    int
	changesCrit    int
	hbStaleWarn    time.Duration
	hbStaleCrit    time.Duration
}

// NewMetrics creates a Metrics accumulator with the given alert thresholds.
func NewMetrics(hbStaleWarn, hbStaleCrit time.Duration) *Metrics {
	return &Metrics{
		latencies:     make(map[string][]time.Duration),
		dbFailWarnPct: 5,
		dbFailCritPct: 10,
		changesWarn:   3,
		changesCrit:   10,
		hbStaleWarn:   hbStaleWarn,
		hbStaleCrit:   hbStaleCrit,
	}
}

// RecordDBSync records one relational-store sync attempt with its latency.
func (m *Metrics) RecordDBSync(op string, d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.dbSyncOK++
	} else {
		m.dbSyncFailed++
	}

	w := append(m.latencies[op], d)
	if len(w) > latencyWindowSize {
		w = w[len(w)-latencyWindowSize:]
	}
	m.latencies[op] = w
}

// RecordLeaderChange records a leadership transition at now.
func (m *Metrics) RecordLeaderChange(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderChanges = append(m.leaderChanges, now)
}

// RecordHeartbeat records a completed heartbeat iteration.
func (m *Metrics) RecordHeartbeat(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeartbeat = now
}

// Percentiles holds latency percentiles for one operation.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Snapshot is a point-in-time copy of the metrics for the status endpoint.
type Snapshot struct {
	DBSyncOK        int64                  `json:"db_sync_ok"`
	DBSyncFailed    int64                  `json:"db_sync_failed"`
	DBSyncFailPct   float64                `json:"db_sync_fail_pct"`
	Latency         map[string]Percentiles `json:"latency"`
	LeaderChanges1h int                    `json:"leader_changes_1h"`
	LastHeartbeat   time.Time              `json:"last_heartbeat"`

	DBSyncAlert    AlertLevel `json:"db_sync_alert"`
	FlappingAlert  AlertLevel `json:"flapping_alert"`
	HeartbeatAlert AlertLevel `json:"heartbeat_alert"`
}

// Snapshot computes percentiles and evaluates the alert predicates at now.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Trim leader changes to the trailing hour.
	cutoff := now.Add(-time.Hour)
	kept := m.leaderChanges[:0]
	for _, t := range m.leaderChanges {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.leaderChanges = kept

	s := Snapshot{
		DBSyncOK:        m.dbSyncOK,
		DBSyncFailed:    m.dbSyncFailed,
		Latency:         make(map[string]Percentiles, len(m.latencies)),
		LeaderChanges1h: len(m.leaderChanges),
		LastHeartbeat:   m.lastHeartbeat,
	}

	total := m.dbSyncOK + m.dbSyncFailed
	if total > 0 {
		s.DBSyncFailPct = float64(m.dbSyncFailed) / float64(total) * 100
	}

	for op, w := range m.latencies {
		s.Latency[op] = percentiles(w)
	}

	s.DBSyncAlert = levelFor(s.DBSyncFailPct, m.dbFailWarnPct, m.dbFailCritPct, total > 0)
	s.FlappingAlert = levelFor(float64(s.LeaderChanges1h), float64(m.changesWarn), float64(m.changesCrit), true)
	if m.lastHeartbeat.IsZero() {
		s.HeartbeatAlert = AlertNone
	} else {
		stale := now.Sub(m.lastHeartbeat)
		s.HeartbeatAlert = levelFor(stale.Seconds(), m.hbStaleWarn.Seconds(), m.hbStaleCrit.Seconds(), true)
	}

	return s
}

func levelFor(v, warn, crit float64, meaningful bool) AlertLevel {
	if !meaningful {
		return AlertNone
	}
	switch {
	case v >= crit:
		return AlertCritical
	case v >= warn:
		return AlertWarning
	default:
		return AlertNone
	}
}

// percentiles computes p50/p95/p99 by index interpolation over a copy of the
// window.
func percentiles(w []time.Duration) Percentiles {
	if len(w) == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, len(w))
	copy(sorted, w)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return Percentiles{
		P50: interpolate(sorted, 0.50),
		P95: interpolate(sorted, 0.95),
		P99: interpolate(sorted, 0.99),
	}
}

func interpolate(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}
