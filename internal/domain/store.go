package domain

import (
	"context"
	"time"
)

// PositionStore persists positions with optimistic-concurrency versions.
type PositionStore interface {
	// Save upserts a position, bumping version to p.Version+1. It returns
	// ErrVersionConflict if the stored version no longer matches p.Version.
	Save(ctx context.Context, p Position) (Position, error)
	// GetOpen returns all positions with status open or closing, keyed for
	// crash recovery on leader start.
	GetOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
}

// PortfolioStore persists the single-row portfolio state and per-instrument
// pyramid state.
type PortfolioStore interface {
	SaveState(ctx context.Context, s PortfolioState) error
	GetState(ctx context.Context) (PortfolioState, error)
	SavePyramidState(ctx context.Context, s PyramidState) error
	GetPyramidState(ctx context.Context, instrument Instrument) (PyramidState, error)
}

// SignalStore records signal fingerprints for durable dedup and writes audit
// rows.
type SignalStore interface {
	// CheckDuplicate reports whether the fingerprint was logged within the
	// window ending at now.
	CheckDuplicate(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
	// LogSignal records the fingerprint as seen. Safe to call for an already
	// logged fingerprint.
	LogSignal(ctx context.Context, fingerprint string, instrument Instrument, kind SignalKind, signalTime time.Time) error
	LogAudit(ctx context.Context, a SignalAudit) error
	// ListAuditBefore returns audit rows received strictly before the cutoff,
	// for cold-storage archival.
	ListAuditBefore(ctx context.Context, before time.Time) ([]SignalAudit, error)
	DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error)
}

// InstanceStore maintains the instance_metadata and leadership_history
// tables used for split-brain detection and operator audit.
type InstanceStore interface {
	Upsert(ctx context.Context, m InstanceMetadata) error
	// GetStale returns instances whose heartbeat is older than the timeout.
	GetStale(ctx context.Context, timeout time.Duration) ([]InstanceMetadata, error)
	// GetCurrentLeader returns the instance id of the leader row with a
	// heartbeat fresher than freshness, or "" when none. When forceFresh is
	// set the read is preceded by a sync-point query on the same connection
	// so it observes all committed transactions.
	GetCurrentLeader(ctx context.Context, freshness time.Duration, forceFresh bool) (string, error)
	RecordLeadershipTransition(ctx context.Context, t LeadershipTransition) error
}

// Broker is the HTTP brokerage gateway contract consumed by the executors
// and the rollover engine.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
	ModifyOrder(ctx context.Context, orderID string, price float64, orderType OrderType) error
	CancelOrder(ctx context.Context, orderID string) error
	GetQuote(ctx context.Context, exchange Exchange, symbol string) (Quote, error)
	GetFunds(ctx context.Context) (Funds, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// LeaderLock is the atomic election primitive backed by the shared in-memory
// store. All operations are linearized server-side.
type LeaderLock interface {
	// Acquire performs an atomic set-if-absent of instanceID with the TTL.
	// It returns true when this instance became (or already was) the leader.
	Acquire(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	// Renew atomically extends the TTL only when the stored value equals
	// instanceID. It returns false when leadership was lost.
	Renew(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	// Release atomically deletes the key only when held by instanceID.
	Release(ctx context.Context, instanceID string) error
	// Holder returns the current leader value, or "" when vacant.
	Holder(ctx context.Context) (string, error)
	// Heartbeat refreshes this instance's liveness key.
	Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error
}
