package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pmbot/internal/domain"
)

const (
	leaderKey          = "pm:leader"
	heartbeatKeyPrefix = "pm:heartbeat:"
	signalLockPrefix   = "pm:signal_lock:"
)

// renewLua atomically extends the leader key's TTL only when it is still
// held by the caller. Returns 1 on success, 0 when leadership was lost.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// releaseLua deletes the leader key only when held by the caller, so a
// slow release can never evict a successor's lock.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LeaderLock implements domain.LeaderLock on the pm:leader key using SETNX
// with a TTL and server-side Lua for renew and release. All operations are
// linearized by the store.
type LeaderLock struct {
	rdb       *redis.Client
	renewSc   *redis.Script
	releaseSc *redis.Script
}

// NewLeaderLock creates a LeaderLock backed by the given Client.
func NewLeaderLock(c *Client) *LeaderLock {
	return &LeaderLock{
		rdb:       c.Underlying(),
		renewSc:   redis.NewScript(renewLua),
		releaseSc: redis.NewScript(releaseLua),
	}
}

// Acquire performs an atomic set-if-absent of instanceID with the TTL. When
// the key is already held, it inspects the holder: if the stored value
// equals instanceID (re-entrant call or crash-restart with the same
// identity) the lock is renewed and treated as acquired.
func (l *LeaderLock) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, leaderKey, instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire leader: %w", err)
	}
	if ok {
		return true, nil
	}

	holder, err := l.Holder(ctx)
	if err != nil {
		return false, err
	}
	if holder == instanceID {
		return l.Renew(ctx, instanceID, ttl)
	}
	return false, nil
}

// Renew atomically extends the TTL only when the key is still held by
// instanceID. A false return means leadership was lost and the caller must
// demote itself.
func (l *LeaderLock) Renew(ctx context.Context, instanceID string, ttl time.Duration) (bool, error) {
	res, err := l.renewSc.Run(ctx, l.rdb, []string{leaderKey}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: renew leader: %w", err)
	}
	return res == 1, nil
}

// Release atomically deletes the leader key only when held by instanceID.
func (l *LeaderLock) Release(ctx context.Context, instanceID string) error {
	if err := l.releaseSc.Run(ctx, l.rdb, []string{leaderKey}, instanceID).Err(); err != nil {
		return fmt.Errorf("redis: release leader: %w", err)
	}
	return nil
}

// Holder returns the current leader value, or "" when the key is vacant.
func (l *LeaderLock) Holder(ctx context.Context) (string, error) {
	v, err := l.rdb.Get(ctx, leaderKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: read leader: %w", err)
	}
	return v, nil
}

// Heartbeat refreshes this instance's liveness key with the given TTL.
func (l *LeaderLock) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, heartbeatKeyPrefix+instanceID, time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("redis: heartbeat: %w", err)
	}
	return nil
}

var _ domain.LeaderLock = (*LeaderLock)(nil)

// SignalLocker takes short-lived per-fingerprint locks so a signal being
// processed cannot be picked up twice across a leadership handover window.
type SignalLocker struct {
	rdb       *redis.Client
	releaseSc *redis.Script
	ttl       time.Duration
}

// NewSignalLocker creates a SignalLocker with the given lock TTL.
func NewSignalLocker(c *Client, ttl time.Duration) *SignalLocker {
	return &SignalLocker{
		rdb:       c.Underlying(),
		releaseSc: redis.NewScript(releaseLua),
		ttl:       ttl,
	}
}

// TryLock attempts to claim the fingerprint for instanceID. On success it
// returns an unlock function that is safe to call multiple times. It returns
// domain.ErrLockHeld when another instance holds the fingerprint.
func (s *SignalLocker) TryLock(ctx context.Context, fingerprint, instanceID string) (func(), error) {
	key := signalLockPrefix + fingerprint

	ok, err := s.rdb.SetNX(ctx, key, instanceID, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: signal lock %s: %w", fingerprint, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Use a background context so unlock succeeds even if the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = s.releaseSc.Run(unlockCtx, s.rdb, []string{key}, instanceID).Err()
	}
	return unlock, nil
}
