package coord

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// Alerter delivers operator alerts. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Coordinator ensures at most one process in the replica set processes
// signals. It runs a single heartbeat goroutine that renews the leader lock
// at TTL/2 while leader and attempts acquisition at the election interval
// otherwise. It is the only writer of the local is_leader flag.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	lock      domain.LeaderLock // nil when the in-memory store is disabled
	instances domain.InstanceStore
	metrics   *Metrics
	alerter   Alerter
	logger    *slog.Logger

	instanceID string
	hostname   string
	startedAt  time.Time

	mu           sync.Mutex
	isLeader     bool
	leaderSince  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Coordinator. Pass a nil lock to run fail-closed: the process
// remains a permanent follower and the webhook layer refuses all signals.
func New(
	cfg config.CoordinatorConfig,
	lock domain.LeaderLock,
	instances domain.InstanceStore,
	alerter Alerter,
	instanceID string,
	logger *slog.Logger,
) *Coordinator {
	hostname, _ := os.Hostname()
	return &Coordinator{
		cfg:        cfg,
		lock:       lock,
		instances:  instances,
		metrics:    NewMetrics(time.Duration(cfg.HeartbeatStaleWarnSec)*time.Second, time.Duration(cfg.HeartbeatStaleCritSec)*time.Second),
		alerter:    alerter,
		instanceID: instanceID,
		hostname:   hostname,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "coordinator"), slog.String("instance_id", instanceID)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// IsLeader reports whether this process currently holds leadership. Safe for
// concurrent use.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// InstanceID returns this process's replica-set identity.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// Metrics returns the coordinator metrics accumulator.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Start launches the heartbeat goroutine. When the in-memory store is
// disabled it still heartbeats instance metadata to the relational store for
// observability, but never acquires leadership.
func (c *Coordinator) Start(ctx context.Context) {
	if c.lock == nil {
		c.logger.Warn("in-memory store disabled, running fail-closed as permanent follower")
	}
	go c.run(ctx)
}

// Stop signals the heartbeat goroutine and waits for it to exit, bounded by
// the join timeout. If this process is the leader, the lock is released and
// the transition audited before returning.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.logger.Warn("heartbeat goroutine did not stop within join timeout")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.demote(ctx, "shutdown")
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	iteration := 0
	for {
		interval := c.cfg.ElectionInterval()
		if c.IsLeader() {
			interval = c.cfg.RenewalInterval()
		}

		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		iteration++
		c.iterate(ctx, iteration)
		c.metrics.RecordHeartbeat(time.Now().UTC())
	}
}

// iterate runs one heartbeat cycle: renew or elect, sync instance metadata,
// and periodically cross-check the relational store for split-brain.
func (c *Coordinator) iterate(ctx context.Context, iteration int) {
	if c.lock != nil {
		if c.IsLeader() {
			c.renew(ctx)
		} else {
			c.elect(ctx)
		}

		if c.IsLeader() {
			if err := c.lock.Heartbeat(ctx, c.instanceID, 30*time.Second); err != nil {
				c.logger.Warn("heartbeat key refresh failed", slog.String("error", err.Error()))
			}
		}
	}

	c.syncInstanceRow(ctx)

	every := c.cfg.SplitBrainCheckEvery
	if every <= 0 {
		every = 10
	}
	if c.lock != nil && c.IsLeader() && iteration%every == 0 {
		c.checkSplitBrain(ctx)
	}
}

func (c *Coordinator) elect(ctx context.Context) {
	ok, err := c.lock.Acquire(ctx, c.instanceID, c.cfg.LeaderTTL())
	if err != nil {
		c.logger.Warn("leader acquisition failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.isLeader = true
	c.leaderSince = now
	c.mu.Unlock()

	c.metrics.RecordLeaderChange(now)
	c.logger.Info("became leader")

	start := time.Now()
	err = c.instances.RecordLeadershipTransition(ctx, domain.LeadershipTransition{
		InstanceID:     c.instanceID,
		Hostname:       c.hostname,
		BecameLeaderAt: now,
	})
	c.metrics.RecordDBSync("record_transition", time.Since(start), err == nil)
	if err != nil {
		c.logger.Error("failed to audit leadership transition", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) renew(ctx context.Context) {
	ok, err := c.lock.Renew(ctx, c.instanceID, c.cfg.LeaderTTL())
	if err != nil {
		c.logger.Warn("leader renewal errored", slog.String("error", err.Error()))
		return
	}
	if !ok {
		// Any non-1 script return means the store no longer holds our id.
		c.logger.Warn("leader renewal rejected, demoting")
		c.demoteLocal("renewal_rejected")
	}
}

// checkSplitBrain cross-checks the in-memory leader value against the
// relational leader row. If the relational store reports a different fresh
// leader, this process self-demotes immediately: two leaders processing the
// same signal doubles the position.
func (c *Coordinator) checkSplitBrain(ctx context.Context) {
	holder, err := c.lock.Holder(ctx)
	if err != nil {
		c.logger.Warn("split-brain check: holder read failed", slog.String("error", err.Error()))
		return
	}

	freshness := time.Duration(c.cfg.LeaderFreshnessSeconds) * time.Second
	start := time.Now()
	dbLeader, err := c.instances.GetCurrentLeader(ctx, freshness, true)
	c.metrics.RecordDBSync("get_current_leader", time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn("split-brain check: relational read failed", slog.String("error", err.Error()))
		return
	}

	if holder != c.instanceID {
		c.logger.Error("split-brain: in-memory leader diverged from local state",
			slog.String("holder", holder),
		)
		c.selfDemote(ctx, "inmemory_divergence")
		return
	}

	if dbLeader != "" && dbLeader != c.instanceID {
		c.logger.Error("split-brain: relational store reports a different fresh leader",
			slog.String("db_leader", dbLeader),
		)
		c.selfDemote(ctx, "relational_divergence")
	}
}

// selfDemote releases the lock, flips the local flag, and alerts the
// operator.
func (c *Coordinator) selfDemote(ctx context.Context, reason string) {
	c.demote(ctx, reason)
	if c.alerter != nil {
		_ = c.alerter.Notify(ctx, "split_brain", "Split-brain self-demotion",
			"instance "+c.instanceID+" self-demoted: "+reason)
	}
}

// demote releases leadership if held and audits the transition.
func (c *Coordinator) demote(ctx context.Context, reason string) {
	c.mu.Lock()
	wasLeader := c.isLeader
	since := c.leaderSince
	c.isLeader = false
	c.mu.Unlock()

	if !wasLeader {
		return
	}

	if c.lock != nil {
		if err := c.lock.Release(ctx, c.instanceID); err != nil {
			c.logger.Warn("lock release failed", slog.String("error", err.Error()))
		}
	}

	now := time.Now().UTC()
	dur := now.Sub(since).Seconds()
	start := time.Now()
	err := c.instances.RecordLeadershipTransition(ctx, domain.LeadershipTransition{
		InstanceID:     c.instanceID,
		Hostname:       c.hostname,
		BecameLeaderAt: since,
		ReleasedAt:     &now,
		DurationSec:    &dur,
	})
	c.metrics.RecordDBSync("record_transition", time.Since(start), err == nil)
	if err != nil {
		c.logger.Error("failed to audit leadership release", slog.String("error", err.Error()))
	}

	c.metrics.RecordLeaderChange(now)
	c.logger.Info("released leadership", slog.String("reason", reason), slog.Float64("held_seconds", dur))
}

// demoteLocal flips the flag without touching the lock; used when the store
// already rejected our renewal, so the key is no longer ours to delete.
func (c *Coordinator) demoteLocal(reason string) {
	c.mu.Lock()
	wasLeader := c.isLeader
	since := c.leaderSince
	c.isLeader = false
	c.mu.Unlock()
	if !wasLeader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	dur := now.Sub(since).Seconds()
	_ = c.instances.RecordLeadershipTransition(ctx, domain.LeadershipTransition{
		InstanceID:     c.instanceID,
		Hostname:       c.hostname,
		BecameLeaderAt: since,
		ReleasedAt:     &now,
		DurationSec:    &dur,
	})
	c.metrics.RecordLeaderChange(now)
	c.logger.Info("demoted", slog.String("reason", reason))
}

// syncInstanceRow upserts this process's instance_metadata row. Each process
// writes only its own row.
func (c *Coordinator) syncInstanceRow(ctx context.Context) {
	c.mu.Lock()
	isLeader := c.isLeader
	since := c.leaderSince
	c.mu.Unlock()

	meta := domain.InstanceMetadata{
		InstanceID:    c.instanceID,
		Hostname:      c.hostname,
		StartedAt:     c.startedAt,
		LastHeartbeat: time.Now().UTC(),
		IsLeader:      isLeader,
		Status:        "running",
	}
	if isLeader {
		meta.LeaderAcquired = &since
	}

	start := time.Now()
	err := c.instances.Upsert(ctx, meta)
	c.metrics.RecordDBSync("upsert_instance", time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn("instance metadata sync failed", slog.String("error", err.Error()))
	}
}

// RunOnce performs a single heartbeat iteration synchronously. Exposed for
// tests and for the CLI health probe.
func (c *Coordinator) RunOnce(ctx context.Context, iteration int) {
	c.iterate(ctx, iteration)
	c.metrics.RecordHeartbeat(time.Now().UTC())
}
