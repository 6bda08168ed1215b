package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pmbot/internal/domain"
)

// InstanceStore maintains instance_metadata and leadership_history for
// split-brain detection and operator audit.
type InstanceStore struct {
	client *Client
}

var _ domain.InstanceStore = (*InstanceStore)(nil)

// NewInstanceStore creates an InstanceStore backed by the given client.
func NewInstanceStore(client *Client) *InstanceStore {
	return &InstanceStore{client: client}
}

// Upsert writes this process's instance row. Each process writes only its
// own row, so a plain upsert is race-free.
func (s *InstanceStore) Upsert(ctx context.Context, m domain.InstanceMetadata) error {
	const query = `
		INSERT INTO instance_metadata (
			instance_id, hostname, started_at, last_heartbeat,
			is_leader, leader_acquired, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (instance_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			last_heartbeat = EXCLUDED.last_heartbeat,
			is_leader = EXCLUDED.is_leader,
			leader_acquired = EXCLUDED.leader_acquired,
			status = EXCLUDED.status`

	_, err := s.client.pool.Exec(ctx, query,
		m.InstanceID, m.Hostname, m.StartedAt, m.LastHeartbeat,
		m.IsLeader, m.LeaderAcquired, m.Status,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert instance %s: %w", m.InstanceID, err)
	}
	return nil
}

// GetStale returns instances whose heartbeat is older than the timeout.
func (s *InstanceStore) GetStale(ctx context.Context, timeout time.Duration) ([]domain.InstanceMetadata, error) {
	const query = `
		SELECT instance_id, hostname, started_at, last_heartbeat,
		       is_leader, leader_acquired, status
		FROM instance_metadata
		WHERE last_heartbeat < NOW() - $1::interval
		ORDER BY last_heartbeat`

	rows, err := s.client.pool.Query(ctx, query, timeout)
	if err != nil {
		return nil, fmt.Errorf("postgres: query stale instances: %w", err)
	}
	defer rows.Close()

	var out []domain.InstanceMetadata
	for rows.Next() {
		var m domain.InstanceMetadata
		if err := rows.Scan(
			&m.InstanceID, &m.Hostname, &m.StartedAt, &m.LastHeartbeat,
			&m.IsLeader, &m.LeaderAcquired, &m.Status,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan instance row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate instance rows: %w", err)
	}
	return out, nil
}

// GetCurrentLeader returns the instance id of the leader row with a heartbeat
// fresher than freshness, or "" when none. When forceFresh is set the read
// runs on a single acquired connection after a sync-point query, so it
// observes every transaction committed before the call.
func (s *InstanceStore) GetCurrentLeader(ctx context.Context, freshness time.Duration, forceFresh bool) (string, error) {
	const query = `
		SELECT instance_id FROM instance_metadata
		WHERE is_leader AND last_heartbeat > NOW() - $1::interval
		ORDER BY last_heartbeat DESC
		LIMIT 1`

	var row pgx.Row
	if forceFresh {
		conn, err := s.client.pool.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("postgres: acquire for leader read: %w", err)
		}
		defer conn.Release()

		// Sync point: a round-trip on this connection before the real read.
		var one int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return "", fmt.Errorf("postgres: leader read sync point: %w", err)
		}
		row = conn.QueryRow(ctx, query, freshness)
	} else {
		row = s.client.pool.QueryRow(ctx, query, freshness)
	}

	var id string
	err := row.Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get current leader: %w", err)
	}
	return id, nil
}

// RecordLeadershipTransition appends one leadership audit row.
func (s *InstanceStore) RecordLeadershipTransition(ctx context.Context, t domain.LeadershipTransition) error {
	const query = `
		INSERT INTO leadership_history (
			instance_id, hostname, became_leader_at, released_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5)`

	_, err := s.client.pool.Exec(ctx, query,
		t.InstanceID, t.Hostname, t.BecameLeaderAt, t.ReleasedAt, t.DurationSec,
	)
	if err != nil {
		return fmt.Errorf("postgres: record leadership transition: %w", err)
	}
	return nil
}
