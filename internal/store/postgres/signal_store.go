package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pmbot/internal/domain"
)

// SignalStore records signal fingerprints for durable dedup and writes the
// per-signal audit rows.
type SignalStore struct {
	client *Client
}

var _ domain.SignalStore = (*SignalStore)(nil)

// NewSignalStore creates a SignalStore backed by the given client.
func NewSignalStore(client *Client) *SignalStore {
	return &SignalStore{client: client}
}

// CheckDuplicate reports whether the fingerprint was logged within the window
// ending now. The relational check backs up the in-memory signal lock so a
// leader failover inside the window still rejects the replay.
func (s *SignalStore) CheckDuplicate(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM signal_log
			WHERE fingerprint = $1 AND received_at > NOW() - $2::interval
		)`

	var dup bool
	err := s.client.pool.QueryRow(ctx, query, fingerprint, window).Scan(&dup)
	if err != nil {
		return false, fmt.Errorf("postgres: check duplicate %s: %w", fingerprint, err)
	}
	return dup, nil
}

// LogSignal records the fingerprint as seen. Re-logging a fingerprint
// refreshes received_at, which is what the dedup window wants.
func (s *SignalStore) LogSignal(ctx context.Context, fingerprint string, instrument domain.Instrument, kind domain.SignalKind, signalTime time.Time) error {
	const query = `
		INSERT INTO signal_log (fingerprint, instrument, kind, signal_time, received_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (fingerprint) DO UPDATE SET received_at = NOW()`

	_, err := s.client.pool.Exec(ctx, query,
		fingerprint, string(instrument), string(kind), signalTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: log signal %s: %w", fingerprint, err)
	}
	return nil
}

// LogAudit writes one audit row with the pipeline stage records as JSONB.
func (s *SignalStore) LogAudit(ctx context.Context, a domain.SignalAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	validation, err := marshalRecord(a.Validation)
	if err != nil {
		return err
	}
	sizing, err := marshalRecord(a.Sizing)
	if err != nil {
		return err
	}
	risk, err := marshalRecord(a.Risk)
	if err != nil {
		return err
	}
	execution, err := marshalRecord(a.Execution)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO signal_audit (
			id, fingerprint, instrument, kind, position,
			signal_time, received_at, outcome, reason,
			validation, sizing, risk, execution, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = s.client.pool.Exec(ctx, query,
		a.ID, a.Fingerprint, string(a.Instrument), string(a.Kind), a.Position,
		a.SignalTime, a.ReceivedAt, string(a.Outcome), a.Reason,
		validation, sizing, risk, execution, a.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("postgres: log audit %s: %w", a.Fingerprint, err)
	}
	return nil
}

// ListAuditBefore returns audit rows received strictly before the cutoff, in
// received order, for cold-storage archival.
func (s *SignalStore) ListAuditBefore(ctx context.Context, before time.Time) ([]domain.SignalAudit, error) {
	const query = `
		SELECT id, fingerprint, instrument, kind, position,
		       signal_time, received_at, outcome, reason,
		       validation, sizing, risk, execution, duration_ms
		FROM signal_audit
		WHERE received_at < $1
		ORDER BY received_at`

	rows, err := s.client.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalAudit
	for rows.Next() {
		var a domain.SignalAudit
		var instrument, kind, outcome string
		var validation, sizing, risk, execution []byte

		err := rows.Scan(
			&a.ID, &a.Fingerprint, &instrument, &kind, &a.Position,
			&a.SignalTime, &a.ReceivedAt, &outcome, &a.Reason,
			&validation, &sizing, &risk, &execution, &a.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan audit row: %w", err)
		}

		a.Instrument = domain.Instrument(instrument)
		a.Kind = domain.SignalKind(kind)
		a.Outcome = domain.SignalOutcome(outcome)
		if err := unmarshalRecord(validation, &a.Validation); err != nil {
			return nil, err
		}
		if err := unmarshalRecord(sizing, &a.Sizing); err != nil {
			return nil, err
		}
		if err := unmarshalRecord(risk, &a.Risk); err != nil {
			return nil, err
		}
		if err := unmarshalRecord(execution, &a.Execution); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate audit rows: %w", err)
	}
	return out, nil
}

// DeleteAuditBefore removes archived audit rows and returns the count.
func (s *SignalStore) DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.client.pool.Exec(ctx,
		"DELETE FROM signal_audit WHERE received_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// marshalRecord serializes a nillable record pointer to JSONB, keeping NULL
// for absent stages.
func marshalRecord(v any) ([]byte, error) {
	switch r := v.(type) {
	case *domain.ValidationRecord:
		if r == nil {
			return nil, nil
		}
	case *domain.SizingRecord:
		if r == nil {
			return nil, nil
		}
	case *domain.RiskRecord:
		if r == nil {
			return nil, nil
		}
	case *domain.ExecutionRecord:
		if r == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal audit record: %w", err)
	}
	return data, nil
}

func unmarshalRecord[T any](data []byte, dst **T) error {
	if len(data) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("postgres: unmarshal audit record: %w", err)
	}
	*dst = &v
	return nil
}
