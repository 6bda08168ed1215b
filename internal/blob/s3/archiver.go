package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// multipartThreshold switches uploads to the multipart path. Audit dumps
// rarely get this big but a month of unarchived rows can.
const multipartThreshold = 8 * 1024 * 1024

// AuditSource is the slice of the signal store the archiver reads and prunes.
type AuditSource interface {
	ListAuditBefore(ctx context.Context, before time.Time) ([]domain.SignalAudit, error)
	DeleteAuditBefore(ctx context.Context, before time.Time) (int64, error)
}

// ObjectStore is the object storage surface the archiver uploads through.
type ObjectStore interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Leadership gates the archiver to the active instance.
type Leadership interface {
	IsLeader() bool
}

// Archiver moves audit rows older than the retention window to object
// storage as JSONL, then deletes them from the primary store. The delete
// only runs after the uploaded object is confirmed to exist, so a failed
// upload never loses rows.
type Archiver struct {
	source AuditSource
	blobs  ObjectStore
	leader Leadership
	cfg    config.ArchiveConfig
	logger *slog.Logger
}

// NewArchiver creates an Archiver. leader may be nil for single-instance
// deployments.
func NewArchiver(source AuditSource, blobs ObjectStore, leader Leadership, cfg config.ArchiveConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		source: source,
		blobs:  blobs,
		leader: leader,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run executes archival sweeps on the configured interval until ctx is
// cancelled. Followers skip their slots; the leader does the work.
func (a *Archiver) Run(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Info("archival disabled")
		<-ctx.Done()
		return nil
	}

	interval := time.Duration(a.cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.leader != nil && !a.leader.IsLeader() {
				continue
			}
			count, err := a.RunOnce(ctx, time.Now().UTC())
			if err != nil {
				a.logger.Error("archival sweep failed", slog.String("error", err.Error()))
				continue
			}
			if count > 0 {
				a.logger.Info("archival sweep complete", slog.Int64("rows", count))
			}
		}
	}
}

// RunOnce archives everything received before now minus the retention
// window. Returns the number of rows moved.
func (a *Archiver) RunOnce(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -a.cfg.RetentionDays)

	rows, err := a.source.ListAuditBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list audit rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal audit rows: %w", err)
	}

	path := archivePath(now)
	if len(buf) > multipartThreshold {
		err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.blobs.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: upload audit archive: %w", err)
	}

	// Verify before pruning; a missing object after a "successful" upload
	// means an eventually-consistent provider, so keep the rows for the next
	// sweep.
	ok, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: verify audit archive: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: uploaded archive %s not visible yet", path)
	}

	deleted, err := a.source.DeleteAuditBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune archived rows: %w", err)
	}

	a.logger.Info("audit rows archived",
		slog.String("path", path),
		slog.Int("uploaded", len(rows)),
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return deleted, nil
}

// archivePath keys archives by sweep time so repeated sweeps never clobber
// each other: archive/audit/2026-08-24T093000.jsonl
func archivePath(now time.Time) string {
	return fmt.Sprintf("archive/audit/%s.jsonl", now.Format("2006-01-02T150405"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL(records []domain.SignalAudit) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
