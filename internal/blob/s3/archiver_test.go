package s3blob

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	rows    []domain.SignalAudit
	deleted []time.Time
	listErr error
}

func (f *fakeSource) ListAuditBefore(_ context.Context, before time.Time) ([]domain.SignalAudit, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.SignalAudit
	for _, r := range f.rows {
		if r.ReceivedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) DeleteAuditBefore(_ context.Context, before time.Time) (int64, error) {
	f.deleted = append(f.deleted, before)
	var n int64
	for _, r := range f.rows {
		if r.ReceivedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

type fakeBlobs struct {
	objects map[string][]byte
	putErr  error
	// invisible simulates an eventually-consistent provider where HeadObject
	// misses a fresh upload.
	invisible bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[path] = b
	return nil
}

func (f *fakeBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return f.Put(ctx, path, data, "")
}

func (f *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	if f.invisible {
		return false, nil
	}
	_, ok := f.objects[path]
	return ok, nil
}

func auditRow(fp string, receivedAt time.Time) domain.SignalAudit {
	return domain.SignalAudit{
		Fingerprint: fp,
		Instrument:  domain.InstrumentGold,
		Kind:        domain.SignalBaseEntry,
		ReceivedAt:  receivedAt,
		Outcome:     domain.OutcomeProcessed,
	}
}

func TestArchiverMovesOldRows(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	source := &fakeSource{rows: []domain.SignalAudit{
		auditRow("old-1", now.AddDate(0, 0, -40)),
		auditRow("old-2", now.AddDate(0, 0, -31)),
		auditRow("fresh", now.AddDate(0, 0, -1)),
	}}
	blobs := newFakeBlobs()
	a := NewArchiver(source, blobs, nil, config.ArchiveConfig{Enabled: true, RetentionDays: 30}, testLogger())

	moved, err := a.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if moved != 2 {
		t.Errorf("moved = %d, want 2", moved)
	}
	if len(source.deleted) != 1 {
		t.Fatalf("delete calls = %d", len(source.deleted))
	}

	data, ok := blobs.objects["archive/audit/2026-08-24T093000.jsonl"]
	if !ok {
		t.Fatalf("archive object missing, have %v", keys(blobs.objects))
	}
	var fps []string
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		var row domain.SignalAudit
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		fps = append(fps, row.Fingerprint)
	}
	if len(fps) != 2 || fps[0] != "old-1" || fps[1] != "old-2" {
		t.Errorf("archived fingerprints = %v", fps)
	}
}

func TestArchiverNothingToDo(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	source := &fakeSource{rows: []domain.SignalAudit{auditRow("fresh", now)}}
	blobs := newFakeBlobs()
	a := NewArchiver(source, blobs, nil, config.ArchiveConfig{Enabled: true, RetentionDays: 30}, testLogger())

	moved, err := a.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if moved != 0 || len(blobs.objects) != 0 || len(source.deleted) != 0 {
		t.Errorf("moved=%d objects=%d deletes=%d", moved, len(blobs.objects), len(source.deleted))
	}
}

func TestArchiverKeepsRowsWhenUploadFails(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	source := &fakeSource{rows: []domain.SignalAudit{auditRow("old", now.AddDate(0, 0, -60))}}
	blobs := newFakeBlobs()
	blobs.putErr = errors.New("connection reset")
	a := NewArchiver(source, blobs, nil, config.ArchiveConfig{Enabled: true, RetentionDays: 30}, testLogger())

	if _, err := a.RunOnce(context.Background(), now); err == nil {
		t.Fatal("expected upload error")
	}
	if len(source.deleted) != 0 {
		t.Error("rows pruned despite failed upload")
	}
}

func TestArchiverKeepsRowsWhenObjectNotVisible(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	source := &fakeSource{rows: []domain.SignalAudit{auditRow("old", now.AddDate(0, 0, -60))}}
	blobs := newFakeBlobs()
	blobs.invisible = true
	a := NewArchiver(source, blobs, nil, config.ArchiveConfig{Enabled: true, RetentionDays: 30}, testLogger())

	if _, err := a.RunOnce(context.Background(), now); err == nil {
		t.Fatal("expected visibility error")
	}
	if len(source.deleted) != 0 {
		t.Error("rows pruned despite unverified upload")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
