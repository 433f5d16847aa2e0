package maintenance

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/nlq/internal/retrieval"
	"github.com/duckmesh/nlq/internal/retrieval/snapshot"
	"github.com/duckmesh/nlq/internal/storage"
)

func TestRunRetentionOncePrunesBeforeCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pruner := &fakePruner{deleted: 42}
	svc := &Service{
		Audit:  pruner,
		Config: Config{AuditRetention: 30 * 24 * time.Hour},
		Clock:  func() time.Time { return now },
	}

	summary, err := svc.RunRetentionOnce(context.Background())
	if err != nil {
		t.Fatalf("RunRetentionOnce() error = %v", err)
	}
	want := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	if !pruner.cutoff.Equal(want) || !summary.Cutoff.Equal(want) {
		t.Fatalf("cutoff = %s, summary = %s, want %s", pruner.cutoff, summary.Cutoff, want)
	}
	if summary.EntriesPruned != 42 {
		t.Fatalf("EntriesPruned = %d", summary.EntriesPruned)
	}
}

func TestRunRetentionOnceReportsPrunerError(t *testing.T) {
	svc := &Service{
		Audit:  &fakePruner{err: errors.New("connection reset")},
		Config: Config{AuditRetention: time.Hour},
	}
	if _, err := svc.RunRetentionOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("RunRetentionOnce() error = %v", err)
	}
}

func TestRunRetentionOnceRequiresRetention(t *testing.T) {
	svc := &Service{Audit: &fakePruner{}}
	if _, err := svc.RunRetentionOnce(context.Background()); err == nil {
		t.Fatal("expected error when retention is disabled")
	}
}

func TestRunIntegrityCheckOnceSuccess(t *testing.T) {
	store := newMemoryStore()
	store.putSnapshot(t, "escola", []snapshot.Record{
		{Chunk: retrieval.Chunk{ID: "alunos.alunos", Schema: "alunos", Table: "alunos", Text: "CREATE TABLE alunos.alunos (...)"}, Embedding: []float32{0.1, 0.2, 0.3}},
		{Chunk: retrieval.Chunk{ID: "alunos.notas", Schema: "alunos", Table: "notas", Text: "CREATE TABLE alunos.notas (...)"}, Embedding: []float32{0.3, 0.2, 0.1}},
		{Chunk: retrieval.Chunk{ID: "alunos.notas#cols", Schema: "alunos", Table: "notas", Text: "nota numeric"}, Embedding: []float32{0.2, 0.2, 0.2}},
	})
	svc := &Service{ObjectStore: store, Config: Config{IndexName: "escola"}}

	summary, err := svc.RunIntegrityCheckOnce(context.Background())
	if err != nil {
		t.Fatalf("RunIntegrityCheckOnce() error = %v", err)
	}
	if summary.SnapshotKey != "schema-index/escola/latest.parquet" {
		t.Fatalf("SnapshotKey = %q", summary.SnapshotKey)
	}
	if summary.Chunks != 3 || summary.Tables != 2 || summary.Dimensions != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.SizeBytes == 0 || summary.EmptyChunks != 0 || summary.SizeMismatches != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRunIntegrityCheckOnceDetectsMissingSnapshot(t *testing.T) {
	svc := &Service{ObjectStore: newMemoryStore(), Config: Config{IndexName: "escola"}}
	_, err := svc.RunIntegrityCheckOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "is missing") {
		t.Fatalf("RunIntegrityCheckOnce() error = %v", err)
	}
}

func TestRunIntegrityCheckOnceDetectsEmptyChunks(t *testing.T) {
	store := newMemoryStore()
	store.putSnapshot(t, "escola", []snapshot.Record{
		{Chunk: retrieval.Chunk{ID: "a", Schema: "alunos", Table: "alunos", Text: "  "}, Embedding: []float32{1, 0}},
		{Chunk: retrieval.Chunk{ID: "b", Schema: "alunos", Table: "notas", Text: "nota numeric"}, Embedding: []float32{0, 1}},
	})
	svc := &Service{ObjectStore: store, Config: Config{IndexName: "escola"}}

	summary, err := svc.RunIntegrityCheckOnce(context.Background())
	if err == nil {
		t.Fatal("expected integrity error")
	}
	if summary.EmptyChunks != 1 || !strings.Contains(err.Error(), "chunk a has no text") {
		t.Fatalf("summary = %+v, error = %v", summary, err)
	}
}

func TestRunIntegrityCheckOnceDetectsSizeMismatch(t *testing.T) {
	store := newMemoryStore()
	store.putSnapshot(t, "escola", []snapshot.Record{
		{Chunk: retrieval.Chunk{ID: "a", Schema: "alunos", Table: "alunos", Text: "alunos"}, Embedding: []float32{1, 0}},
	})
	store.sizeOverride = 7
	svc := &Service{ObjectStore: store, Config: Config{IndexName: "escola"}}

	summary, err := svc.RunIntegrityCheckOnce(context.Background())
	if err == nil || summary.SizeMismatches != 1 {
		t.Fatalf("summary = %+v, error = %v", summary, err)
	}
}

func TestRunIntegrityCheckOnceRejectsCorruptSnapshot(t *testing.T) {
	store := newMemoryStore()
	store.objects["schema-index/escola/latest.parquet"] = []byte("not parquet")
	svc := &Service{ObjectStore: store, Config: Config{IndexName: "escola"}}
	if _, err := svc.RunIntegrityCheckOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "decode snapshot") {
		t.Fatalf("RunIntegrityCheckOnce() error = %v", err)
	}
}

func TestEnabled(t *testing.T) {
	if (&Service{}).Enabled() {
		t.Fatal("empty service should have no jobs")
	}
	if !(&Service{Audit: &fakePruner{}, Config: Config{AuditRetention: time.Hour}}).Enabled() {
		t.Fatal("retention job should be enabled")
	}
	if (&Service{ObjectStore: newMemoryStore()}).Enabled() {
		t.Fatal("integrity job needs an index name")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pruner := &fakePruner{}
	svc := &Service{
		Audit:  pruner,
		Config: Config{AuditRetention: time.Hour, RetentionInterval: time.Millisecond},
	}
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for pruner.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if pruner.callCount() == 0 {
		t.Fatal("expected at least one retention run")
	}
}

type fakePruner struct {
	mu      sync.Mutex
	deleted int64
	err     error
	cutoff  time.Time
	calls   int
}

func (f *fakePruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoff = cutoff
	return f.deleted, f.err
}

func (f *fakePruner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryStore struct {
	objects      map[string][]byte
	sizeOverride int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) putSnapshot(t *testing.T, index string, records []snapshot.Record) {
	t.Helper()
	encoded, err := snapshot.Encode(records)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	key, err := storage.LatestSnapshotKey(index)
	if err != nil {
		t.Fatalf("LatestSnapshotKey() error = %v", err)
	}
	m.objects[key] = encoded.Data
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	size := int64(len(data))
	if m.sizeOverride > 0 {
		size = m.sizeOverride
	}
	return storage.ObjectInfo{Key: key, Size: size}, nil
}
