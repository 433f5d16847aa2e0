package nlqctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/nlq/internal/retrieval"
	"github.com/duckmesh/nlq/internal/retrieval/snapshot"
	"github.com/duckmesh/nlq/internal/storage"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	apiKey string
	body   map[string]any
}

func newRecordingServer(t *testing.T, status int, response string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	got := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.apiKey = r.Header.Get("X-API-Key")
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &got.body)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunAskCommand(t *testing.T) {
	srv, got := newRecordingServer(t, http.StatusOK, `{"sql":"SELECT 1"}`)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"--api-key", "k1",
		"ask", "--session", "s-9", "how", "many", "students",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.method != http.MethodPost || got.path != "/v1/ask" || got.apiKey != "k1" {
		t.Fatalf("request = %+v", got)
	}
	if got.body["question"] != "how many students" || got.body["session_id"] != "s-9" {
		t.Fatalf("body = %v", got.body)
	}
	if !strings.Contains(stdout.String(), `"sql": "SELECT 1"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunValidateCommand(t *testing.T) {
	srv, got := newRecordingServer(t, http.StatusOK, `{"accepted":false}`)

	code := Run(context.Background(), []string{"--base-url", srv.URL, "validate", "DELETE FROM alunos.alunos"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/validate" || got.body["sql"] != "DELETE FROM alunos.alunos" {
		t.Fatalf("request = %+v", got)
	}
}

func TestRunAuditCommand(t *testing.T) {
	srv, got := newRecordingServer(t, http.StatusOK, `{"entries":[],"count":0}`)

	if code := Run(context.Background(), []string{"--base-url", srv.URL, "audit", "--limit", "5"}, Options{}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.method != http.MethodGet || got.path != "/v1/audit/recent" || got.query != "limit=5" {
		t.Fatalf("request = %+v", got)
	}

	if code := Run(context.Background(), []string{"--base-url", srv.URL, "audit", "--id", "a-1"}, Options{}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/audit/a-1" {
		t.Fatalf("path = %s", got.path)
	}
}

func TestRunHealthAndReady(t *testing.T) {
	for _, command := range []string{"health", "ready"} {
		srv, got := newRecordingServer(t, http.StatusOK, `{"status":"ok"}`)
		if code := Run(context.Background(), []string{"--base-url", srv.URL, command}, Options{}); code != 0 {
			t.Fatalf("%s exit code = %d", command, code)
		}
		if got.method != http.MethodGet || got.path != "/v1/"+command {
			t.Fatalf("request = %+v", got)
		}
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusUnprocessableEntity, `{"error_code":"QUERY_REJECTED"}`)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "ask", "drop everything"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "QUERY_REJECTED") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"unknown"},
		{"validate"},
		{"audit", "--limit", "0"},
	} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("Run(%v) exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("Run(%v) expected error output", args)
		}
	}
}

func TestSnapshotInspect(t *testing.T) {
	path := writeSnapshot(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"snapshot", "inspect", "--full", path}, Options{Stdout: &stdout, Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "chunks: 2  tables: 2  dimensions: 3") {
		t.Fatalf("stdout = %s", out)
	}
	if !strings.Contains(out, "alunos.turmas") || !strings.Contains(out, "CREATE TABLE alunos.alunos") {
		t.Fatalf("stdout = %s", out)
	}
}

func TestSnapshotInspectRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.parquet")
	if err := os.WriteFile(path, []byte("not parquet"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if code := Run(context.Background(), []string{"snapshot", "inspect", path}, Options{}); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if opts.ContentType != storage.SnapshotContentType {
		return storage.ObjectInfo{}, io.ErrUnexpectedEOF
	}
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrObjectNotFound
}

func (m *memoryStore) Stat(context.Context, string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, storage.ErrObjectNotFound
}

func TestSnapshotPush(t *testing.T) {
	path := writeSnapshot(t)
	store := &memoryStore{objects: map[string][]byte{}}

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"snapshot", "push", "--index", "escola", path}, Options{
		Stdout:      &stdout,
		Stderr:      &stderr,
		ObjectStore: func(context.Context) (storage.ObjectStore, error) { return store, nil },
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if _, ok := store.objects["schema-index/escola/latest.parquet"]; !ok || len(store.objects) != 2 {
		t.Fatalf("objects = %v", keys(store.objects))
	}

	if code := Run(context.Background(), []string{"snapshot", "push", path}, Options{}); code != 1 {
		t.Fatalf("exit code without object store = %d", code)
	}
}

func writeSnapshot(t *testing.T) string {
	t.Helper()
	encoded, err := snapshot.Encode([]snapshot.Record{
		{Chunk: retrieval.Chunk{ID: "c1", Schema: "alunos", Table: "alunos", Text: "CREATE TABLE alunos.alunos (id int, nome text)"}, Embedding: []float32{0.1, 0.2, 0.3}},
		{Chunk: retrieval.Chunk{ID: "c2", Schema: "alunos", Table: "turmas", Text: "CREATE TABLE alunos.turmas (id int, serie text)"}, Embedding: []float32{0.3, 0.2, 0.1}},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "schema_chunks.parquet")
	if err := os.WriteFile(path, encoded.Data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func keys(objects map[string][]byte) []string {
	out := make([]string, 0, len(objects))
	for key := range objects {
		out = append(out, key)
	}
	return out
}
