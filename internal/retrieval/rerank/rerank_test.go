package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientRerankAlignsScoresByIndex(t *testing.T) {
	var got rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"index":1,"score":0.91},{"index":0,"score":0.12},{"index":2,"score":0.5}]`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", Model: "bge-reranker-base"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	scores, err := client.Rerank(context.Background(), "list all students", []string{"turmas", "alunos", "notas"})
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	want := []float64{0.12, 0.91, 0.5}
	for i := range want {
		if scores[i] != want[i] {
			t.Fatalf("scores = %v, want %v", scores, want)
		}
	}
	if got.Query != "list all students" || len(got.Texts) != 3 || got.Model != "bge-reranker-base" {
		t.Fatalf("request = %+v", got)
	}
}

func TestClientRerankRejectsMissingScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"index":0,"score":0.3}]`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := client.Rerank(context.Background(), "q", []string{"a", "b"}); err == nil {
		t.Fatal("expected error for missing score")
	}
}

func TestClientRerankStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := client.Rerank(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestSimilarityKeepsSearchOrder(t *testing.T) {
	scores, err := Similarity{}.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if !(scores[0] > scores[1] && scores[1] > scores[2]) {
		t.Fatalf("scores = %v, want strictly descending", scores)
	}
}
