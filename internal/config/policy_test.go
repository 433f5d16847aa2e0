package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const samplePolicy = `
allowed_schemas: [alunos]
allowed_tables: [public.cursos]
denied_keywords: [listen]
few_shot_examples:
  - question: how many students are there?
    sql: SELECT count(*) FROM alunos.alunos
analysis:
  rules:
    - algorithm: trend
      min_numeric: 1
      temporal: required
    - algorithm: clustering
      min_numeric: 2
      max_numeric: 2
      temporal: forbidden
  min_rows:
    clustering: 20
`

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	if len(policy.AllowedSchemas) != 1 || policy.AllowedSchemas[0] != "alunos" {
		t.Fatalf("AllowedSchemas = %v", policy.AllowedSchemas)
	}
	if len(policy.FewShot) != 1 || !strings.Contains(policy.FewShot[0].SQL, "alunos.alunos") {
		t.Fatalf("FewShot = %+v", policy.FewShot)
	}
	if len(policy.Analysis.Rules) != 2 || policy.Analysis.Rules[1].MaxNumeric != 2 {
		t.Fatalf("Analysis.Rules = %+v", policy.Analysis.Rules)
	}
	if policy.Analysis.MinRows["clustering"] != 20 {
		t.Fatalf("MinRows = %v", policy.Analysis.MinRows)
	}
}

func TestParsePolicyRejectsInvalidDocuments(t *testing.T) {
	tests := []string{
		"allowed_schemas: []",
		"allowed_tables: [cursos]",
		"allowed_schemas: [a]\nfew_shot_examples:\n  - question: q\n",
		"allowed_schemas: [a]\nanalysis:\n  rules:\n    - algorithm: pca\n      temporal: sometimes\n",
		"allowed_schemas: [a]\nanalysis:\n  rules:\n    - algorithm: pca\n      min_numeric: 3\n      max_numeric: 2\n",
		"allowed_schemas: [",
	}
	for _, raw := range tests {
		if _, err := ParsePolicy([]byte(raw)); err == nil {
			t.Fatalf("ParsePolicy() expected error for %q", raw)
		}
	}
}

func TestPolicyStoreDefaultsWithoutFile(t *testing.T) {
	store, err := NewPolicyStore("", nil)
	if err != nil {
		t.Fatalf("NewPolicyStore() error = %v", err)
	}
	if got := store.Current().AllowedSchemas; len(got) != 1 || got[0] != "public" {
		t.Fatalf("AllowedSchemas = %v", got)
	}
}

func TestPolicyStoreKeepsPreviousPolicyOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	store, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("allowed_schemas: ["), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := store.Current().AllowedSchemas; len(got) != 1 || got[0] != "alunos" {
		t.Fatalf("AllowedSchemas after failed reload = %v", got)
	}
}

func TestPolicyStoreWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	store, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte("allowed_schemas: [sales]\n"), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if got := store.Current().AllowedSchemas; len(got) == 1 && got[0] == "sales" {
			return
		}
	}
	t.Fatalf("policy was not reloaded; AllowedSchemas = %v", store.Current().AllowedSchemas)
}
