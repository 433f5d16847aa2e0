package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("nlq-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.VectorStore.Backend != VectorBackendChromem {
		t.Fatalf("VectorStore.Backend = %q", cfg.VectorStore.Backend)
	}
	if cfg.Retrieval.TopK != 8 || cfg.Retrieval.Candidates != 40 {
		t.Fatalf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Cost.MaxTotalCost != 1_000_000 || cfg.Cost.MaxPlanRows != 200_000 {
		t.Fatalf("Cost = %+v", cfg.Cost)
	}
	if !cfg.Guard.RequireLimit || cfg.Guard.DefaultLimit != 1000 {
		t.Fatalf("Guard = %+v", cfg.Guard)
	}
	if cfg.Execution.RowCap != 5000 {
		t.Fatalf("Execution.RowCap = %d", cfg.Execution.RowCap)
	}
	if cfg.Audit.Enabled {
		t.Fatal("Audit.Enabled should default to false in dev")
	}
	if cfg.Rerank.Provider != RerankProviderNone {
		t.Fatalf("Rerank.Provider = %q", cfg.Rerank.Provider)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("nlq-api", mapLookup(map[string]string{
		"NLQ_PROFILE":     "prod",
		"NLQ_POLICY_FILE": "/etc/nlq/policy.yaml",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if !cfg.Audit.Enabled {
		t.Fatal("Audit.Enabled should default to true in prod")
	}
	if !cfg.Policy.Watch {
		t.Fatal("Policy.Watch should default to true in prod")
	}
	if cfg.Maintenance.AuditRetention != 90*24*time.Hour {
		t.Fatalf("Maintenance.AuditRetention = %s", cfg.Maintenance.AuditRetention)
	}
}

func TestLoadProdRequiresPolicyFile(t *testing.T) {
	if _, err := Load("nlq-api", mapLookup(map[string]string{"NLQ_PROFILE": "prod"})); err == nil {
		t.Fatal("expected error when prod profile has no policy file")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"NLQ_PROFILE":                         "test",
		"NLQ_SERVICE_NAME":                    "nlq-custom",
		"NLQ_HTTP_ADDR":                       ":9999",
		"NLQ_HTTP_READ_TIMEOUT":               "2s",
		"NLQ_LOG_LEVEL":                       "error",
		"NLQ_TARGET_DSN":                      "postgres://reader@db/app",
		"NLQ_TARGET_ROLE":                     "analytics_ro",
		"NLQ_TARGET_MAX_OPEN_CONNS":           "42",
		"NLQ_VECTOR_BACKEND":                  "pgvector",
		"NLQ_VECTOR_DSN":                      "postgres://vec@db/index",
		"NLQ_RERANK_PROVIDER":                 "tei",
		"NLQ_RERANK_BASE_URL":                 "http://reranker:8080",
		"NLQ_AI_PROVIDER":                     "ollama",
		"NLQ_AI_MODEL":                        "qwen2.5-coder",
		"NLQ_AI_TEMPERATURE":                  "0.3",
		"NLQ_AI_TIMEOUT":                      "21s",
		"NLQ_AI_REQUESTS_PER_SECOND":          "2.5",
		"NLQ_RETRIEVAL_TOP_K":                 "12",
		"NLQ_RETRIEVAL_CANDIDATES":            "30",
		"NLQ_RETRIEVAL_INCLUDE_PREVIOUS_TURN": "true",
		"NLQ_PROMPT_BUDGET_CHARS":             "8000",
		"NLQ_GUARD_REQUIRE_LIMIT":             "false",
		"NLQ_COST_MAX_TOTAL_COST":             "250000",
		"NLQ_COST_PLAN_TIMEOUT":               "1500ms",
		"NLQ_EXEC_ROW_CAP":                    "100",
		"NLQ_EXEC_TIMEOUT":                    "7s",
		"NLQ_AUDIT_ENABLED":                   "true",
		"NLQ_AUDIT_DSN":                       "postgres://writer@db/meta",
	})
	cfg, err := Load("nlq-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "nlq-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Target.DSN != "postgres://reader@db/app" || cfg.Target.Role != "analytics_ro" || cfg.Target.MaxOpenConns != 42 {
		t.Fatalf("Target = %+v", cfg.Target)
	}
	if cfg.VectorStore.Backend != VectorBackendPgvector || cfg.VectorStore.DSN != "postgres://vec@db/index" {
		t.Fatalf("VectorStore = %+v", cfg.VectorStore)
	}
	if cfg.Rerank.Provider != RerankProviderTEI || cfg.Rerank.BaseURL != "http://reranker:8080" {
		t.Fatalf("Rerank = %+v", cfg.Rerank)
	}
	if cfg.AI.Provider != ProviderOllama || cfg.AI.Model != "qwen2.5-coder" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Temperature != 0.3 || cfg.AI.Timeout != 21*time.Second || cfg.AI.RequestsPerSecond != 2.5 {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.Retrieval.TopK != 12 || cfg.Retrieval.Candidates != 30 || !cfg.Retrieval.IncludePreviousTurn {
		t.Fatalf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Prompt.BudgetChars != 8000 {
		t.Fatalf("Prompt.BudgetChars = %d", cfg.Prompt.BudgetChars)
	}
	if cfg.Guard.RequireLimit {
		t.Fatal("Guard.RequireLimit = true, want false")
	}
	if cfg.Cost.MaxTotalCost != 250000 || cfg.Cost.PlanTimeout != 1500*time.Millisecond {
		t.Fatalf("Cost = %+v", cfg.Cost)
	}
	if cfg.Execution.RowCap != 100 || cfg.Execution.Timeout != 7*time.Second {
		t.Fatalf("Execution = %+v", cfg.Execution)
	}
	if !cfg.Audit.Enabled || cfg.Audit.DSN != "postgres://writer@db/meta" {
		t.Fatalf("Audit = %+v", cfg.Audit)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"NLQ_PROFILE": "oops"},
		{"NLQ_HTTP_READ_TIMEOUT": "NaN"},
		{"NLQ_TARGET_MAX_OPEN_CONNS": "oops"},
		{"NLQ_AI_TEMPERATURE": "bad"},
		{"NLQ_AUDIT_ENABLED": "not-bool"},
		{"NLQ_LOG_LEVEL": "verbose"},
		{"NLQ_VECTOR_BACKEND": "faiss"},
		{"NLQ_VECTOR_BACKEND": "pgvector"},
		{"NLQ_AI_PROVIDER": "gemini"},
		{"NLQ_RERANK_PROVIDER": "tei"},
		{"NLQ_RETRIEVAL_TOP_K": "0"},
		{"NLQ_RETRIEVAL_TOP_K": "20", "NLQ_RETRIEVAL_CANDIDATES": "10"},
		{"NLQ_EXEC_ROW_CAP": "0"},
		{"NLQ_COST_MAX_TOTAL_COST": "-1"},
		{"NLQ_AUDIT_ENABLED": "true", "NLQ_AUDIT_DSN": ""},
		{"NLQ_AUDIT_RETENTION": "-1h"},
		{"NLQ_MAINTENANCE_INTEGRITY_INTERVAL": "0s"},
	}
	for _, env := range tests {
		if _, err := Load("nlq-api", mapLookup(env)); err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadAuthRequiresKeys(t *testing.T) {
	if _, err := Load("nlq-api", mapLookup(map[string]string{"NLQ_AUTH_REQUIRED": "true"})); err == nil {
		t.Fatal("expected error when auth is required without API keys")
	}
	cfg, err := Load("nlq-api", mapLookup(map[string]string{
		"NLQ_AUTH_REQUIRED": "true",
		"NLQ_API_KEYS":      "k1:dashboard:asker",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required || cfg.Auth.APIKeys != "k1:dashboard:asker" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
}
