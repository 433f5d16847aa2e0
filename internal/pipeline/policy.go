package pipeline

import (
	"github.com/duckmesh/nlq/internal/analysis"
	"github.com/duckmesh/nlq/internal/config"
	"github.com/duckmesh/nlq/internal/prompt"
	"github.com/duckmesh/nlq/internal/sqlguard"
)

// Policy is the per-request view of what the pipeline may touch. It is
// read once at the start of every run, so a reload never changes a run in
// flight.
type Policy struct {
	Guard    sqlguard.Policy
	Examples []prompt.Example
	Analysis analysis.Config
}

type PolicySource interface {
	Current() Policy
}

type StaticPolicy Policy

func (p StaticPolicy) Current() Policy {
	return Policy(p)
}

type configPolicy interface {
	Current() config.Policy
}

// ConfigPolicySource adapts the hot-reloaded policy file plus the static
// guard settings from the environment.
type ConfigPolicySource struct {
	store configPolicy
	guard config.GuardConfig
}

func NewConfigPolicySource(store configPolicy, guard config.GuardConfig) *ConfigPolicySource {
	return &ConfigPolicySource{store: store, guard: guard}
}

func (s *ConfigPolicySource) Current() Policy {
	return PolicyFromConfig(s.store.Current(), s.guard)
}

func PolicyFromConfig(policy config.Policy, guard config.GuardConfig) Policy {
	examples := make([]prompt.Example, 0, len(policy.FewShot))
	for _, example := range policy.FewShot {
		examples = append(examples, prompt.Example{Question: example.Question, SQL: example.SQL})
	}
	return Policy{
		Guard: sqlguard.Policy{
			AllowedSchemas:  policy.AllowedSchemas,
			AllowedTables:   policy.AllowedTables,
			DeniedKeywords:  policy.DeniedKeywords,
			DeniedFunctions: policy.DeniedFunctions,
			RequireLimit:    guard.RequireLimit,
			DefaultLimit:    guard.DefaultLimit,
		},
		Examples: examples,
		Analysis: analysis.ConfigFromPolicy(policy.Analysis),
	}
}
