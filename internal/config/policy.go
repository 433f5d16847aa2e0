package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy is the operator-owned part of the configuration: what the pipeline
// may touch and how results are analysed. It is loaded from a YAML file.
type Policy struct {
	AllowedSchemas  []string         `yaml:"allowed_schemas"`
	AllowedTables   []string         `yaml:"allowed_tables"`
	DeniedKeywords  []string         `yaml:"denied_keywords"`
	DeniedFunctions []string         `yaml:"denied_functions"`
	FewShot         []FewShotExample `yaml:"few_shot_examples"`
	Analysis        AnalysisPolicy   `yaml:"analysis"`
}

type FewShotExample struct {
	Question string `yaml:"question"`
	SQL      string `yaml:"sql"`
}

type AnalysisPolicy struct {
	Rules   []AnalysisRule `yaml:"rules"`
	MinRows map[string]int `yaml:"min_rows"`
}

// AnalysisRule matches a result shape to an algorithm. Temporal is one of
// "required", "forbidden" or empty for either. MaxNumeric 0 means unbounded.
type AnalysisRule struct {
	Algorithm  string `yaml:"algorithm"`
	MinNumeric int    `yaml:"min_numeric"`
	MaxNumeric int    `yaml:"max_numeric"`
	Temporal   string `yaml:"temporal"`
}

func DefaultPolicy() Policy {
	return Policy{AllowedSchemas: []string{"public"}}
}

func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := policy.validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (p Policy) validate() error {
	if len(p.AllowedSchemas) == 0 && len(p.AllowedTables) == 0 {
		return fmt.Errorf("policy must allow at least one schema or table")
	}
	for _, table := range p.AllowedTables {
		if !strings.Contains(table, ".") {
			return fmt.Errorf("allowed table %q must be schema-qualified", table)
		}
	}
	for i, example := range p.FewShot {
		if strings.TrimSpace(example.Question) == "" || strings.TrimSpace(example.SQL) == "" {
			return fmt.Errorf("few-shot example %d needs both question and sql", i)
		}
	}
	for i, rule := range p.Analysis.Rules {
		if strings.TrimSpace(rule.Algorithm) == "" {
			return fmt.Errorf("analysis rule %d has no algorithm", i)
		}
		switch rule.Temporal {
		case "", "required", "forbidden":
		default:
			return fmt.Errorf("analysis rule %d: invalid temporal %q", i, rule.Temporal)
		}
		if rule.MaxNumeric > 0 && rule.MaxNumeric < rule.MinNumeric {
			return fmt.Errorf("analysis rule %d: max_numeric below min_numeric", i)
		}
	}
	return nil
}

// PolicyStore holds the active policy. Readers always see a complete policy;
// a failed reload leaves the previous one in place.
type PolicyStore struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Policy]
}

func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := &PolicyStore{path: strings.TrimSpace(path), logger: logger}
	if store.path == "" {
		policy := DefaultPolicy()
		store.current.Store(&policy)
		return store, nil
	}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PolicyStore) Current() Policy {
	return *s.current.Load()
}

func (s *PolicyStore) Reload() error {
	policy, err := LoadPolicy(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&policy)
	return nil
}

// Watch reloads the policy whenever its file changes. It watches the parent
// directory so atomic renames by editors and config management are seen.
func (s *PolicyStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("policy reload failed; keeping previous policy", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("policy reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", "error", err)
		}
	}
}
