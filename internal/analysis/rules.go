package analysis

import (
	"strings"

	"github.com/duckmesh/nlq/internal/config"
)

type TemporalCondition string

const (
	TemporalAny       TemporalCondition = ""
	TemporalRequired  TemporalCondition = "required"
	TemporalForbidden TemporalCondition = "forbidden"
)

// Rule matches a result shape to an algorithm by its count of numeric
// columns and the presence of a temporal column. MaxNumeric 0 is unbounded.
type Rule struct {
	Algorithm  AlgorithmName
	MinNumeric int
	MaxNumeric int
	Temporal   TemporalCondition
}

func (r Rule) Matches(p Profile) bool {
	numeric := len(p.Numeric())
	if numeric < r.MinNumeric || (r.MaxNumeric > 0 && numeric > r.MaxNumeric) {
		return false
	}
	hasTemporal := len(p.Temporal()) > 0
	switch r.Temporal {
	case TemporalRequired:
		return hasTemporal
	case TemporalForbidden:
		return !hasTemporal
	}
	return true
}

// DefaultRules is evaluated top down: a suggested algorithm is kept when any
// rule for it matches, otherwise the first matching rule wins.
func DefaultRules() []Rule {
	return []Rule{
		{Algorithm: AlgorithmTrend, MinNumeric: 1, Temporal: TemporalRequired},
		{Algorithm: AlgorithmClustering, MinNumeric: 2, MaxNumeric: 2, Temporal: TemporalForbidden},
		{Algorithm: AlgorithmOutliers, MinNumeric: 1, MaxNumeric: 2, Temporal: TemporalForbidden},
		{Algorithm: AlgorithmPCA, MinNumeric: 3, Temporal: TemporalForbidden},
		{Algorithm: AlgorithmClustering, MinNumeric: 3, Temporal: TemporalForbidden},
		{Algorithm: AlgorithmOutliers, MinNumeric: 3, Temporal: TemporalForbidden},
	}
}

func DefaultMinRows() map[AlgorithmName]int {
	return map[AlgorithmName]int{
		AlgorithmClustering: 10,
		AlgorithmOutliers:   10,
		AlgorithmPCA:        10,
		AlgorithmTrend:      3,
	}
}

type Config struct {
	Rules   []Rule
	MinRows map[AlgorithmName]int
}

// ConfigFromPolicy overlays the operator policy on the defaults. A policy
// with rules replaces the default table; row minimums are merged.
func ConfigFromPolicy(policy config.AnalysisPolicy) Config {
	cfg := Config{Rules: DefaultRules(), MinRows: DefaultMinRows()}
	if len(policy.Rules) > 0 {
		cfg.Rules = make([]Rule, 0, len(policy.Rules))
		for _, rule := range policy.Rules {
			name := ParseAlgorithm(rule.Algorithm)
			if name == AlgorithmNone {
				continue
			}
			cfg.Rules = append(cfg.Rules, Rule{
				Algorithm:  name,
				MinNumeric: rule.MinNumeric,
				MaxNumeric: rule.MaxNumeric,
				Temporal:   TemporalCondition(strings.ToLower(rule.Temporal)),
			})
		}
	}
	for algorithm, rows := range policy.MinRows {
		if name := ParseAlgorithm(algorithm); name != AlgorithmNone && rows > 0 {
			cfg.MinRows[name] = rows
		}
	}
	return cfg
}

// selectAlgorithm returns the algorithm for a profile, or AlgorithmNone.
func selectAlgorithm(rules []Rule, profile Profile, suggested AlgorithmName) AlgorithmName {
	if suggested != AlgorithmNone {
		for _, rule := range rules {
			if rule.Algorithm == suggested && rule.Matches(profile) {
				return suggested
			}
		}
	}
	for _, rule := range rules {
		if rule.Matches(profile) {
			return rule.Algorithm
		}
	}
	return AlgorithmNone
}
