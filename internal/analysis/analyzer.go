// Package analysis profiles an execution result, runs at most one
// post-processing algorithm over it and picks a chart encoding.
package analysis

import (
	"errors"
	"fmt"

	"github.com/duckmesh/nlq/internal/observability"
	"github.com/duckmesh/nlq/internal/query"
)

type Result struct {
	Algorithm AlgorithmName `json:"algorithm"`
	Output    *Output       `json:"output,omitempty"`
	Chart     Chart         `json:"chart"`
	Profile   Profile       `json:"profile"`
	// Skipped explains why no algorithm ran when one was selected.
	Skipped string `json:"skipped,omitempty"`
	// Err is the algorithm failure behind a degraded result, if any.
	Err error `json:"-"`
}

// Analyzer is stateless after construction and safe for concurrent use.
type Analyzer struct {
	rules      []Rule
	minRows    map[AlgorithmName]int
	algorithms map[AlgorithmName]Algorithm
}

func New(cfg Config) *Analyzer {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	minRows := DefaultMinRows()
	for name, rows := range cfg.MinRows {
		minRows[name] = rows
	}
	return &Analyzer{rules: cfg.Rules, minRows: minRows, algorithms: builtinAlgorithms()}
}

// Analyze never fails: algorithm errors degrade the result to no algorithm
// and are reported through Result.Err.
func (a *Analyzer) Analyze(result query.Result, suggestion Suggestion) Result {
	profile := ProfileResult(result)
	out := Result{Algorithm: AlgorithmNone, Profile: profile, Chart: chooseChart(profile)}
	if out.Chart.Type == ChartTable && suggestion.Chart != ChartNone {
		out.Chart.Type = suggestion.Chart
	}

	name := selectAlgorithm(a.rules, profile, suggestion.Algorithm)
	if name != AlgorithmNone {
		output, err := a.run(name, result, profile)
		switch {
		case errors.Is(err, errBelowMinRows), errors.Is(err, errNotApplicable):
			out.Skipped = err.Error()
		case err != nil:
			out.Skipped = err.Error()
			out.Err = &Error{Algorithm: name, Err: err}
		default:
			out.Algorithm = name
			out.Output = &output
		}
	}
	observability.ObserveAnalysis(string(out.Algorithm))

	if supportsTrendline(out.Chart.Type) {
		out.Chart.Trendline = a.trendline(out, result)
	}
	switch {
	case out.Algorithm == AlgorithmClustering && out.Chart.Type == ChartScatter:
		out.Chart.Color = "cluster"
	case out.Algorithm == AlgorithmOutliers && out.Chart.Type == ChartScatter:
		out.Chart.Color = "outlier"
	}
	return out
}

var (
	errBelowMinRows  = errors.New("result has fewer rows than the algorithm needs")
	errNotApplicable = errors.New("algorithm does not apply to the result columns")
)

func (a *Analyzer) run(name AlgorithmName, result query.Result, profile Profile) (Output, error) {
	algorithm, ok := a.algorithms[name]
	if !ok || !algorithm.Applicable(profile) {
		return Output{}, errNotApplicable
	}
	if minimum := a.minRows[name]; profile.Rows < minimum {
		return Output{}, fmt.Errorf("%w (%d < %d)", errBelowMinRows, profile.Rows, minimum)
	}
	return algorithm.Run(result, profile)
}

func (a *Analyzer) trendline(out Result, result query.Result) *Trend {
	var trend *Trend
	if out.Output != nil && out.Output.Trend != nil {
		trend = out.Output.Trend
	} else {
		var xCol, yCol ColumnProfile
		numeric := out.Profile.Numeric()
		temporal := out.Profile.Temporal()
		switch {
		case out.Chart.Type == ChartMultiLine && len(temporal) > 0 && len(numeric) > 0:
			xCol, yCol = temporal[0], numeric[0]
		case len(numeric) >= 2:
			xCol, yCol = numeric[0], numeric[1]
		default:
			return nil
		}
		fitted, err := fitTrend(result, xCol, yCol)
		if err != nil {
			return nil
		}
		trend = &fitted
	}
	if trend.RSquared < trendlineMinR2 {
		return nil
	}
	return trend
}
