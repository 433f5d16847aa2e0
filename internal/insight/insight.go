// Package insight narrates an execution result. Narration is best-effort:
// callers treat any error as an empty narrative.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/duckmesh/nlq/internal/analysis"
	"github.com/duckmesh/nlq/internal/llm"
	"github.com/duckmesh/nlq/internal/query"
)

const instructions = `You explain database query results to a non-technical user.
Answer the user's question in two to four plain sentences using only the summary provided.
Mention notable numbers, clusters, outliers or trends when the analysis reports them.
If the result is truncated, say the answer covers only the first rows. Do not invent data.`

type Input struct {
	Question string
	SQL      string
	Result   query.Result
	Analysis analysis.Result
}

type Config struct {
	SampleRows int
	// MaxCellChars trims long text values in the sample.
	MaxCellChars int
	Timeout      time.Duration
}

type Synthesizer struct {
	model llm.Model
	cfg   Config
}

func New(model llm.Model, cfg Config) (*Synthesizer, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = 10
	}
	if cfg.MaxCellChars <= 0 {
		cfg.MaxCellChars = 80
	}
	return &Synthesizer{model: model, cfg: cfg}, nil
}

// Synthesize makes one model call with a bounded summary of the result,
// never the full row set.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	summary, err := json.MarshalIndent(Summarize(in.Result, in.Analysis, s.cfg), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result summary: %w", err)
	}
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(in.Question)
	b.WriteString("\n\nQuery:\n")
	b.WriteString(in.SQL)
	b.WriteString("\n\nResult summary:\n")
	b.Write(summary)

	narrative, err := s.model.Complete(ctx, llm.Request{
		Purpose:  llm.PurposeInsight,
		System:   instructions,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return "", err
	}
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return "", llm.ErrEmptyResponse
	}
	return narrative, nil
}

type Summary struct {
	RowCount  int             `json:"row_count"`
	Truncated bool            `json:"truncated"`
	Columns   []ColumnSummary `json:"columns"`
	Sample    [][]any         `json:"sample_rows"`
	Analysis  *AnalysisNote   `json:"analysis,omitempty"`
	Chart     string          `json:"chart"`
}

type ColumnSummary struct {
	Name     string   `json:"name"`
	Class    string   `json:"class"`
	Distinct int      `json:"distinct"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Mean     *float64 `json:"mean,omitempty"`
	StdDev   *float64 `json:"std_dev,omitempty"`
}

type AnalysisNote struct {
	Algorithm    string          `json:"algorithm"`
	ClusterSizes map[int]int     `json:"cluster_sizes,omitempty"`
	OutlierRows  []int           `json:"outlier_rows,omitempty"`
	Explained    []float64       `json:"explained_variance,omitempty"`
	Trend        *analysis.Trend `json:"trend,omitempty"`
}

func Summarize(result query.Result, analyzed analysis.Result, cfg Config) Summary {
	summary := Summary{
		RowCount:  len(result.Rows),
		Truncated: result.Truncated,
		Chart:     string(analyzed.Chart.Type),
	}
	for _, column := range analyzed.Profile.Columns {
		cs := ColumnSummary{Name: column.Name, Class: string(column.Class), Distinct: column.Distinct}
		if column.Class == analysis.ClassNumeric {
			if values := numericColumn(result, column.Index); len(values) > 0 {
				lo, hi := floats.Min(values), floats.Max(values)
				mean, std := stat.MeanStdDev(values, nil)
				cs.Min, cs.Max, cs.Mean = &lo, &hi, &mean
				if len(values) > 1 {
					cs.StdDev = &std
				}
			}
		}
		summary.Columns = append(summary.Columns, cs)
	}

	limit := min(cfg.SampleRows, len(result.Rows))
	for _, row := range result.Rows[:limit] {
		sample := make([]any, len(row))
		for i, value := range row {
			sample[i] = trimCell(value, cfg.MaxCellChars)
		}
		summary.Sample = append(summary.Sample, sample)
	}

	if out := analyzed.Output; out != nil {
		note := &AnalysisNote{Algorithm: string(analyzed.Algorithm), Trend: out.Trend, Explained: out.ExplainedVariance}
		for _, cluster := range out.Clusters {
			if cluster < 0 {
				continue
			}
			if note.ClusterSizes == nil {
				note.ClusterSizes = map[int]int{}
			}
			note.ClusterSizes[cluster]++
		}
		for row, flagged := range out.Outliers {
			if flagged {
				note.OutlierRows = append(note.OutlierRows, row)
			}
		}
		summary.Analysis = note
	}
	return summary
}

func numericColumn(result query.Result, index int) []float64 {
	var values []float64
	for _, row := range result.Rows {
		if index >= len(row) {
			continue
		}
		if f, ok := analysis.Float(row[index]); ok {
			values = append(values, f)
		}
	}
	return values
}

func trimCell(value any, maxChars int) any {
	text, ok := value.(string)
	if !ok || len(text) <= maxChars {
		return value
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "…"
}
