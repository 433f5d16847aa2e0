// Package nl2sql turns a composed prompt into a structured query candidate.
package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/duckmesh/nlq/internal/analysis"
	"github.com/duckmesh/nlq/internal/llm"
	"github.com/duckmesh/nlq/internal/prompt"
)

var (
	ErrMalformedResponse = errors.New("model response is not a structured candidate")
	ErrMissingQuery      = fmt.Errorf("%w: sql_query is missing", ErrMalformedResponse)
	ErrModelCall         = errors.New("model call failed")
)

// Candidate is produced once per generation attempt. UsedTables is what the
// model claims and is never used for authorization.
type Candidate struct {
	SQL         string                 `json:"sql_query"`
	Explanation string                 `json:"explanation"`
	UsedTables  []string               `json:"used_tables"`
	ChartType   analysis.ChartType     `json:"chart_type"`
	Algorithm   analysis.AlgorithmName `json:"ml_algorithm"`
}

func (c Candidate) Suggestion() analysis.Suggestion {
	return analysis.Suggestion{Chart: c.ChartType, Algorithm: c.Algorithm}
}

// Instructions is the system message every generation request carries.
const Instructions = `You translate questions about a PostgreSQL database into one read-only SQL query.
Use only the tables listed in the schema context and always qualify them with their schema (schema.table).
Write a single SELECT (or WITH ... SELECT) statement. Never modify data, never call administrative functions.
Reply with exactly one JSON object and nothing else, with these keys:
  "sql_query": the SQL text,
  "explanation": one or two sentences describing what the query returns,
  "used_tables": array of schema-qualified table names the query reads,
  "chart_type": one of "bar", "line", "multi_line", "scatter", "pie", "histogram", "heatmap", "table" or "none",
  "ml_algorithm": one of "clustering", "outliers", "pca", "trend" or "none".`

const correctionMalformed = `Your previous reply could not be used: it was not a single JSON object with a non-empty "sql_query". Reply again with only the JSON object described in the instructions.`

// CorrectionFor returns the corrective instruction appended to the single
// regeneration request after a failed attempt.
func CorrectionFor(reason string) string {
	if reason == "" {
		return correctionMalformed
	}
	return "Your previous query was refused: " + reason + ". Write a different query that avoids this problem. Reply with only the JSON object described in the instructions."
}

func MalformedCorrection() string {
	return correctionMalformed
}

type Generator struct {
	model llm.Model
}

func New(model llm.Model) (*Generator, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	return &Generator{model: model}, nil
}

// Generate makes exactly one model call. correction, when set, is appended
// as a final user message.
func (g *Generator) Generate(ctx context.Context, p prompt.Prompt, correction string) (Candidate, error) {
	raw, err := g.model.Complete(ctx, p.Request(llm.PurposeGeneration, correction))
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %w", ErrModelCall, err)
	}
	return Parse(raw)
}
