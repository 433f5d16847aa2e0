package query

import (
	"context"
	"time"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Request is one bounded execution. Zero Timeout or RowCap means the engine
// default applies.
type Request struct {
	SQL     string
	Timeout time.Duration
	RowCap  int
}

type Result struct {
	Columns   []Column
	Rows      [][]any
	Duration  time.Duration
	Truncated bool
}

func (r Result) ColumnNames() []string {
	names := make([]string, 0, len(r.Columns))
	for _, column := range r.Columns {
		names = append(names, column.Name)
	}
	return names
}

// Estimate is read from the root node of a plan that was never executed.
type Estimate struct {
	TotalCost float64
	PlanRows  float64
	PlanDepth int
	NodeType  string
}

type Planner interface {
	Plan(ctx context.Context, sql string) (Estimate, error)
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
