package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/duckmesh/nlq/internal/nl2sql"
	"github.com/duckmesh/nlq/internal/prompt"
	"github.com/duckmesh/nlq/internal/query"
	"github.com/duckmesh/nlq/internal/retrieval"
	"github.com/duckmesh/nlq/internal/sqlguard"
)

type Stage string

const (
	StageRetrieval  Stage = "retrieval"
	StageGeneration Stage = "generation"
	StageValidation Stage = "validation"
	StageCost       Stage = "cost"
	StageExecution  Stage = "execution"
	StageAnalysis   Stage = "analysis"
	StageInsight    Stage = "insight"
)

// Taxonomy sentinels. Every Failure unwraps to exactly one of them.
var (
	ErrRetrieval    = errors.New("retrieval error")
	ErrGeneration   = errors.New("generation error")
	ErrValidation   = errors.New("validation error")
	ErrCostExceeded = errors.New("cost exceeded")
	ErrExecution    = errors.New("execution error")
	ErrAnalysis     = errors.New("analysis error")
)

const (
	KindNoCandidates     = "no_candidates"
	KindUnavailable      = "unavailable"
	KindMalformed        = "malformed_response"
	KindModelUnavailable = "model_unavailable"
	KindPromptBudget     = "prompt_budget"
	KindCostExceeded     = "cost_exceeded"
	KindTimeout          = "timeout"
	KindDatabase         = "database"
	KindConnectivity     = "connectivity"
	KindCancelled        = "cancelled"
)

// Failure is the terminal error of a run. Reason is safe to show to users;
// the underlying driver or provider error is kept for logs only.
type Failure struct {
	Stage     Stage          `json:"stage"`
	Kind      string         `json:"kind"`
	Reason    string         `json:"reason"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`

	sentinel error
	cause    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Stage, f.Reason)
}

func (f *Failure) Unwrap() []error {
	if f.cause != nil && (errors.Is(f.cause, context.Canceled) || errors.Is(f.cause, context.DeadlineExceeded)) {
		return []error{f.sentinel, f.cause}
	}
	return []error{f.sentinel}
}

// Cause returns the internal error behind the failure, if any.
func (f *Failure) Cause() error {
	return f.cause
}

func cancelledFailure(stage Stage, sentinel, cause error) *Failure {
	return &Failure{
		Stage:    stage,
		Kind:     KindCancelled,
		Reason:   "the request was cancelled",
		sentinel: sentinel,
		cause:    cause,
	}
}

func retrievalFailure(err error) *Failure {
	if errors.Is(err, retrieval.ErrNoCandidates) {
		return &Failure{
			Stage:    StageRetrieval,
			Kind:     KindNoCandidates,
			Reason:   "no part of the database schema matched the question",
			sentinel: ErrRetrieval,
			cause:    err,
		}
	}
	return &Failure{
		Stage:     StageRetrieval,
		Kind:      KindUnavailable,
		Reason:    "schema retrieval is unavailable",
		Retryable: true,
		sentinel:  ErrRetrieval,
		cause:     err,
	}
}

func generationFailure(err error) *Failure {
	switch {
	case errors.Is(err, prompt.ErrBudgetExceeded):
		return &Failure{
			Stage:    StageGeneration,
			Kind:     KindPromptBudget,
			Reason:   "the question and its schema context do not fit the prompt budget",
			sentinel: ErrGeneration,
			cause:    err,
		}
	case errors.Is(err, nl2sql.ErrModelCall):
		return &Failure{
			Stage:     StageGeneration,
			Kind:      KindModelUnavailable,
			Reason:    "the query generation model is unavailable",
			Retryable: true,
			sentinel:  ErrGeneration,
			cause:     err,
		}
	}
	return &Failure{
		Stage:    StageGeneration,
		Kind:     KindMalformed,
		Reason:   "the model did not produce a usable query",
		sentinel: ErrGeneration,
		cause:    err,
	}
}

func validationFailure(rejection *sqlguard.Rejection, claimed []string) *Failure {
	details := map[string]any{"rule": string(rejection.Rule)}
	if rejection.Offending != "" {
		details["offending"] = rejection.Offending
	}
	if len(claimed) > 0 {
		details["claimed_tables"] = claimed
	}
	return &Failure{
		Stage:    StageValidation,
		Kind:     string(rejection.Rule),
		Reason:   "the generated query was refused: " + rejection.Error(),
		Details:  details,
		sentinel: ErrValidation,
		cause:    rejection,
	}
}

func costFailure(err *query.CostExceededError) *Failure {
	return &Failure{
		Stage:  StageCost,
		Kind:   KindCostExceeded,
		Reason: "the query is too expensive to run: " + err.Error(),
		Details: map[string]any{
			"total_cost":     err.Estimate.TotalCost,
			"plan_rows":      err.Estimate.PlanRows,
			"max_total_cost": err.MaxTotalCost,
			"max_plan_rows":  err.MaxPlanRows,
		},
		sentinel: ErrCostExceeded,
		cause:    err,
	}
}

// executionFailure covers both planning and execution round-trips.
func executionFailure(stage Stage, err error) *Failure {
	failure := &Failure{Stage: stage, sentinel: ErrExecution, cause: err}
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) {
		failure.Kind = KindDatabase
		failure.Reason = "the database could not run the query"
		return failure
	}
	switch execErr.Kind {
	case query.KindTimeout:
		failure.Kind = KindTimeout
		failure.Reason = "the query exceeded the time limit"
		failure.Retryable = stage == StageCost
	case query.KindConnectivity:
		failure.Kind = KindConnectivity
		failure.Reason = "the database is unreachable"
		failure.Retryable = true
	default:
		failure.Kind = KindDatabase
		failure.Reason = "the database rejected the query"
	}
	return failure
}
