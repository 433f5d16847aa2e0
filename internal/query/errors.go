package query

import (
	"errors"
	"fmt"
)

var ErrCostExceeded = errors.New("query cost exceeds ceiling")

type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindDatabase     ErrorKind = "database"
	KindConnectivity ErrorKind = "connectivity"
)

const (
	OpPlan    = "plan"
	OpExecute = "execute"
)

// ExecutionError wraps a failed planning or execution round-trip.
type ExecutionError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transient reports whether one retry with backoff may succeed. Execution
// timeouts are not transient: the statement timeout killed a query that will
// run just as long again.
func (e *ExecutionError) Transient() bool {
	switch e.Kind {
	case KindConnectivity:
		return true
	case KindTimeout:
		return e.Op == OpPlan
	}
	return false
}

type CostExceededError struct {
	Estimate     Estimate
	MaxTotalCost float64
	MaxPlanRows  float64
}

func (e *CostExceededError) Error() string {
	if e.MaxTotalCost > 0 && e.Estimate.TotalCost > e.MaxTotalCost {
		return fmt.Sprintf("estimated cost %.0f exceeds ceiling %.0f", e.Estimate.TotalCost, e.MaxTotalCost)
	}
	return fmt.Sprintf("estimated rows %.0f exceed ceiling %.0f", e.Estimate.PlanRows, e.MaxPlanRows)
}

func (e *CostExceededError) Is(target error) bool {
	return target == ErrCostExceeded
}
