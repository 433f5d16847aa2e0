package query

// CostGate admits a query only when its estimate is within both ceilings.
// A zero ceiling disables that check.
type CostGate struct {
	MaxTotalCost float64
	MaxPlanRows  float64
}

func (g CostGate) Check(estimate Estimate) error {
	overCost := g.MaxTotalCost > 0 && estimate.TotalCost > g.MaxTotalCost
	overRows := g.MaxPlanRows > 0 && estimate.PlanRows > g.MaxPlanRows
	if !overCost && !overRows {
		return nil
	}
	return &CostExceededError{Estimate: estimate, MaxTotalCost: g.MaxTotalCost, MaxPlanRows: g.MaxPlanRows}
}
