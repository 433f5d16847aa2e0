package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/duckmesh/nlq/internal/query"
)

// Planner asks PostgreSQL for a JSON plan without executing the statement.
type Planner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPlanner(db *sql.DB, timeout time.Duration) *Planner {
	return &Planner{db: db, timeout: timeout}
}

type planNode struct {
	NodeType  string     `json:"Node Type"`
	TotalCost float64    `json:"Total Cost"`
	PlanRows  float64    `json:"Plan Rows"`
	Plans     []planNode `json:"Plans"`
}

func (p *Planner) Plan(ctx context.Context, sqlText string) (query.Estimate, error) {
	if strings.TrimSpace(sqlText) == "" {
		return query.Estimate{}, fmt.Errorf("sql is required")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Estimate{}, classify(ctx, query.OpPlan, fmt.Errorf("begin plan tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if p.timeout > 0 {
		if _, err := tx.ExecContext(ctx, statementTimeoutSQL(p.timeout)); err != nil {
			return query.Estimate{}, classify(ctx, query.OpPlan, fmt.Errorf("set plan timeout: %w", err))
		}
	}

	var raw []byte
	if err := tx.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+sqlText).Scan(&raw); err != nil {
		return query.Estimate{}, classify(ctx, query.OpPlan, fmt.Errorf("explain: %w", err))
	}
	return parsePlan(raw)
}

func parsePlan(raw []byte) (query.Estimate, error) {
	var plans []struct {
		Plan planNode `json:"Plan"`
	}
	if err := json.Unmarshal(raw, &plans); err != nil {
		return query.Estimate{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(plans) == 0 {
		return query.Estimate{}, fmt.Errorf("decode plan: empty plan")
	}
	root := plans[0].Plan
	return query.Estimate{
		TotalCost: root.TotalCost,
		PlanRows:  root.PlanRows,
		PlanDepth: depth(root),
		NodeType:  root.NodeType,
	}, nil
}

func depth(node planNode) int {
	deepest := 0
	for _, child := range node.Plans {
		if d := depth(child); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

func statementTimeoutSQL(timeout time.Duration) string {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)
}
