package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duckmesh/nlq/internal/query"
)

// clientGrace lets the server-side statement timeout fire before the client
// deadline so timeouts surface as SQLSTATE 57014 with the session intact.
const clientGrace = time.Second

type ExecutorConfig struct {
	// Role, when set, is assumed with SET LOCAL ROLE for every execution.
	Role    string
	Timeout time.Duration
	RowCap  int
}

// Executor runs each query in its own read-only transaction that is always
// rolled back, so nothing it does can outlive the call.
type Executor struct {
	db  *sql.DB
	cfg ExecutorConfig
}

func NewExecutor(db *sql.DB, cfg ExecutorConfig) *Executor {
	return &Executor{db: db, cfg: cfg}
}

func (e *Executor) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	rowCap := request.RowCap
	if rowCap <= 0 {
		rowCap = e.cfg.RowCap
	}
	if timeout <= 0 || rowCap <= 0 {
		return query.Result{}, fmt.Errorf("timeout and row cap are required")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout+clientGrace)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("begin read-only tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if e.cfg.Role != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+pgx.Identifier{e.cfg.Role}.Sanitize()); err != nil {
			return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("set role: %w", err))
		}
	}
	if _, err := tx.ExecContext(ctx, statementTimeoutSQL(timeout)); err != nil {
		return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("set statement timeout: %w", err))
	}

	rows, err := tx.QueryContext(ctx, boundedSQL(request.SQL, rowCap))
	if err != nil {
		return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("execute query: %w", err))
	}
	defer func() { _ = rows.Close() }()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("query columns: %w", err))
	}
	columns := make([]query.Column, len(columnTypes))
	for i, columnType := range columnTypes {
		columns[i] = query.Column{Name: columnType.Name(), Type: columnType.DatabaseTypeName()}
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == rowCap {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("scan row: %w", err))
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(ctx, query.OpExecute, fmt.Errorf("iterate rows: %w", err))
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Duration:  time.Since(start),
		Truncated: truncated,
	}, nil
}

// boundedSQL caps the server-side result one row past the cap, enough to
// detect truncation without draining the remainder on close.
func boundedSQL(sqlText string, rowCap int) string {
	return fmt.Sprintf("SELECT * FROM (\n%s\n) AS nlq_result LIMIT %d", sqlText, rowCap+1)
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
