package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/duckmesh/nlq/internal/audit"
)

const maxRecent = 500

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit db: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, entry audit.Entry) error {
	if strings.TrimSpace(entry.AuditID) == "" {
		entry.AuditID = uuid.NewString()
	}
	if entry.Status != audit.StatusSucceeded && entry.Status != audit.StatusFailed {
		return fmt.Errorf("invalid audit status %q", entry.Status)
	}
	tables := entry.ReferencedTables
	if tables == nil {
		tables = []string{}
	}

	query := `
INSERT INTO nlq_query_audit (
	audit_id, question_id, session_id, trace_id, query_fingerprint, sql_text, status,
	failure_stage, failure_kind, generation_attempts, plan_total_cost, plan_rows,
	row_count, truncated, execution_ms, referenced_tables
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	if _, err := r.db.ExecContext(ctx, query,
		entry.AuditID,
		entry.QuestionID,
		entry.SessionID,
		entry.TraceID,
		entry.Fingerprint,
		entry.SQL,
		entry.Status,
		entry.FailureStage,
		entry.FailureKind,
		entry.GenerationAttempts,
		nullableFloat(entry.PlanTotalCost),
		nullableFloat(entry.PlanRows),
		nullableInt(entry.RowCount),
		entry.Truncated,
		nullableInt64(entry.ExecutionMS),
		pq.Array(tables),
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

const selectColumns = `
SELECT audit_id, question_id, session_id, trace_id, query_fingerprint, sql_text, status,
	failure_stage, failure_kind, generation_attempts, plan_total_cost, plan_rows,
	row_count, truncated, execution_ms, referenced_tables, created_at
FROM nlq_query_audit`

func (r *Repository) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}
	rows, err := r.db.QueryContext(ctx, selectColumns+`
ORDER BY created_at DESC, audit_id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]audit.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}

func (r *Repository) Get(ctx context.Context, auditID string) (audit.Entry, error) {
	if uuid.Validate(auditID) != nil {
		return audit.Entry{}, audit.ErrNotFound
	}
	entry, err := scanEntry(r.db.QueryRowContext(ctx, selectColumns+`
WHERE audit_id = $1`, auditID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Entry{}, audit.ErrNotFound
		}
		return audit.Entry{}, err
	}
	return entry, nil
}

// DeleteBefore removes audit entries created before cutoff.
func (r *Repository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM nlq_query_audit WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted audit entries: %w", err)
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (audit.Entry, error) {
	var (
		entry     audit.Entry
		cost      sql.NullFloat64
		planRows  sql.NullFloat64
		rowCount  sql.NullInt64
		execMS    sql.NullInt64
		tables    pq.StringArray
		createdAt time.Time
	)
	if err := row.Scan(
		&entry.AuditID,
		&entry.QuestionID,
		&entry.SessionID,
		&entry.TraceID,
		&entry.Fingerprint,
		&entry.SQL,
		&entry.Status,
		&entry.FailureStage,
		&entry.FailureKind,
		&entry.GenerationAttempts,
		&cost,
		&planRows,
		&rowCount,
		&entry.Truncated,
		&execMS,
		&tables,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Entry{}, err
		}
		return audit.Entry{}, fmt.Errorf("scan audit row: %w", err)
	}
	if cost.Valid {
		entry.PlanTotalCost = &cost.Float64
	}
	if planRows.Valid {
		entry.PlanRows = &planRows.Float64
	}
	if rowCount.Valid {
		n := int(rowCount.Int64)
		entry.RowCount = &n
	}
	if execMS.Valid {
		entry.ExecutionMS = &execMS.Int64
	}
	entry.ReferencedTables = []string(tables)
	entry.CreatedAt = createdAt
	return entry, nil
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
