// Package audit records one row per pipeline run that reached cost
// estimation.
package audit

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("audit entry not found")

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type Entry struct {
	AuditID            string    `json:"audit_id"`
	QuestionID         string    `json:"question_id"`
	SessionID          string    `json:"session_id"`
	TraceID            string    `json:"trace_id,omitempty"`
	Fingerprint        string    `json:"query_fingerprint"`
	SQL                string    `json:"sql"`
	Status             string    `json:"status"`
	FailureStage       string    `json:"failure_stage,omitempty"`
	FailureKind        string    `json:"failure_kind,omitempty"`
	GenerationAttempts int       `json:"generation_attempts"`
	PlanTotalCost      *float64  `json:"plan_total_cost,omitempty"`
	PlanRows           *float64  `json:"plan_rows,omitempty"`
	RowCount           *int      `json:"row_count,omitempty"`
	Truncated          bool      `json:"truncated"`
	ExecutionMS        *int64    `json:"execution_ms,omitempty"`
	ReferencedTables   []string  `json:"referenced_tables"`
	CreatedAt          time.Time `json:"created_at"`
}

type Writer interface {
	Record(ctx context.Context, entry Entry) error
}

type Reader interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Get(ctx context.Context, auditID string) (Entry, error)
}
