// Package pipeline runs one question through retrieval, generation,
// validation, cost gating, execution, analysis and narration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duckmesh/nlq/internal/analysis"
	"github.com/duckmesh/nlq/internal/audit"
	"github.com/duckmesh/nlq/internal/conversation"
	"github.com/duckmesh/nlq/internal/insight"
	"github.com/duckmesh/nlq/internal/nl2sql"
	"github.com/duckmesh/nlq/internal/observability"
	"github.com/duckmesh/nlq/internal/prompt"
	"github.com/duckmesh/nlq/internal/query"
	"github.com/duckmesh/nlq/internal/retrieval"
	"github.com/duckmesh/nlq/internal/sqlguard"
)

// maxGenerationAttempts is the first attempt plus one regeneration, shared
// by parse failures, validator rejections and cost rejections.
const maxGenerationAttempts = 2

type Retriever interface {
	Retrieve(ctx context.Context, question conversation.Question, history []conversation.Turn) (retrieval.Context, error)
}

type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt, correction string) (nl2sql.Candidate, error)
}

type Narrator interface {
	Synthesize(ctx context.Context, in insight.Input) (string, error)
}

type Dependencies struct {
	Retriever Retriever
	Generator Generator
	Planner   query.Planner
	Engine    query.Engine
	// Narrator and Audit are optional.
	Narrator Narrator
	Audit    audit.Writer
	Policy   PolicySource
	Logger   *slog.Logger
}

type Config struct {
	Prompt         prompt.Config
	Gate           query.CostGate
	ExecTimeout    time.Duration
	RowCap         int
	RetryBackoff   time.Duration
	AuditTimeout   time.Duration
	NarrateResults bool
}

type Request struct {
	Question conversation.Question
	History  []conversation.Turn
	TraceID  string
}

// Outcome is either a full success bundle or a Failure naming the stage.
type Outcome struct {
	QuestionID    string             `json:"question_id"`
	SessionID     string             `json:"session_id"`
	Candidate     *nl2sql.Candidate  `json:"candidate,omitempty"`
	SQL           string             `json:"sql,omitempty"`
	Fingerprint   string             `json:"query_fingerprint,omitempty"`
	Tables        []string           `json:"tables,omitempty"`
	LimitInjected bool               `json:"limit_injected,omitempty"`
	Estimate      *query.Estimate    `json:"estimate,omitempty"`
	Result        *query.Result      `json:"result,omitempty"`
	Analysis      *analysis.Result   `json:"analysis,omitempty"`
	Narrative     string             `json:"narrative,omitempty"`
	Attempts      int                `json:"generation_attempts"`
	Duration      time.Duration      `json:"duration"`
	Failure       *Failure           `json:"failure,omitempty"`
	Context       []retrieval.Scored `json:"-"`
}

func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}

// Runner is safe for concurrent use; per-run state lives on the stack.
type Runner struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
}

func New(deps Dependencies, cfg Config) (*Runner, error) {
	if deps.Retriever == nil || deps.Generator == nil || deps.Planner == nil || deps.Engine == nil {
		return nil, fmt.Errorf("retriever, generator, planner and engine are required")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("policy source is required")
	}
	if cfg.Prompt.Instructions == "" {
		cfg.Prompt.Instructions = nl2sql.Instructions
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 2 * time.Second
	}
	if _, err := prompt.New(cfg.Prompt); err != nil {
		return nil, fmt.Errorf("prompt config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger}, nil
}

// run carries the state of one question between stages.
type run struct {
	req     Request
	policy  Policy
	logger  *slog.Logger
	outcome Outcome
	verdict sqlguard.Verdict
	audited bool
	started time.Time
}

func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	st := &run{
		req:     req,
		policy:  r.deps.Policy.Current(),
		started: time.Now(),
		outcome: Outcome{QuestionID: req.Question.ID, SessionID: req.Question.SessionID},
	}
	st.logger = r.logger.With(
		slog.String("question_id", req.Question.ID),
		slog.String("session_id", req.Question.SessionID),
		slog.String("trace_id", req.TraceID),
	)

	failure := r.execute(ctx, st)
	st.outcome.Failure = failure
	st.outcome.Duration = time.Since(st.started)

	if failure != nil {
		observability.ObserveOutcome(string(failure.Stage), failure.Kind)
		level := slog.LevelWarn
		if failure.Kind == KindConnectivity || failure.Kind == KindUnavailable || failure.Kind == KindModelUnavailable {
			level = slog.LevelError
		}
		st.logger.Log(ctx, level, "question failed",
			"stage", failure.Stage,
			"kind", failure.Kind,
			"attempts", st.outcome.Attempts,
			"query_fingerprint", st.outcome.Fingerprint,
			"error", failure.cause,
		)
	} else {
		observability.ObserveOutcome("", "")
		st.logger.Info("question answered",
			"attempts", st.outcome.Attempts,
			"query_fingerprint", st.outcome.Fingerprint,
			"rows", len(st.outcome.Result.Rows),
			"truncated", st.outcome.Result.Truncated,
			"algorithm", st.outcome.Analysis.Algorithm,
			"duration_ms", st.outcome.Duration.Milliseconds(),
		)
	}
	if st.audited {
		r.recordAudit(ctx, st)
	}
	return st.outcome
}

func (r *Runner) execute(ctx context.Context, st *run) *Failure {
	if err := ctx.Err(); err != nil {
		return cancelledFailure(StageRetrieval, ErrRetrieval, err)
	}

	schema, failure := r.retrieve(ctx, st)
	if failure != nil {
		return failure
	}
	st.outcome.Context = schema.Items

	composerCfg := r.cfg.Prompt
	composerCfg.Examples = st.policy.Examples
	composer, err := prompt.New(composerCfg)
	if err != nil {
		return generationFailure(err)
	}
	p, err := composer.Compose(schema, st.req.Question, st.req.History)
	if err != nil {
		return generationFailure(err)
	}
	if p.Dropped > 0 {
		st.logger.Debug("schema chunks dropped for prompt budget", "kept", p.Chunks, "dropped", p.Dropped)
	}

	estimate, failure := r.generateAccepted(ctx, st, p)
	if failure != nil {
		return failure
	}
	st.outcome.Estimate = &estimate

	result, failure := r.runQuery(ctx, st)
	if failure != nil {
		return failure
	}
	st.outcome.Result = &result

	analyzed := r.analyze(st, result)
	st.outcome.Analysis = &analyzed

	st.outcome.Narrative = r.narrate(ctx, st, result, analyzed)
	return nil
}

func (r *Runner) retrieve(ctx context.Context, st *run) (retrieval.Context, *Failure) {
	started := time.Now()
	schema, err := r.deps.Retriever.Retrieve(ctx, st.req.Question, st.req.History)
	observability.ObserveStage(string(StageRetrieval), err, time.Since(started))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return retrieval.Context{}, cancelledFailure(StageRetrieval, ErrRetrieval, ctxErr)
		}
		return retrieval.Context{}, retrievalFailure(err)
	}
	st.logger.Debug("schema retrieved", "chunks", len(schema.Items), "tables", schema.Tables())
	return schema, nil
}

// generateAccepted is the bounded generation loop. Each attempt is
// generated, validated and cost-estimated; the first parse failure,
// rejection or cost refusal spends the single regeneration with a
// corrective instruction, the second is terminal.
func (r *Runner) generateAccepted(ctx context.Context, st *run, p prompt.Prompt) (query.Estimate, *Failure) {
	validator := sqlguard.New(st.policy.Guard)
	correction := ""
	for {
		st.outcome.Attempts++
		last := st.outcome.Attempts >= maxGenerationAttempts
		st.resetCandidate()

		started := time.Now()
		candidate, err := r.deps.Generator.Generate(ctx, p, correction)
		observability.ObserveStage(string(StageGeneration), err, time.Since(started))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return query.Estimate{}, cancelledFailure(StageGeneration, ErrGeneration, ctxErr)
			}
			observability.ObserveGenerationAttempt(generationResult(err))
			st.logger.Warn("generation attempt failed", "attempt", st.outcome.Attempts, "error", err)
			if last {
				return query.Estimate{}, generationFailure(err)
			}
			correction = nl2sql.MalformedCorrection()
			continue
		}
		st.outcome.Candidate = &candidate

		started = time.Now()
		verdict := validator.Validate(candidate.SQL)
		var rejectErr error
		if verdict.Rejection != nil {
			rejectErr = verdict.Rejection
		}
		observability.ObserveStage(string(StageValidation), rejectErr, time.Since(started))
		st.outcome.Fingerprint = verdict.Fingerprint
		if !verdict.Accepted {
			observability.ObserveGenerationAttempt("rejected")
			observability.ObserveValidationRejection(string(verdict.Rejection.Rule))
			st.logger.Warn("candidate rejected",
				"attempt", st.outcome.Attempts,
				"rule", verdict.Rejection.Rule,
				"offending", verdict.Rejection.Offending,
				"claimed_tables", candidate.UsedTables,
				"query_fingerprint", verdict.Fingerprint,
			)
			st.logger.Debug("rejected sql", "sql", candidate.SQL)
			if last {
				return query.Estimate{}, validationFailure(verdict.Rejection, candidate.UsedTables)
			}
			correction = nl2sql.CorrectionFor(verdict.Rejection.Error())
			continue
		}
		st.verdict = verdict
		st.outcome.SQL = verdict.SQL
		st.outcome.Tables = verdict.Tables
		st.outcome.LimitInjected = verdict.LimitInjected
		st.audited = true
		st.logger.Debug("candidate accepted", "query_fingerprint", verdict.Fingerprint, "sql", verdict.SQL, "limit_injected", verdict.LimitInjected)

		estimate, failure := r.plan(ctx, st)
		if failure != nil {
			return query.Estimate{}, failure
		}
		st.outcome.Estimate = &estimate
		if err := r.cfg.Gate.Check(estimate); err != nil {
			var costErr *query.CostExceededError
			errors.As(err, &costErr)
			observability.ObserveGenerationAttempt("cost_exceeded")
			st.logger.Warn("candidate over cost ceiling",
				"attempt", st.outcome.Attempts,
				"total_cost", estimate.TotalCost,
				"plan_rows", estimate.PlanRows,
				"query_fingerprint", verdict.Fingerprint,
			)
			if last {
				return query.Estimate{}, costFailure(costErr)
			}
			correction = nl2sql.CorrectionFor(costErr.Error() + "; narrow the query with filters, aggregation or a smaller limit")
			continue
		}
		observability.ObserveGenerationAttempt("accepted")
		return estimate, nil
	}
}

// resetCandidate clears what the previous attempt produced so the outcome
// only ever describes the latest candidate.
func (st *run) resetCandidate() {
	st.verdict = sqlguard.Verdict{}
	st.outcome.Candidate = nil
	st.outcome.SQL = ""
	st.outcome.Fingerprint = ""
	st.outcome.Tables = nil
	st.outcome.LimitInjected = false
	st.outcome.Estimate = nil
}

func generationResult(err error) string {
	if errors.Is(err, nl2sql.ErrModelCall) {
		return "model_error"
	}
	return "malformed"
}

func (r *Runner) plan(ctx context.Context, st *run) (query.Estimate, *Failure) {
	var estimate query.Estimate
	err := r.withRetry(ctx, st, StageCost, func() error {
		started := time.Now()
		var err error
		estimate, err = r.deps.Planner.Plan(ctx, st.verdict.SQL)
		observability.ObserveStage(string(StageCost), err, time.Since(started))
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return query.Estimate{}, cancelledFailure(StageCost, ErrExecution, ctxErr)
		}
		return query.Estimate{}, executionFailure(StageCost, err)
	}
	observability.ObservePlannerCost(estimate.TotalCost)
	st.logger.Debug("query planned", "total_cost", estimate.TotalCost, "plan_rows", estimate.PlanRows, "plan_depth", estimate.PlanDepth)
	return estimate, nil
}

func (r *Runner) runQuery(ctx context.Context, st *run) (query.Result, *Failure) {
	var result query.Result
	err := r.withRetry(ctx, st, StageExecution, func() error {
		started := time.Now()
		var err error
		result, err = r.deps.Engine.Execute(ctx, query.Request{
			SQL:     st.verdict.SQL,
			Timeout: r.cfg.ExecTimeout,
			RowCap:  r.cfg.RowCap,
		})
		observability.ObserveStage(string(StageExecution), err, time.Since(started))
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return query.Result{}, cancelledFailure(StageExecution, ErrExecution, ctxErr)
		}
		return query.Result{}, executionFailure(StageExecution, err)
	}
	observability.ObserveExecution(result.Truncated)
	st.logger.Debug("query executed", "rows", len(result.Rows), "truncated", result.Truncated, "duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// withRetry retries fn once after a backoff when its error is transient.
func (r *Runner) withRetry(ctx context.Context, st *run, stage Stage, fn func() error) error {
	err := fn()
	var execErr *query.ExecutionError
	if err == nil || !errors.As(err, &execErr) || !execErr.Transient() {
		return err
	}
	st.logger.Warn("transient database error, retrying", "stage", stage, "kind", execErr.Kind, "backoff", r.cfg.RetryBackoff)
	timer := time.NewTimer(r.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return fn()
}

func (r *Runner) analyze(st *run, result query.Result) analysis.Result {
	started := time.Now()
	var suggestion analysis.Suggestion
	if st.outcome.Candidate != nil {
		suggestion = st.outcome.Candidate.Suggestion()
	}
	analyzed := analysis.New(st.policy.Analysis).Analyze(result, suggestion)
	var stageErr error
	if analyzed.Err != nil {
		stageErr = fmt.Errorf("%w: %w", ErrAnalysis, analyzed.Err)
		st.logger.Warn("analysis degraded to none", "error", analyzed.Err)
	}
	observability.ObserveStage(string(StageAnalysis), stageErr, time.Since(started))
	return analyzed
}

func (r *Runner) narrate(ctx context.Context, st *run, result query.Result, analyzed analysis.Result) string {
	if r.deps.Narrator == nil || !r.cfg.NarrateResults {
		return ""
	}
	started := time.Now()
	narrative, err := r.deps.Narrator.Synthesize(ctx, insight.Input{
		Question: st.req.Question.Text,
		SQL:      st.verdict.SQL,
		Result:   result,
		Analysis: analyzed,
	})
	observability.ObserveStage(string(StageInsight), err, time.Since(started))
	if err != nil {
		st.logger.Warn("narrative unavailable", "error", err)
		return ""
	}
	return narrative
}

// recordAudit is best-effort and outlives caller cancellation so refused
// and cancelled runs are still recorded.
func (r *Runner) recordAudit(ctx context.Context, st *run) {
	if r.deps.Audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.AuditTimeout)
	defer cancel()

	out := st.outcome
	entry := audit.Entry{
		QuestionID:         out.QuestionID,
		SessionID:          out.SessionID,
		TraceID:            st.req.TraceID,
		Fingerprint:        out.Fingerprint,
		SQL:                out.SQL,
		Status:             audit.StatusSucceeded,
		GenerationAttempts: out.Attempts,
		ReferencedTables:   out.Tables,
	}
	if out.Failure != nil {
		entry.Status = audit.StatusFailed
		entry.FailureStage = string(out.Failure.Stage)
		entry.FailureKind = out.Failure.Kind
	}
	if out.Estimate != nil {
		entry.PlanTotalCost = &out.Estimate.TotalCost
		entry.PlanRows = &out.Estimate.PlanRows
	}
	if out.Result != nil {
		rows := len(out.Result.Rows)
		ms := out.Result.Duration.Milliseconds()
		entry.RowCount = &rows
		entry.ExecutionMS = &ms
		entry.Truncated = out.Result.Truncated
	}
	if err := r.deps.Audit.Record(auditCtx, entry); err != nil {
		st.logger.Warn("audit record failed", "error", err)
	}
}
