package api

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/duckmesh/nlq/internal/analysis"
	"github.com/duckmesh/nlq/internal/auth"
	"github.com/duckmesh/nlq/internal/conversation"
	"github.com/duckmesh/nlq/internal/observability"
	"github.com/duckmesh/nlq/internal/pipeline"
	"github.com/duckmesh/nlq/internal/query"
	"github.com/duckmesh/nlq/internal/sqlguard"
)

const (
	maxBodyBytes     = 1 << 20
	maxQuestionChars = 2000
	maxHistoryTurns  = 20

	// statusClientClosedRequest follows the nginx convention for requests
	// the caller abandoned.
	statusClientClosedRequest = 499
)

type askRequest struct {
	SessionID string              `json:"session_id"`
	Ordinal   int                 `json:"ordinal"`
	Question  string              `json:"question"`
	History   []conversation.Turn `json:"history"`
}

type estimateBody struct {
	TotalCost float64 `json:"total_cost"`
	PlanRows  float64 `json:"plan_rows"`
	PlanDepth int     `json:"plan_depth"`
}

type askResponse struct {
	QuestionID    string           `json:"question_id"`
	SessionID     string           `json:"session_id"`
	SQL           string           `json:"sql"`
	Fingerprint   string           `json:"query_fingerprint"`
	Tables        []string         `json:"tables"`
	LimitInjected bool             `json:"limit_injected"`
	Explanation   string           `json:"explanation,omitempty"`
	Estimate      *estimateBody    `json:"estimate,omitempty"`
	Columns       []query.Column   `json:"columns"`
	Rows          [][]any          `json:"rows"`
	Truncated     bool             `json:"truncated"`
	Analysis      *analysis.Result `json:"analysis,omitempty"`
	Narrative     string           `json:"narrative,omitempty"`
	Attempts      int              `json:"generation_attempts"`
	Stats         map[string]any   `json:"stats"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question pipeline is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAsker) {
		return
	}

	var request askRequest
	if !decodeBody(w, r, &request) {
		return
	}
	text := strings.TrimSpace(request.Question)
	if text == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	if utf8.RuneCountInString(text) > maxQuestionChars {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_TOO_LONG", "question is too long", false, map[string]any{"max_chars": maxQuestionChars})
		return
	}
	if len(request.History) > maxHistoryTurns {
		request.History = request.History[len(request.History)-maxHistoryTurns:]
	}
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	outcome := deps.Pipeline.Run(r.Context(), pipeline.Request{
		Question: conversation.NewQuestion(sessionID, request.Ordinal, text),
		History:  request.History,
		TraceID:  observability.TraceIDFromContext(r.Context()),
	})
	if !outcome.Succeeded() {
		writeFailure(w, r, outcome)
		return
	}
	writeJSON(w, http.StatusOK, newAskResponse(outcome))
}

func newAskResponse(outcome pipeline.Outcome) askResponse {
	response := askResponse{
		QuestionID:    outcome.QuestionID,
		SessionID:     outcome.SessionID,
		SQL:           outcome.SQL,
		Fingerprint:   outcome.Fingerprint,
		Tables:        outcome.Tables,
		LimitInjected: outcome.LimitInjected,
		Analysis:      outcome.Analysis,
		Narrative:     outcome.Narrative,
		Attempts:      outcome.Attempts,
		Stats:         map[string]any{"duration_ms": outcome.Duration.Milliseconds()},
	}
	if outcome.Candidate != nil {
		response.Explanation = outcome.Candidate.Explanation
	}
	if outcome.Estimate != nil {
		response.Estimate = &estimateBody{
			TotalCost: outcome.Estimate.TotalCost,
			PlanRows:  outcome.Estimate.PlanRows,
			PlanDepth: outcome.Estimate.PlanDepth,
		}
	}
	if outcome.Result != nil {
		response.Columns = outcome.Result.Columns
		response.Rows = outcome.Result.Rows
		response.Truncated = outcome.Result.Truncated
		response.Stats["execution_ms"] = outcome.Result.Duration.Milliseconds()
		response.Stats["row_count"] = len(outcome.Result.Rows)
	}
	return response
}

func writeFailure(w http.ResponseWriter, r *http.Request, outcome pipeline.Outcome) {
	failure := outcome.Failure
	status, code := failureStatus(failure)
	extra := map[string]any{
		"stage":               failure.Stage,
		"kind":                failure.Kind,
		"question_id":         outcome.QuestionID,
		"generation_attempts": outcome.Attempts,
	}
	if outcome.Fingerprint != "" {
		extra["query_fingerprint"] = outcome.Fingerprint
	}
	for key, value := range failure.Details {
		extra[key] = value
	}
	writeError(r.Context(), w, status, code, failure.Reason, failure.Retryable, extra)
}

func failureStatus(failure *pipeline.Failure) (int, string) {
	if failure.Kind == pipeline.KindCancelled {
		return statusClientClosedRequest, "REQUEST_CANCELLED"
	}
	switch failure.Stage {
	case pipeline.StageRetrieval:
		if failure.Kind == pipeline.KindNoCandidates {
			return http.StatusUnprocessableEntity, "NO_SCHEMA_MATCH"
		}
		return http.StatusServiceUnavailable, "RETRIEVAL_UNAVAILABLE"
	case pipeline.StageGeneration:
		switch failure.Kind {
		case pipeline.KindModelUnavailable:
			return http.StatusServiceUnavailable, "MODEL_UNAVAILABLE"
		case pipeline.KindPromptBudget:
			return http.StatusUnprocessableEntity, "PROMPT_BUDGET_EXCEEDED"
		}
		return http.StatusUnprocessableEntity, "GENERATION_FAILED"
	case pipeline.StageValidation:
		return http.StatusUnprocessableEntity, "QUERY_REJECTED"
	case pipeline.StageCost:
		if failure.Kind == pipeline.KindCostExceeded {
			return http.StatusUnprocessableEntity, "COST_EXCEEDED"
		}
	}
	switch failure.Kind {
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout, "QUERY_TIMEOUT"
	case pipeline.KindConnectivity:
		return http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE"
	}
	return http.StatusUnprocessableEntity, "QUERY_FAILED"
}

type validateRequest struct {
	SQL string `json:"sql"`
}

type rejectionBody struct {
	Rule      string `json:"rule"`
	Reason    string `json:"reason"`
	Offending string `json:"offending,omitempty"`
}

type validateResponse struct {
	Accepted      bool           `json:"accepted"`
	SQL           string         `json:"sql,omitempty"`
	Tables        []string       `json:"tables,omitempty"`
	LimitInjected bool           `json:"limit_injected"`
	Fingerprint   string         `json:"query_fingerprint,omitempty"`
	Rejection     *rejectionBody `json:"rejection,omitempty"`
}

// handleValidate runs only the safety validator; a rejected query is a
// successful validation call.
func handleValidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Policy == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "POLICY_NOT_CONFIGURED", "query policy is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAsker) {
		return
	}

	var request validateRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	verdict := sqlguard.New(deps.Policy.Current().Guard).Validate(request.SQL)
	response := validateResponse{
		Accepted:      verdict.Accepted,
		SQL:           verdict.SQL,
		Tables:        verdict.Tables,
		LimitInjected: verdict.LimitInjected,
		Fingerprint:   verdict.Fingerprint,
	}
	if verdict.Rejection != nil {
		observability.ObserveValidationRejection(string(verdict.Rejection.Rule))
		response.Rejection = &rejectionBody{
			Rule:      string(verdict.Rejection.Rule),
			Reason:    verdict.Rejection.Reason,
			Offending: verdict.Rejection.Offending,
		}
	}
	writeJSON(w, http.StatusOK, response)
}
