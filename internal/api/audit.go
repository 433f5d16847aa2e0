package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/duckmesh/nlq/internal/audit"
	"github.com/duckmesh/nlq/internal/auth"
)

const defaultAuditLimit = 50

func handleAuditRecent(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.AuditLog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "query audit log is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAuditor) {
		return
	}

	limit := defaultAuditLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	entries, err := deps.AuditLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "AUDIT_ERROR", "failed to read the audit log", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func handleAuditGet(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.AuditLog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "query audit log is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAuditor) {
		return
	}

	entry, err := deps.AuditLog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "AUDIT_ENTRY_NOT_FOUND", "audit entry was not found", false, map[string]any{"audit_id": r.PathValue("id")})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "AUDIT_ERROR", "failed to read the audit log", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
