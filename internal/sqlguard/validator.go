// Package sqlguard statically inspects generated SQL and only lets a narrow
// read-only subset through. It never talks to a database.
package sqlguard

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Rule string

const (
	RuleEmpty              Rule = "empty"
	RuleSyntax             Rule = "syntax"
	RuleMultipleStatements Rule = "multiple_statements"
	RuleLeadingKeyword     Rule = "leading_keyword"
	RuleDeniedKeyword      Rule = "denied_keyword"
	RuleDeniedFunction     Rule = "denied_function"
	RuleSelectInto         Rule = "select_into"
	RuleLockingClause      Rule = "locking_clause"
	RuleUnqualifiedTable   Rule = "unqualified_table"
	RuleTableNotAllowed    Rule = "table_not_allowed"
)

// Rejection explains why a query text was refused.
type Rejection struct {
	Rule      Rule
	Reason    string
	Offending string
}

func (r *Rejection) Error() string {
	if r.Offending == "" {
		return r.Reason
	}
	return fmt.Sprintf("%s (near %q)", r.Reason, r.Offending)
}

// Verdict is the result of validating one query text. When Accepted, SQL is
// the text to plan and execute: leading/trailing comments and statement
// terminators removed, and a LIMIT appended when one was required.
type Verdict struct {
	Accepted      bool
	SQL           string
	Tables        []string
	LimitInjected bool
	Fingerprint   string
	Rejection     *Rejection
}

type Policy struct {
	AllowedSchemas  []string
	AllowedTables   []string
	DeniedKeywords  []string
	DeniedFunctions []string
	RequireLimit    bool
	DefaultLimit    int
}

var defaultDeniedKeywords = []string{
	"insert", "update", "delete", "merge", "upsert", "drop", "alter", "truncate",
	"create", "grant", "revoke", "copy", "execute", "exec", "call", "do",
	"vacuum", "reindex", "lock", "prepare", "deallocate", "listen", "notify",
	"unlisten", "refresh", "discard", "reassign",
}

var defaultDeniedFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file", "pg_file_write",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf", "pg_rotate_logfile",
	"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock", "pg_logical_emit_message",
	"set_config", "nextval", "setval", "txid_current",
	"lo_import", "lo_export", "lo_unlink", "lo_create", "lo_from_bytea", "lo_put",
	"dblink", "dblink_exec", "dblink_connect", "dblink_send_query",
	"dblink_open", "dblink_fetch", "lo_get",
	"query_to_xml", "query_to_xml_and_xmlschema", "query_to_xmlschema",
	"cursor_to_xml", "cursor_to_xmlschema",
	"table_to_xml", "table_to_xml_and_xmlschema", "schema_to_xml", "database_to_xml",
	"ts_stat", "ts_rewrite", "xpath_table", "connectby",
	"crosstab", "crosstab2", "crosstab3", "crosstab4",
}

var allowedLeading = map[string]bool{"select": true, "with": true}

// clauseWords end a FROM item; a bare word in this set is never an alias.
var clauseWords = map[string]bool{
	"where": true, "join": true, "inner": true, "left": true, "right": true, "full": true,
	"cross": true, "natural": true, "on": true, "using": true, "group": true, "order": true,
	"having": true, "window": true, "limit": true, "offset": true, "fetch": true, "for": true,
	"union": true, "intersect": true, "except": true, "lateral": true, "tablesample": true,
	"returning": true, "select": true, "as": true,
}

// Validator is safe for concurrent use; it holds no per-call state.
type Validator struct {
	schemas      map[string]bool
	tables       map[string]bool
	keywords     map[string]bool
	functions    map[string]bool
	requireLimit bool
	defaultLimit int
}

func New(policy Policy) *Validator {
	v := &Validator{
		schemas:      lowerSet(policy.AllowedSchemas),
		tables:       lowerSet(policy.AllowedTables),
		keywords:     lowerSet(append(append([]string(nil), defaultDeniedKeywords...), policy.DeniedKeywords...)),
		functions:    lowerSet(append(append([]string(nil), defaultDeniedFunctions...), policy.DeniedFunctions...)),
		requireLimit: policy.RequireLimit,
		defaultLimit: policy.DefaultLimit,
	}
	if v.defaultLimit <= 0 {
		v.defaultLimit = 1000
	}
	return v
}

func (v *Validator) Validate(sql string) Verdict {
	verdict := Verdict{Fingerprint: Fingerprint(sql)}
	reject := func(rule Rule, reason, offending string) Verdict {
		verdict.Rejection = &Rejection{Rule: rule, Reason: reason, Offending: offending}
		return verdict
	}

	if strings.TrimSpace(sql) == "" {
		return reject(RuleEmpty, "query is empty", "")
	}
	tokens, err := lex(sql)
	if err != nil {
		return reject(RuleSyntax, "query could not be tokenized: "+err.Error(), "")
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].isPunct(";") {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return reject(RuleEmpty, "query is empty", "")
	}
	for i, tok := range tokens {
		if tok.isPunct(";") {
			return reject(RuleMultipleStatements, "only a single statement is allowed", snippet(sql, tokens, i+1))
		}
	}

	first := 0
	for first < len(tokens) && tokens[first].isPunct("(") {
		first++
	}
	if first == len(tokens) || tokens[first].kind != tokWord || !allowedLeading[tokens[first].value] {
		return reject(RuleLeadingKeyword, "query must start with SELECT or WITH", snippet(sql, tokens, first))
	}

	for i, tok := range tokens {
		if !tok.isName() {
			continue
		}
		// Quoted names reach the same functions as bare ones.
		if i+1 < len(tokens) && tokens[i+1].isPunct("(") && v.functions[nameValue(tok)] {
			return reject(RuleDeniedFunction, "query calls a function that is not allowed", nameValue(tok))
		}
		if tok.kind != tokWord {
			continue
		}
		if v.keywords[tok.value] {
			return reject(RuleDeniedKeyword, "query contains a data-modifying or administrative keyword", strings.ToUpper(tok.value))
		}
		if tok.value == "into" {
			return reject(RuleSelectInto, "SELECT INTO is not allowed", "INTO")
		}
		if tok.value == "for" && i+1 < len(tokens) && tokens[i+1].isWord("update", "share", "no", "key") {
			return reject(RuleLockingClause, "row-locking clauses are not allowed", "FOR "+strings.ToUpper(tokens[i+1].value))
		}
	}

	refs, err := extractTables(tokens)
	if err != nil {
		return reject(RuleSyntax, err.Error(), "")
	}
	seen := map[string]bool{}
	for _, ref := range refs {
		name, rejection := v.checkTable(ref)
		if rejection != nil {
			verdict.Rejection = rejection
			return verdict
		}
		if name != "" && !seen[name] {
			seen[name] = true
			verdict.Tables = append(verdict.Tables, name)
		}
	}
	sort.Strings(verdict.Tables)

	text := sql[tokens[0].start:tokens[len(tokens)-1].end]
	if v.requireLimit {
		hasLimit, unbounded := topLevelLimit(tokens)
		switch {
		case unbounded >= 0:
			// LIMIT ALL and LIMIT NULL do not bound anything.
			arg := tokens[unbounded]
			text = sql[tokens[0].start:arg.start] + strconv.Itoa(v.defaultLimit) + sql[arg.end:tokens[len(tokens)-1].end]
			verdict.LimitInjected = true
		case !hasLimit:
			text += " LIMIT " + strconv.Itoa(v.defaultLimit)
			verdict.LimitInjected = true
		}
	}
	verdict.Accepted = true
	verdict.SQL = text
	verdict.Fingerprint = Fingerprint(text)
	return verdict
}

func (v *Validator) checkTable(ref tableRef) (string, *Rejection) {
	if ref.cte {
		return "", nil
	}
	parts := ref.parts
	display := strings.Join(parts, ".")
	if len(parts) == 1 {
		return "", &Rejection{Rule: RuleUnqualifiedTable, Reason: "table references must be schema-qualified", Offending: display}
	}
	if len(parts) > 3 {
		return "", &Rejection{Rule: RuleSyntax, Reason: "invalid table reference", Offending: display}
	}
	schema, table := parts[len(parts)-2], parts[len(parts)-1]
	qualified := schema + "." + table
	if isSystemSchema(schema) {
		return "", &Rejection{Rule: RuleTableNotAllowed, Reason: "system catalogs are not queryable", Offending: qualified}
	}
	if v.tables[qualified] || v.schemas[schema] {
		return qualified, nil
	}
	return "", &Rejection{Rule: RuleTableNotAllowed, Reason: "table is outside the permitted schemas", Offending: qualified}
}

func isSystemSchema(schema string) bool {
	return schema == "information_schema" || strings.HasPrefix(schema, "pg_")
}

// topLevelLimit reports whether the outermost query carries LIMIT or FETCH,
// and the index of the argument when it is LIMIT ALL or LIMIT NULL (else -1).
func topLevelLimit(tokens []token) (bool, int) {
	depth := 0
	for i, tok := range tokens {
		switch {
		case tok.isPunct("("):
			depth++
		case tok.isPunct(")"):
			depth--
		case depth == 0 && tok.isWord("limit"):
			if i+1 < len(tokens) && tokens[i+1].isWord("all", "null") {
				return true, i + 1
			}
			return true, -1
		case depth == 0 && tok.isWord("fetch"):
			return true, -1
		}
	}
	return false, -1
}

func snippet(sql string, tokens []token, from int) string {
	if from >= len(tokens) {
		return ""
	}
	text := strings.TrimSpace(sql[tokens[from].start:])
	if len(text) > 40 {
		text = text[:40]
	}
	return text
}

func lowerSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			out[value] = true
		}
	}
	return out
}
