package sqlguard

import (
	"fmt"
	"strings"
)

type tableRef struct {
	parts []string
	cte   bool
}

// extractTables finds every relation the statement reads: FROM and JOIN
// items at any nesting depth plus TABLE commands. FROM inside a function
// call (EXTRACT(YEAR FROM x), SUBSTRING(s FROM 2)) is not a relation and
// is skipped unless the call wraps a subquery.
func extractTables(tokens []token) ([]tableRef, error) {
	ctes := cteNames(tokens)
	// hasSelect tracks, per parenthesis level, whether a SELECT opened there.
	stack := []bool{true}
	var refs []tableRef
	for i, tok := range tokens {
		switch {
		case tok.isPunct("("):
			stack = append(stack, false)
		case tok.isPunct(")"):
			if len(stack) == 1 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
			stack = stack[:len(stack)-1]
		case tok.isWord("select"):
			stack[len(stack)-1] = true
		case tok.isWord("join"):
			refs = append(refs, readFromList(tokens, i+1, ctes)...)
		case tok.isWord("from"):
			if !stack[len(stack)-1] || isDistinctFrom(tokens, i) {
				continue
			}
			refs = append(refs, readFromList(tokens, i+1, ctes)...)
		case tok.isWord("table"):
			if i+1 < len(tokens) && tokens[i+1].isName() {
				parts, _ := readQualifiedName(tokens, i+1)
				refs = append(refs, tableRef{parts: parts, cte: len(parts) == 1 && ctes[parts[0]]})
			}
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	return refs, nil
}

func readFromList(tokens []token, j int, ctes map[string]bool) []tableRef {
	var refs []tableRef
	for j < len(tokens) {
		if tokens[j].isWord("lateral", "only") {
			j++
			continue
		}
		switch {
		case tokens[j].isPunct("("):
			closing := matchParen(tokens, j)
			if closing < 0 {
				return refs
			}
			// A parenthesised join starts with a relation, a subquery with a keyword.
			if j+1 < len(tokens) && !tokens[j+1].isWord("select", "with", "values", "table") {
				refs = append(refs, readFromList(tokens, j+1, ctes)...)
			}
			j = closing + 1
		case tokens[j].isName():
			parts, next := readQualifiedName(tokens, j)
			if next < len(tokens) && tokens[next].isPunct("(") {
				closing := matchParen(tokens, next)
				if closing < 0 {
					return refs
				}
				j = closing + 1
			} else {
				refs = append(refs, tableRef{parts: parts, cte: len(parts) == 1 && ctes[parts[0]]})
				j = next
			}
		default:
			return refs
		}
		j = skipAlias(tokens, j)
		if j < len(tokens) && tokens[j].isPunct(",") {
			j++
			continue
		}
		return refs
	}
	return refs
}

func readQualifiedName(tokens []token, j int) ([]string, int) {
	parts := []string{nameValue(tokens[j])}
	j++
	for j+1 < len(tokens) && tokens[j].isPunct(".") && tokens[j+1].isName() {
		parts = append(parts, nameValue(tokens[j+1]))
		j += 2
	}
	return parts, j
}

func nameValue(tok token) string {
	if tok.kind == tokQuotedIdent {
		return strings.ToLower(tok.value)
	}
	return tok.value
}

func skipAlias(tokens []token, j int) int {
	if j < len(tokens) && tokens[j].isWord("as") {
		j++
	}
	if j < len(tokens) && (tokens[j].kind == tokQuotedIdent || (tokens[j].kind == tokWord && !clauseWords[tokens[j].value])) {
		j++
		if j < len(tokens) && tokens[j].isPunct("(") {
			if closing := matchParen(tokens, j); closing >= 0 {
				j = closing + 1
			}
		}
	}
	return j
}

// cteNames collects names bound by WITH so references to them are not
// mistaken for unqualified tables.
func cteNames(tokens []token) map[string]bool {
	names := map[string]bool{}
	for i, tok := range tokens {
		if !tok.isName() || i == 0 {
			continue
		}
		prev := tokens[i-1]
		if !prev.isWord("with", "recursive") && !prev.isPunct(",") {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j].isPunct("(") {
			closing := matchParen(tokens, j)
			if closing < 0 {
				continue
			}
			j = closing + 1
		}
		if j >= len(tokens) || !tokens[j].isWord("as") {
			continue
		}
		j++
		for j < len(tokens) && tokens[j].isWord("not", "materialized") {
			j++
		}
		if j < len(tokens) && tokens[j].isPunct("(") {
			names[nameValue(tok)] = true
		}
	}
	return names
}

func isDistinctFrom(tokens []token, i int) bool {
	return i >= 2 && tokens[i-1].isWord("distinct") && tokens[i-2].isWord("is", "not")
}

func matchParen(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].isPunct("("):
			depth++
		case tokens[i].isPunct(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
