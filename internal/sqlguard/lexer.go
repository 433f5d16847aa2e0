package sqlguard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	value string
	start int
	end   int
}

func (t token) isWord(words ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, w := range words {
		if t.value == w {
			return true
		}
	}
	return false
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

func (t token) isName() bool {
	return t.kind == tokWord || t.kind == tokQuotedIdent
}

// lex splits PostgreSQL text into tokens. Comments and whitespace are
// dropped; string literals, dollar-quoted bodies and quoted identifiers are
// kept as single opaque tokens so nothing inside them is ever inspected as
// syntax.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < n && src[i+1] == '-':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			end, err := skipBlockComment(src, i)
			if err != nil {
				return nil, err
			}
			i = end
		case c == '\'':
			end, err := scanString(src, i, false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: src[i:end], start: i, end: end})
			i = end
		case c == '"':
			end, value, err := scanQuotedIdent(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: src[i:end], value: value, start: i, end: end})
			i = end
		case c == '$':
			if i+1 < n && isDigit(src[i+1]) {
				end := i + 1
				for end < n && isDigit(src[end]) {
					end++
				}
				tokens = append(tokens, token{kind: tokParam, text: src[i:end], start: i, end: end})
				i = end
				continue
			}
			if tag, ok := dollarTag(src, i); ok {
				closing := strings.Index(src[i+len(tag):], tag)
				if closing < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", i)
				}
				end := i + len(tag) + closing + len(tag)
				tokens = append(tokens, token{kind: tokString, text: src[i:end], start: i, end: end})
				i = end
				continue
			}
			tokens = append(tokens, token{kind: tokPunct, text: "$", start: i, end: i + 1})
			i++
		case isDigit(c) || (c == '.' && i+1 < n && isDigit(src[i+1])):
			end := scanNumber(src, i)
			tokens = append(tokens, token{kind: tokNumber, text: src[i:end], start: i, end: end})
			i = end
		case isWordStart(c):
			end := i + 1
			for end < n && isWordPart(src[end]) {
				end++
			}
			word := src[i:end]
			// E'..', B'..', X'..', N'..' and U&'..' prefixes belong to the literal.
			if end < n && src[end] == '\'' && isStringPrefix(word) {
				strEnd, err := scanString(src, end, strings.EqualFold(word, "e"))
				if err != nil {
					return nil, err
				}
				tokens = append(tokens, token{kind: tokString, text: src[i:strEnd], start: i, end: strEnd})
				i = strEnd
				continue
			}
			if strings.EqualFold(word, "u") && end+1 < n && src[end] == '&' && (src[end+1] == '\'' || src[end+1] == '"') {
				if src[end+1] == '\'' {
					strEnd, err := scanString(src, end+1, false)
					if err != nil {
						return nil, err
					}
					tokens = append(tokens, token{kind: tokString, text: src[i:strEnd], start: i, end: strEnd})
					i = strEnd
					continue
				}
				identEnd, value, err := scanQuotedIdent(src, end+1)
				if err != nil {
					return nil, err
				}
				tokens = append(tokens, token{kind: tokQuotedIdent, text: src[i:identEnd], value: value, start: i, end: identEnd})
				i = identEnd
				continue
			}
			tokens = append(tokens, token{kind: tokWord, text: word, value: strings.ToLower(word), start: i, end: end})
			i = end
		default:
			end := i + 1
			if c == ':' && end < n && src[end] == ':' {
				end++
			}
			tokens = append(tokens, token{kind: tokPunct, text: src[i:end], start: i, end: end})
			i = end
		}
	}
	return tokens, nil
}

func skipBlockComment(src string, start int) (int, error) {
	depth := 0
	i := start
	for i < len(src) {
		switch {
		case strings.HasPrefix(src[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(src[i:], "*/"):
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated block comment at offset %d", start)
}

// scanString returns the offset just past the literal opening at start.
func scanString(src string, start int, backslashEscapes bool) (int, error) {
	i := start + 1
	for i < len(src) {
		switch src[i] {
		case '\\':
			if backslashEscapes {
				i += 2
				continue
			}
			i++
		case '\'':
			if i+1 < len(src) && src[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated string literal at offset %d", start)
}

func scanQuotedIdent(src string, start int) (int, string, error) {
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		if src[i] == '"' {
			if i+1 < len(src) && src[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			return i + 1, b.String(), nil
		}
		b.WriteByte(src[i])
		i++
	}
	return 0, "", fmt.Errorf("unterminated quoted identifier at offset %d", start)
}

func dollarTag(src string, start int) (string, bool) {
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '$' {
			return src[start : i+1], true
		}
		if !(isWordStart(c) || (i > start+1 && isDigit(c))) {
			return "", false
		}
		i++
	}
	return "", false
}

func scanNumber(src string, start int) int {
	i := start
	for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == '_') {
		i++
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	return i
}

func isStringPrefix(word string) bool {
	switch strings.ToLower(word) {
	case "e", "b", "x", "n":
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
