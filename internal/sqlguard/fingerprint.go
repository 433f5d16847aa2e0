package sqlguard

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies a query independent of comments, whitespace,
// keyword case and trailing terminators. Literals are kept verbatim.
func Fingerprint(sql string) string {
	sum := sha256.Sum256([]byte(Normalize(sql)))
	return hex.EncodeToString(sum[:])
}

func Normalize(sql string) string {
	tokens, err := lex(sql)
	if err != nil {
		return strings.Join(strings.Fields(strings.ToLower(sql)), " ")
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].isPunct(";") {
		tokens = tokens[:len(tokens)-1]
	}
	parts := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok.kind == tokWord {
			parts = append(parts, tok.value)
			continue
		}
		parts = append(parts, tok.text)
	}
	return strings.Join(parts, " ")
}
