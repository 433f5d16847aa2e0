package analysis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/duckmesh/nlq/internal/query"
)

type Class string

const (
	ClassNumeric     Class = "numeric"
	ClassCategorical Class = "categorical"
	ClassTemporal    Class = "temporal"
	ClassIdentifier  Class = "identifier"
)

// smallCategoryMax is the largest distinct count a categorical column may
// have and still be used as a heatmap axis.
const smallCategoryMax = 8

var identifierTokens = map[string]bool{
	"id": true, "cod": true, "code": true, "uuid": true, "key": true,
	"cpf": true, "rg": true, "registro": true,
}

var numericTypes = map[string]bool{
	"INT2": true, "INT4": true, "INT8": true, "FLOAT4": true, "FLOAT8": true, "NUMERIC": true,
	"SMALLINT": true, "INTEGER": true, "BIGINT": true, "REAL": true, "DOUBLE PRECISION": true, "DECIMAL": true,
}

var temporalTypes = map[string]bool{
	"DATE": true, "TIMESTAMP": true, "TIMESTAMPTZ": true, "TIME": true, "TIMETZ": true,
}

type ColumnProfile struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Class    Class  `json:"class"`
	Distinct int    `json:"distinct"`
	Nulls    int    `json:"nulls"`
}

type Profile struct {
	Rows    int             `json:"rows"`
	Columns []ColumnProfile `json:"columns"`
}

func (p Profile) Of(class Class) []ColumnProfile {
	var out []ColumnProfile
	for _, column := range p.Columns {
		if column.Class == class {
			out = append(out, column)
		}
	}
	return out
}

func (p Profile) Numeric() []ColumnProfile     { return p.Of(ClassNumeric) }
func (p Profile) Categorical() []ColumnProfile { return p.Of(ClassCategorical) }
func (p Profile) Temporal() []ColumnProfile    { return p.Of(ClassTemporal) }

// ProfileResult classifies every column by declared type, falling back to
// the values themselves when the driver reported no usable type.
func ProfileResult(result query.Result) Profile {
	profile := Profile{Rows: len(result.Rows), Columns: make([]ColumnProfile, len(result.Columns))}
	for i, column := range result.Columns {
		values := columnValues(result.Rows, i)
		cp := ColumnProfile{Index: i, Name: column.Name, Type: strings.ToUpper(column.Type)}
		distinct := map[string]struct{}{}
		for _, value := range values {
			if value == nil {
				cp.Nulls++
				continue
			}
			distinct[fmt.Sprint(value)] = struct{}{}
		}
		cp.Distinct = len(distinct)
		cp.Class = classify(cp, values)
		profile.Columns[i] = cp
	}
	return profile
}

func classify(cp ColumnProfile, values []any) Class {
	if cp.Type == "UUID" || hasIdentifierName(cp.Name) {
		return ClassIdentifier
	}
	switch {
	case temporalTypes[cp.Type]:
		return ClassTemporal
	case numericTypes[cp.Type]:
		if isSequence(values) {
			return ClassIdentifier
		}
		return ClassNumeric
	case cp.Type != "":
		return ClassCategorical
	}

	allNumeric, allTemporal, seen := true, true, 0
	for _, value := range values {
		if value == nil {
			continue
		}
		seen++
		if _, ok := value.(time.Time); !ok {
			allTemporal = false
		}
		if _, ok := numericValue(value, false); !ok {
			allNumeric = false
		}
	}
	switch {
	case seen == 0:
		return ClassCategorical
	case allTemporal:
		return ClassTemporal
	case allNumeric && isSequence(values):
		return ClassIdentifier
	case allNumeric:
		return ClassNumeric
	}
	return ClassCategorical
}

func hasIdentifierName(name string) bool {
	tokens := strings.FieldsFunc(splitCamel(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		if identifierTokens[strings.ToLower(token)] {
			return true
		}
	}
	return false
}

// splitCamel inserts a separator at lower-to-upper boundaries so studentId
// and student_id tokenize alike.
func splitCamel(name string) string {
	var b strings.Builder
	var prev rune
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(prev) {
			b.WriteByte('_')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// isSequence reports whether every value is an integer and the values are
// strictly increasing, like a surrogate key. Floating point and NUMERIC
// text never qualify.
func isSequence(values []any) bool {
	if len(values) < 3 {
		return false
	}
	previous := math.Inf(-1)
	for _, value := range values {
		switch value.(type) {
		case float32, float64, string, nil:
			return false
		}
		f, ok := numericValue(value, false)
		if !ok || f <= previous {
			return false
		}
		previous = f
	}
	return true
}

func columnValues(rows [][]any, index int) []any {
	values := make([]any, len(rows))
	for i, row := range rows {
		if index < len(row) {
			values[i] = row[index]
		}
	}
	return values
}

// numericValue converts driver values to float64. Strings are accepted only
// when parseStrings is set, since NUMERIC arrives as text.
func numericValue(value any, parseStrings bool) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return numericValue(float64(v), parseStrings)
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case string:
		if !parseStrings {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// Float converts a driver value, including NUMERIC text, to float64.
func Float(value any) (float64, bool) {
	return numericValue(value, true)
}
