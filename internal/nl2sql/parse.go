package nl2sql

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/duckmesh/nlq/internal/analysis"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Parse extracts a candidate from free model text. Reasoning blocks and
// markdown fences are tolerated; anything else must be a JSON object, or an
// array whose first usable element is one.
func Parse(raw string) (Candidate, error) {
	text := stripMarkdown(thinkBlock.ReplaceAllString(raw, ""), "json")
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return Candidate{}, ErrMalformedResponse
	}
	closing := "}"
	if text[start] == '[' {
		closing = "]"
	}
	end := strings.LastIndex(text, closing)
	if end < start {
		return Candidate{}, ErrMalformedResponse
	}
	body := text[start : end+1]

	var objects []map[string]json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal([]byte(body), &objects); err != nil {
			return Candidate{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	} else {
		var object map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &object); err != nil {
			return Candidate{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		objects = append(objects, object)
	}

	for _, object := range objects {
		candidate := fromObject(object)
		if candidate.SQL != "" {
			return candidate, nil
		}
	}
	return Candidate{}, ErrMissingQuery
}

func fromObject(object map[string]json.RawMessage) Candidate {
	return Candidate{
		SQL:         stripMarkdown(stringField(object["sql_query"]), "sql"),
		Explanation: strings.TrimSpace(stringField(object["explanation"])),
		UsedTables:  tablesField(object["used_tables"]),
		ChartType:   analysis.ParseChartType(stringField(object["chart_type"])),
		Algorithm:   analysis.ParseAlgorithm(stringField(object["ml_algorithm"])),
	}
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

// tablesField accepts an array of names or a comma separated string.
func tablesField(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		names = strings.Split(stringField(raw), ",")
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func stripMarkdown(value, lang string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```"+lang)
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
