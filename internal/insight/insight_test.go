package insight

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/duckmesh/nlq/internal/analysis"
	"github.com/duckmesh/nlq/internal/llm"
	"github.com/duckmesh/nlq/internal/query"
)

type fakeModel struct {
	reply string
	err   error
	got   llm.Request
}

func (m *fakeModel) Complete(_ context.Context, req llm.Request) (string, error) {
	m.got = req
	return m.reply, m.err
}

func sampleInput(rows int) Input {
	result := query.Result{Columns: []query.Column{{Name: "curso", Type: "TEXT"}, {Name: "media", Type: "FLOAT8"}}}
	for i := 0; i < rows; i++ {
		result.Rows = append(result.Rows, []any{strings.Repeat("x", 200), 5.5 + float64(i)})
	}
	result.Truncated = true
	return Input{
		Question: "media por curso",
		SQL:      "SELECT curso, avg(nota) AS media FROM escola.notas GROUP BY curso",
		Result:   result,
		Analysis: analysis.New(analysis.Config{}).Analyze(result, analysis.Suggestion{}),
	}
}

func TestSynthesizeSendsBoundedSummary(t *testing.T) {
	model := &fakeModel{reply: "  A media geral fica perto de 25.  "}
	synthesizer, err := New(model, Config{SampleRows: 3, MaxCellChars: 10})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	narrative, err := synthesizer.Synthesize(context.Background(), sampleInput(50))
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if narrative != "A media geral fica perto de 25." {
		t.Fatalf("narrative = %q", narrative)
	}
	if model.got.Purpose != llm.PurposeInsight || model.got.JSONMode {
		t.Fatalf("request = %+v", model.got)
	}
	body := model.got.Messages[0].Content
	if !strings.Contains(body, `"row_count": 50`) || !strings.Contains(body, `"truncated": true`) {
		t.Fatalf("summary missing counts: %s", body)
	}
	if strings.Contains(body, strings.Repeat("x", 11)) {
		t.Fatal("long cells must be trimmed")
	}
}

func TestSynthesizeFailures(t *testing.T) {
	synthesizer, err := New(&fakeModel{err: errors.New("provider down")}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if narrative, err := synthesizer.Synthesize(context.Background(), sampleInput(2)); err == nil || narrative != "" {
		t.Fatalf("Synthesize() = %q, %v; want error", narrative, err)
	}

	synthesizer, err = New(&fakeModel{reply: "   "}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := synthesizer.Synthesize(context.Background(), sampleInput(2)); !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("Synthesize() error = %v, want ErrEmptyResponse", err)
	}
}

func TestSummarizeNumericStatsAndSample(t *testing.T) {
	in := sampleInput(4)
	summary := Summarize(in.Result, in.Analysis, Config{SampleRows: 2, MaxCellChars: 5})
	if summary.RowCount != 4 || len(summary.Sample) != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	media := summary.Columns[1]
	if media.Min == nil || *media.Min != 5.5 || *media.Max != 8.5 || *media.Mean != 7 {
		t.Fatalf("media stats = %+v", media)
	}
	if summary.Columns[0].Min != nil {
		t.Fatal("categorical column must not carry numeric stats")
	}
}
