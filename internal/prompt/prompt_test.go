package prompt

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/duckmesh/nlq/internal/conversation"
	"github.com/duckmesh/nlq/internal/llm"
	"github.com/duckmesh/nlq/internal/retrieval"
)

func sampleContext(n int) retrieval.Context {
	items := make([]retrieval.Scored, n)
	for i := range items {
		items[i] = retrieval.Scored{
			Chunk:       retrieval.Chunk{ID: fmt.Sprintf("c%d", i), Schema: "alunos", Table: fmt.Sprintf("t%d", i), Text: strings.Repeat("x", 100)},
			RerankScore: float64(n - i),
		}
	}
	return retrieval.Context{Items: items}
}

func TestComposeKeepsOrderAndQuestion(t *testing.T) {
	composer, err := New(Config{Instructions: "Return JSON.", BudgetChars: 10_000, HistoryTurns: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	history := []conversation.Turn{
		{Question: "first"},
		{Question: "second", SQL: "SELECT 2"},
		{Question: "third", Narrative: "three"},
	}
	p, err := composer.Compose(sampleContext(3), conversation.NewQuestion("s", 4, "list all students"), history)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if p.Chunks != 3 || p.Dropped != 0 {
		t.Fatalf("Chunks/Dropped = %d/%d", p.Chunks, p.Dropped)
	}
	body := p.Messages[len(p.Messages)-1].Content
	if !strings.HasSuffix(body, "Question: list all students") {
		t.Fatalf("body does not end with question: %q", body)
	}
	if strings.Index(body, "alunos.t0") > strings.Index(body, "alunos.t2") {
		t.Fatal("chunks not serialized in rerank order")
	}
	if strings.Contains(body, "User: first") || !strings.Contains(body, "User: second") {
		t.Fatalf("history window not applied: %q", body)
	}
	if p.System != "Return JSON." {
		t.Fatalf("System = %q", p.System)
	}
}

func TestComposeDropsTailChunksToFitBudget(t *testing.T) {
	question := conversation.NewQuestion("s", 1, "how many students per class?")
	unbounded, err := New(Config{BudgetChars: 1 << 20})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	full, err := unbounded.Compose(sampleContext(5), question, nil)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	budget := full.Len() - 150
	composer, err := New(Config{BudgetChars: budget})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p, err := composer.Compose(sampleContext(5), question, nil)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if p.Len() > budget {
		t.Fatalf("Len() = %d exceeds budget %d", p.Len(), budget)
	}
	if p.Dropped != 2 || p.Chunks != 3 {
		t.Fatalf("Chunks/Dropped = %d/%d, want 3/2", p.Chunks, p.Dropped)
	}
	body := p.Messages[0].Content
	if !strings.Contains(body, "alunos.t0") || strings.Contains(body, "alunos.t4") {
		t.Fatalf("expected tail chunks dropped: %q", body)
	}
	if !strings.Contains(body, question.Text) {
		t.Fatal("question must never be truncated")
	}
}

func TestComposeDeterministic(t *testing.T) {
	composer, err := New(Config{BudgetChars: 600, HistoryTurns: 3, Examples: []Example{{Question: "q", SQL: "SELECT 1"}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	question := conversation.Question{Text: "count students"}
	a, errA := composer.Compose(sampleContext(8), question, []conversation.Turn{{Question: "prev"}})
	b, errB := composer.Compose(sampleContext(8), question, []conversation.Turn{{Question: "prev"}})
	if errA != nil || errB != nil {
		t.Fatalf("Compose() errors = %v, %v", errA, errB)
	}
	if a.Len() != b.Len() || a.Messages[len(a.Messages)-1].Content != b.Messages[len(b.Messages)-1].Content {
		t.Fatal("Compose() is not deterministic")
	}
	if len(a.Messages) != 3 || a.Messages[1].Role != llm.RoleAssistant {
		t.Fatalf("examples not rendered as user/assistant pairs: %+v", a.Messages)
	}
}

func TestComposeBudgetTooSmall(t *testing.T) {
	composer, err := New(Config{BudgetChars: 40})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = composer.Compose(sampleContext(2), conversation.Question{Text: "a question longer than the budget allows"}, []conversation.Turn{{Question: "old"}})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Compose() error = %v, want ErrBudgetExceeded", err)
	}
}

func TestComposeRejectsEmptyContext(t *testing.T) {
	composer, err := New(Config{BudgetChars: 1000})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := composer.Compose(retrieval.Context{}, conversation.Question{Text: "q"}, nil); err == nil {
		t.Fatal("expected error for empty context")
	}
}

func TestPromptRequestAppendsCorrection(t *testing.T) {
	p := Prompt{System: "sys", Messages: []llm.Message{{Role: llm.RoleUser, Content: "body"}}}
	req := p.Request(llm.PurposeGeneration, "Respond with JSON only.")
	if len(req.Messages) != 2 || req.Messages[1].Content != "Respond with JSON only." {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	if len(p.Messages) != 1 {
		t.Fatal("Request() must not mutate the prompt")
	}
	if !req.JSONMode || req.Purpose != llm.PurposeGeneration {
		t.Fatalf("request = %+v", req)
	}
}
