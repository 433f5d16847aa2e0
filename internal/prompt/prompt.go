// Package prompt serializes retrieved schema context, recent conversation
// and the question into one bounded generation request.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/duckmesh/nlq/internal/conversation"
	"github.com/duckmesh/nlq/internal/llm"
	"github.com/duckmesh/nlq/internal/retrieval"
)

var ErrBudgetExceeded = errors.New("prompt budget cannot hold the question and one schema chunk")

type Example struct {
	Question string
	SQL      string
}

type Config struct {
	// Instructions become the system message and count against the budget.
	Instructions string
	BudgetChars  int
	HistoryTurns int
	Examples     []Example
}

type Prompt struct {
	System   string
	Messages []llm.Message
	// Chunks and Dropped count schema chunks kept and cut for the budget.
	Chunks  int
	Dropped int
}

func (p Prompt) Len() int {
	n := len(p.System)
	for _, message := range p.Messages {
		n += len(message.Content)
	}
	return n
}

// Request converts the prompt into a model request, optionally followed by
// a corrective instruction.
func (p Prompt) Request(purpose, correction string) llm.Request {
	messages := append([]llm.Message(nil), p.Messages...)
	if correction != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: correction})
	}
	return llm.Request{Purpose: purpose, System: p.System, Messages: messages, JSONMode: true}
}

type Composer struct {
	cfg Config
}

func New(cfg Config) (*Composer, error) {
	if cfg.BudgetChars <= 0 {
		return nil, fmt.Errorf("budget must be > 0")
	}
	if cfg.HistoryTurns < 0 {
		return nil, fmt.Errorf("history turns must be >= 0")
	}
	return &Composer{cfg: cfg}, nil
}

// Compose is deterministic. When everything does not fit, schema chunks are
// dropped from the tail first, then the oldest history turns. The question
// is never truncated.
func (c *Composer) Compose(ctx retrieval.Context, question conversation.Question, history []conversation.Turn) (Prompt, error) {
	if strings.TrimSpace(question.Text) == "" {
		return Prompt{}, fmt.Errorf("question text is required")
	}
	if len(ctx.Items) == 0 {
		return Prompt{}, fmt.Errorf("schema context is empty")
	}

	examples := exampleMessages(c.cfg.Examples)
	fixed := len(c.cfg.Instructions)
	for _, message := range examples {
		fixed += len(message.Content)
	}

	turns := conversation.Window(history, c.cfg.HistoryTurns)
	chunkBlocks := make([]string, len(ctx.Items))
	for i, item := range ctx.Items {
		chunkBlocks[i] = formatChunk(i+1, item)
	}

	kept := len(chunkBlocks)
	for {
		body := userMessage(chunkBlocks[:kept], turns, question.Text)
		if fixed+len(body) <= c.cfg.BudgetChars {
			messages := append(examples, llm.Message{Role: llm.RoleUser, Content: body})
			return Prompt{
				System:   c.cfg.Instructions,
				Messages: messages,
				Chunks:   kept,
				Dropped:  len(chunkBlocks) - kept,
			}, nil
		}
		switch {
		case kept > 1:
			kept--
		case len(turns) > 0:
			turns = turns[1:]
		default:
			return Prompt{}, ErrBudgetExceeded
		}
	}
}

func exampleMessages(examples []Example) []llm.Message {
	messages := make([]llm.Message, 0, 2*len(examples))
	for _, example := range examples {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: "Question: " + example.Question},
			llm.Message{Role: llm.RoleAssistant, Content: exampleAnswer(example.SQL)},
		)
	}
	return messages
}

// exampleAnswer renders a few-shot answer in the same JSON shape the model
// is asked to reply with.
func exampleAnswer(sql string) string {
	raw, err := json.Marshal(map[string]string{"sql_query": sql})
	if err != nil {
		return sql
	}
	return string(raw)
}

func formatChunk(n int, item retrieval.Scored) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strconv.Itoa(n))
	b.WriteString("] ")
	b.WriteString(item.Chunk.QualifiedName())
	if item.Chunk.RowCountHint > 0 {
		b.WriteString(" (~")
		b.WriteString(strconv.FormatInt(item.Chunk.RowCountHint, 10))
		b.WriteString(" rows)")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(item.Chunk.Text))
	b.WriteString("\n")
	return b.String()
}

func userMessage(chunks []string, turns []conversation.Turn, question string) string {
	var b strings.Builder
	b.WriteString("Schema context:\n")
	for _, chunk := range chunks {
		b.WriteString(chunk)
		b.WriteString("\n")
	}
	if len(turns) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range turns {
			b.WriteString("User: ")
			b.WriteString(turn.Question)
			b.WriteString("\n")
			if turn.SQL != "" {
				b.WriteString("SQL: ")
				b.WriteString(turn.SQL)
				b.WriteString("\n")
			}
			if turn.Narrative != "" {
				b.WriteString("Answer: ")
				b.WriteString(turn.Narrative)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
