// Package llm talks to generative and embedding models.
package llm

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("model returned an empty response")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	PurposeGeneration = "generation"
	PurposeInsight    = "insight"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	// Purpose labels metrics and logs; it is never sent to the model.
	Purpose  string
	System   string
	Messages []Message
	JSONMode bool
}

// Model completes one chat request. Implementations must be safe for
// concurrent use.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
