// Package retrieval finds the schema documentation most relevant to a
// question: embed, coarse vector search, cross-encoder rerank, truncate.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/duckmesh/nlq/internal/conversation"
)

var (
	ErrNoCandidates = errors.New("vector store returned no candidates")
	ErrInvalidInput = errors.New("invalid retrieval input")
)

// Chunk documents one database object. Chunks are written by the offline
// ingestion job and are read-only here.
type Chunk struct {
	ID           string            `json:"id"`
	Schema       string            `json:"schema"`
	Table        string            `json:"table"`
	Text         string            `json:"text"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RowCountHint int64             `json:"row_count_hint,omitempty"`
	LastModified time.Time         `json:"last_modified,omitempty"`
}

// QualifiedName returns schema.table, or the bare table when the chunk has
// no schema.
func (c Chunk) QualifiedName() string {
	if c.Schema == "" {
		return c.Table
	}
	return c.Schema + "." + c.Table
}

// Candidate is a coarse vector search hit. Similarity is cosine similarity,
// higher is closer.
type Candidate struct {
	Chunk      Chunk
	Similarity float64
}

type Scored struct {
	Chunk       Chunk   `json:"chunk"`
	Similarity  float64 `json:"similarity"`
	RerankScore float64 `json:"rerank_score"`
}

// Context is ordered by descending rerank score, ties by ascending chunk ID,
// and never longer than the configured K.
type Context struct {
	Items []Scored `json:"items"`
}

func (c Context) Tables() []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range c.Items {
		name := item.Chunk.QualifiedName()
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Search(ctx context.Context, vector []float32, n int) ([]Candidate, error)
}

// Reranker returns one relevance score per text, aligned with texts.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

type Config struct {
	TopK                int
	Candidates          int
	IncludePreviousTurn bool
	Timeout             time.Duration
}

type Retriever struct {
	embedder Embedder
	store    VectorStore
	reranker Reranker
	cfg      Config
}

func New(embedder Embedder, store VectorStore, reranker Reranker, cfg Config) (*Retriever, error) {
	if embedder == nil || store == nil || reranker == nil {
		return nil, fmt.Errorf("embedder, vector store and reranker are required")
	}
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("top k must be > 0")
	}
	if cfg.Candidates < cfg.TopK {
		cfg.Candidates = cfg.TopK
	}
	return &Retriever{embedder: embedder, store: store, reranker: reranker, cfg: cfg}, nil
}

func (r *Retriever) Retrieve(ctx context.Context, question conversation.Question, history []conversation.Turn) (Context, error) {
	if strings.TrimSpace(question.Text) == "" {
		return Context{}, fmt.Errorf("%w: question text is required", ErrInvalidInput)
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	vector, err := r.embedder.EmbedQuery(ctx, r.searchText(question, history))
	if err != nil {
		return Context{}, fmt.Errorf("embed question: %w", err)
	}
	candidates, err := r.store.Search(ctx, vector, r.cfg.Candidates)
	if err != nil {
		return Context{}, fmt.Errorf("vector search: %w", err)
	}
	if len(candidates) == 0 {
		return Context{}, ErrNoCandidates
	}

	texts := make([]string, len(candidates))
	for i, candidate := range candidates {
		texts[i] = candidate.Chunk.Text
	}
	scores, err := r.reranker.Rerank(ctx, question.Text, texts)
	if err != nil {
		return Context{}, fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(candidates) {
		return Context{}, fmt.Errorf("rerank: got %d scores for %d candidates", len(scores), len(candidates))
	}

	items := make([]Scored, len(candidates))
	for i, candidate := range candidates {
		items[i] = Scored{Chunk: candidate.Chunk, Similarity: candidate.Similarity, RerankScore: scores[i]}
	}
	Order(items)
	if len(items) > r.cfg.TopK {
		items = items[:r.cfg.TopK]
	}
	return Context{Items: items}, nil
}

// searchText optionally prefixes the previous exchange so follow-up
// questions ("and by year?") still land on the right tables.
func (r *Retriever) searchText(question conversation.Question, history []conversation.Turn) string {
	if !r.cfg.IncludePreviousTurn {
		return question.Text
	}
	previous, ok := conversation.Previous(history)
	if !ok {
		return question.Text
	}
	parts := []string{previous.Question}
	if previous.Narrative != "" {
		parts = append(parts, previous.Narrative)
	}
	parts = append(parts, question.Text)
	return strings.Join(parts, "\n")
}

// Order sorts by descending rerank score with ascending chunk ID as the
// tie-break.
func Order(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].RerankScore != items[j].RerankScore {
			return items[i].RerankScore > items[j].RerankScore
		}
		return items[i].Chunk.ID < items[j].Chunk.ID
	})
}
