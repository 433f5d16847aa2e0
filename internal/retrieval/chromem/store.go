// Package chromem serves schema chunk search from an in-process chromem-go
// collection loaded from a parquet snapshot.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/duckmesh/nlq/internal/retrieval"
	"github.com/duckmesh/nlq/internal/retrieval/snapshot"
	"github.com/duckmesh/nlq/internal/storage"
)

const DefaultMaxSnapshotBytes = 256 << 20

var errNoEmbeddingFunc = errors.New("documents must carry precomputed embeddings")

type Store struct {
	collection *chromemgo.Collection
	chunks     map[string]retrieval.Chunk
}

// New indexes records in a fresh in-memory collection.
func New(ctx context.Context, name string, records []snapshot.Record) (*Store, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}
	db := chromemgo.NewDB()
	collection, err := db.CreateCollection(name, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbeddingFunc
	})
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", name, err)
	}

	docs := make([]chromemgo.Document, 0, len(records))
	chunks := make(map[string]retrieval.Chunk, len(records))
	for _, record := range records {
		docs = append(docs, chromemgo.Document{
			ID:        record.Chunk.ID,
			Content:   record.Chunk.Text,
			Metadata:  map[string]string{"schema": record.Chunk.Schema, "table": record.Chunk.Table},
			Embedding: append([]float32(nil), record.Embedding...),
		})
		chunks[record.Chunk.ID] = record.Chunk
	}
	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("add documents: %w", err)
	}
	return &Store{collection: collection, chunks: chunks}, nil
}

// LoadSnapshot downloads and decodes a snapshot, then indexes it.
func LoadSnapshot(ctx context.Context, objects storage.ObjectStore, key, name string, maxBytes int64) (*Store, error) {
	data, _, err := storage.ReadAll(ctx, objects, key, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %q: %w", key, err)
	}
	records, err := snapshot.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", key, err)
	}
	return New(ctx, name, records)
}

func (s *Store) Count() int {
	return s.collection.Count()
}

func (s *Store) Search(ctx context.Context, vector []float32, n int) ([]retrieval.Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	if count := s.collection.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	candidates := make([]retrieval.Candidate, 0, len(results))
	for _, result := range results {
		chunk, ok := s.chunks[result.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, retrieval.Candidate{Chunk: chunk, Similarity: float64(result.Similarity)})
	}
	return candidates, nil
}
