package snapshot

import (
	"testing"
	"time"

	"github.com/duckmesh/nlq/internal/retrieval"
)

func TestEncodeDecode(t *testing.T) {
	modified := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	records := []Record{
		{
			Chunk: retrieval.Chunk{
				ID:           "alunos.alunos",
				Schema:       "alunos",
				Table:        "alunos",
				Text:         "CREATE TABLE alunos.alunos (id bigint, nome text, turma_id bigint)",
				Metadata:     map[string]string{"kind": "TABLE"},
				RowCountHint: 1200,
				LastModified: modified,
			},
			Embedding: []float32{0.1, 0.2, 0.3},
		},
		{
			Chunk:     retrieval.Chunk{ID: "alunos.turmas", Schema: "alunos", Table: "turmas", Text: "CREATE TABLE alunos.turmas (id bigint, nome text)"},
			Embedding: []float32{0.3, 0.2, 0.1},
		},
	}

	result, err := Encode(records)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if result.RecordCount != 2 || result.Dimensions != 3 {
		t.Fatalf("Encode() = count %d dims %d", result.RecordCount, result.Dimensions)
	}

	decoded, err := Decode(result.Data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("len(Decode()) = %d", len(decoded))
	}
	first := decoded[0]
	if first.Chunk.QualifiedName() != "alunos.alunos" || first.Chunk.RowCountHint != 1200 {
		t.Fatalf("first chunk = %+v", first.Chunk)
	}
	if first.Chunk.Metadata["kind"] != "TABLE" || !first.Chunk.LastModified.Equal(modified) {
		t.Fatalf("first chunk metadata = %+v", first.Chunk)
	}
	if len(decoded[1].Embedding) != 3 || decoded[1].Embedding[0] != 0.3 {
		t.Fatalf("second embedding = %v", decoded[1].Embedding)
	}
}

func TestEncodeRejectsInconsistentDimensions(t *testing.T) {
	_, err := Encode([]Record{
		{Chunk: retrieval.Chunk{ID: "a"}, Embedding: []float32{1, 2}},
		{Chunk: retrieval.Chunk{ID: "b"}, Embedding: []float32{1, 2, 3}},
	})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEncodeRejectsDuplicateIDs(t *testing.T) {
	_, err := Encode([]Record{
		{Chunk: retrieval.Chunk{ID: "a"}, Embedding: []float32{1}},
		{Chunk: retrieval.Chunk{ID: "a"}, Embedding: []float32{2}},
	})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not a parquet file")); err == nil {
		t.Fatal("expected decode error")
	}
}
