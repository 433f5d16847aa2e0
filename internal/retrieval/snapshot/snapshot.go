// Package snapshot encodes schema chunks and their embeddings as a parquet
// file, the format the ingestion job publishes to object storage.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/nlq/internal/retrieval"
)

type Record struct {
	Chunk     retrieval.Chunk
	Embedding []float32
}

type EncodeResult struct {
	Data        []byte
	RecordCount int64
	Dimensions  int
}

type parquetChunk struct {
	ID                 string    `parquet:"id"`
	Schema             string    `parquet:"schema"`
	Table              string    `parquet:"table"`
	Text               string    `parquet:"text"`
	Embedding          []float32 `parquet:"embedding"`
	MetadataJSON       string    `parquet:"metadata_json"`
	RowCountHint       int64     `parquet:"row_count_hint"`
	LastModifiedUnixMs int64     `parquet:"last_modified_unix_ms"`
}

func Encode(records []Record) (EncodeResult, error) {
	if len(records) == 0 {
		return EncodeResult{}, fmt.Errorf("records are required")
	}

	rows := make([]parquetChunk, 0, len(records))
	seen := map[string]bool{}
	dims := 0
	for _, record := range records {
		if err := check(record, seen, &dims); err != nil {
			return EncodeResult{}, err
		}
		metadataJSON := ""
		if len(record.Chunk.Metadata) > 0 {
			raw, err := json.Marshal(record.Chunk.Metadata)
			if err != nil {
				return EncodeResult{}, fmt.Errorf("marshal metadata for chunk %q: %w", record.Chunk.ID, err)
			}
			metadataJSON = string(raw)
		}
		var lastModified int64
		if !record.Chunk.LastModified.IsZero() {
			lastModified = record.Chunk.LastModified.UnixMilli()
		}
		rows = append(rows, parquetChunk{
			ID:                 record.Chunk.ID,
			Schema:             record.Chunk.Schema,
			Table:              record.Chunk.Table,
			Text:               record.Chunk.Text,
			Embedding:          record.Embedding,
			MetadataJSON:       metadataJSON,
			RowCountHint:       record.Chunk.RowCountHint,
			LastModifiedUnixMs: lastModified,
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetChunk](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		Dimensions:  dims,
	}, nil
}

// Decode reads every record and checks ids are unique and all embeddings
// share one dimension.
func Decode(data []byte) ([]Record, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet snapshot: %w", err)
	}
	reader := parquet.NewGenericReader[parquetChunk](file)
	defer func() { _ = reader.Close() }()

	records := make([]Record, 0, reader.NumRows())
	seen := map[string]bool{}
	dims := 0
	for {
		batch := make([]parquetChunk, 256)
		count, err := reader.Read(batch)
		for _, row := range batch[:count] {
			record, convErr := fromRow(row)
			if convErr != nil {
				return nil, convErr
			}
			if checkErr := check(record, seen, &dims); checkErr != nil {
				return nil, checkErr
			}
			records = append(records, record)
		}
		if errors.Is(err, io.EOF) || (err == nil && count == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("snapshot contains no records")
	}
	return records, nil
}

func fromRow(row parquetChunk) (Record, error) {
	chunk := retrieval.Chunk{
		ID:           row.ID,
		Schema:       row.Schema,
		Table:        row.Table,
		Text:         row.Text,
		RowCountHint: row.RowCountHint,
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &chunk.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata for chunk %q: %w", row.ID, err)
		}
	}
	if row.LastModifiedUnixMs > 0 {
		chunk.LastModified = time.UnixMilli(row.LastModifiedUnixMs).UTC()
	}
	return Record{Chunk: chunk, Embedding: row.Embedding}, nil
}

func check(record Record, seen map[string]bool, dims *int) error {
	if record.Chunk.ID == "" {
		return fmt.Errorf("chunk id is required")
	}
	if seen[record.Chunk.ID] {
		return fmt.Errorf("duplicate chunk id %q", record.Chunk.ID)
	}
	seen[record.Chunk.ID] = true
	if len(record.Embedding) == 0 {
		return fmt.Errorf("chunk %q has no embedding", record.Chunk.ID)
	}
	if *dims == 0 {
		*dims = len(record.Embedding)
	} else if len(record.Embedding) != *dims {
		return fmt.Errorf("chunk %q has %d dimensions, want %d", record.Chunk.ID, len(record.Embedding), *dims)
	}
	return nil
}
