// Package pgvector searches schema chunks stored in a PostgreSQL table with a
// pgvector embedding column.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	pgv "github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/duckmesh/nlq/internal/retrieval"
)

const DefaultTable = "nlq_schema_chunks"

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type chunkRow struct {
	bun.BaseModel `bun:"table:nlq_schema_chunks,alias:c"`

	ID           string            `bun:"id,pk"`
	SchemaName   string            `bun:"schema_name"`
	TableName    string            `bun:"table_name"`
	Content      string            `bun:"content"`
	Metadata     map[string]string `bun:"metadata,type:jsonb"`
	RowCountHint int64             `bun:"row_count_hint"`
	LastModified time.Time         `bun:"last_modified,nullzero"`
	Distance     float64           `bun:"distance,scanonly"`
}

type Config struct {
	DSN   string
	Table string
	Debug bool
}

type Store struct {
	db    *bun.DB
	table string
}

func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("vector store dsn is required")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	return New(sqldb, cfg.Table, cfg.Debug)
}

// New wraps an existing connection pool. debug logs every statement bun
// issues.
func New(sqldb *sql.DB, table string, debug bool) (*Store, error) {
	if sqldb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid vector table name %q", table)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return &Store{db: db, table: table}, nil
}

func (s *Store) Search(ctx context.Context, vector []float32, n int) ([]retrieval.Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	if n <= 0 {
		return nil, nil
	}
	var rows []chunkRow
	err := s.db.NewSelect().
		Model(&rows).
		ModelTableExpr("? AS c", bun.Ident(s.table)).
		ColumnExpr("c.id, c.schema_name, c.table_name, c.content, c.metadata, c.row_count_hint, c.last_modified").
		ColumnExpr("c.embedding <=> ?::vector AS distance", pgv.NewVector(vector)).
		OrderExpr("distance ASC, c.id ASC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.table, err)
	}

	candidates := make([]retrieval.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, retrieval.Candidate{
			Chunk: retrieval.Chunk{
				ID:           row.ID,
				Schema:       row.SchemaName,
				Table:        row.TableName,
				Text:         row.Content,
				Metadata:     row.Metadata,
				RowCountHint: row.RowCountHint,
				LastModified: row.LastModified,
			},
			Similarity: 1 - row.Distance,
		})
	}
	return candidates, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping vector store: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
