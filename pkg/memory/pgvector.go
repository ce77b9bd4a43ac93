package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
)

// Embedder turns text into a vector for the semantic index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticIndex is a pgvector-backed [Recaller]. Each row scopes to one
// user; recall never crosses users.
type SemanticIndex struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

var _ Recaller = (*SemanticIndex)(nil)

const semanticSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS memory_entries (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	content     TEXT NOT NULL,
	embedding   vector(1536),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS memory_entries_user_idx ON memory_entries (user_id);
`

// NewSemanticIndex connects to Postgres, ensures the schema, and returns
// the index. The pool registers pgvector's types on every connection.
func NewSemanticIndex(ctx context.Context, dsn string, embedder Embedder) (*SemanticIndex, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, semanticSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ensure schema: %w", err)
	}
	return &SemanticIndex{pool: pool, embedder: embedder}, nil
}

// Add indexes one piece of content for a user.
func (s *SemanticIndex) Add(ctx context.Context, userContextID, content string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("memory: embed: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, user_id, content, embedding) VALUES ($1, $2, $3, $4)`,
		uuid.New(), userContextID, content, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("memory: index: %w", err)
	}
	return nil
}

// Search implements Recaller via cosine distance.
func (s *SemanticIndex) Search(ctx context.Context, userContextID, query string, k int) ([]RecallResult, error) {
	results, _, err := s.SearchWithDiagnostics(ctx, userContextID, query, k)
	return results, err
}

// SearchWithDiagnostics implements Recaller.
func (s *SemanticIndex) SearchWithDiagnostics(ctx context.Context, userContextID, query string, k int) ([]RecallResult, RecallDiagnostics, error) {
	if k <= 0 {
		k = 5
	}
	start := time.Now()
	diag := RecallDiagnostics{QueryTokens: llm.CountTextTokens(query)}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, diag, fmt.Errorf("memory: embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content, 1 - (embedding <=> $1) AS score
		FROM memory_entries
		WHERE user_id = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(vec), userContextID, k)
	if err != nil {
		return nil, diag, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var results []RecallResult
	for rows.Next() {
		var r RecallResult
		if err := rows.Scan(&r.Content, &r.Score); err != nil {
			return nil, diag, fmt.Errorf("memory: scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, diag, fmt.Errorf("memory: rows: %w", err)
	}

	diag.Candidates = len(results)
	diag.ElapsedMs = time.Since(start).Milliseconds()
	return results, diag, nil
}

// Close releases the connection pool.
func (s *SemanticIndex) Close() { s.pool.Close() }
