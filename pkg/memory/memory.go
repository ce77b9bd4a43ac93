// Package memory holds Nova's long-term user memory: a per-user Markdown
// fact file the assistant can upsert into, and a Postgres-backed semantic
// index used for live recall during prompt assembly.
package memory

import (
	"context"
	"time"
)

// Fact is one remembered statement about a user.
type Fact struct {
	Topic     string
	Content   string
	UpdatedAt time.Time
}

// RecallResult is one semantic-recall hit.
type RecallResult struct {
	Content string
	Score   float64
}

// RecallDiagnostics describes how a recall query ran.
type RecallDiagnostics struct {
	QueryTokens int
	Candidates  int
	ElapsedMs   int64
}

// Store persists explicit facts per user.
type Store interface {
	// UpsertFact adds or replaces a fact. Replacement is keyed on the
	// fact's topic so restated facts do not accumulate.
	UpsertFact(ctx context.Context, userContextID, fact string) error

	// Facts returns the user's facts in file order.
	Facts(ctx context.Context, userContextID string) ([]Fact, error)

	// Render returns the user's memory as a prompt-ready block.
	Render(ctx context.Context, userContextID string) (string, error)
}

// Recaller answers semantic queries against the memory index.
type Recaller interface {
	Search(ctx context.Context, userContextID, query string, k int) ([]RecallResult, error)
	SearchWithDiagnostics(ctx context.Context, userContextID, query string, k int) ([]RecallResult, RecallDiagnostics, error)
}
