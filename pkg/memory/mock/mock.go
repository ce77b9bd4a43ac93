// Package mock provides in-memory doubles for the memory interfaces.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/AverageNftEnjoyer/nova/pkg/memory"
)

// Store is an in-memory memory.Store.
type Store struct {
	mu    sync.Mutex
	facts map[string][]memory.Fact

	// UpsertErr, when set, is returned by UpsertFact.
	UpsertErr error
}

var _ memory.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{facts: make(map[string][]memory.Fact)}
}

func (s *Store) UpsertFact(_ context.Context, user, fact string) error {
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[user] = append(s.facts[user], memory.Fact{Content: fact})
	return nil
}

func (s *Store) Facts(_ context.Context, user string) ([]memory.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Fact, len(s.facts[user]))
	copy(out, s.facts[user])
	return out, nil
}

func (s *Store) Render(_ context.Context, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	for _, f := range s.facts[user] {
		lines = append(lines, "- "+f.Content)
	}
	return strings.Join(lines, "\n"), nil
}

// Recaller is a canned memory.Recaller.
type Recaller struct {
	Results []memory.RecallResult
	Err     error

	mu      sync.Mutex
	Queries []string
}

var _ memory.Recaller = (*Recaller)(nil)

func (r *Recaller) Search(ctx context.Context, user, query string, k int) ([]memory.RecallResult, error) {
	results, _, err := r.SearchWithDiagnostics(ctx, user, query, k)
	return results, err
}

func (r *Recaller) SearchWithDiagnostics(_ context.Context, _, query string, k int) ([]memory.RecallResult, memory.RecallDiagnostics, error) {
	r.mu.Lock()
	r.Queries = append(r.Queries, query)
	r.mu.Unlock()
	if r.Err != nil {
		return nil, memory.RecallDiagnostics{}, r.Err
	}
	results := r.Results
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, memory.RecallDiagnostics{Candidates: len(results)}, nil
}
