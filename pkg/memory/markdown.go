package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MarkdownStore keeps one MEMORY.md per user under a root directory. The
// file is human-editable: a "# Memory" heading followed by "## <topic>"
// sections, one "- fact" bullet each. Upserts replace the bullet of a
// matching topic in place and append new topics at the end.
//
// Writes for the same user are serialized; distinct users write freely in
// parallel.
type MarkdownStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

var _ Store = (*MarkdownStore)(nil)

// NewMarkdownStore creates the store rooted at dir, creating it if needed.
func NewMarkdownStore(dir string) (*MarkdownStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create root: %w", err)
	}
	return &MarkdownStore{root: dir, locks: make(map[string]*sync.Mutex), now: time.Now}, nil
}

func (s *MarkdownStore) userLock(user string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[user]
	if !ok {
		l = &sync.Mutex{}
		s.locks[user] = l
	}
	return l
}

func (s *MarkdownStore) path(user string) string {
	// User ids come from the session layer; flatten anything path-like.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, user)
	return filepath.Join(s.root, safe, "MEMORY.md")
}

// UpsertFact implements Store. The topic is derived from the fact's leading
// words so "my favorite color is teal" later replaces "my favorite color
// is green".
func (s *MarkdownStore) UpsertFact(ctx context.Context, userContextID, fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("memory: empty fact")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.userLock(userContextID)
	lock.Lock()
	defer lock.Unlock()

	facts, err := s.readLocked(userContextID)
	if err != nil {
		return err
	}

	topic := deriveTopic(fact)
	replaced := false
	for i := range facts {
		if facts[i].Topic == topic {
			facts[i].Content = fact
			facts[i].UpdatedAt = s.now()
			replaced = true
			break
		}
	}
	if !replaced {
		facts = append(facts, Fact{Topic: topic, Content: fact, UpdatedAt: s.now()})
	}
	return s.writeLocked(userContextID, facts)
}

// Facts implements Store.
func (s *MarkdownStore) Facts(ctx context.Context, userContextID string) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.userLock(userContextID)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(userContextID)
}

// Render implements Store. Empty memory renders as "".
func (s *MarkdownStore) Render(ctx context.Context, userContextID string) (string, error) {
	facts, err := s.Facts(ctx, userContextID)
	if err != nil || len(facts) == 0 {
		return "", err
	}
	var b strings.Builder
	for _, f := range facts {
		b.WriteString("- " + f.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *MarkdownStore) readLocked(user string) ([]Fact, error) {
	raw, err := os.ReadFile(s.path(user))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read: %w", err)
	}

	var facts []Fact
	var topic string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "## "):
			topic = strings.TrimSpace(strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "- ") && topic != "":
			facts = append(facts, Fact{Topic: topic, Content: strings.TrimPrefix(line, "- ")})
		}
	}
	return facts, nil
}

func (s *MarkdownStore) writeLocked(user string, facts []Fact) error {
	path := s.path(user)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: create user dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Memory\n")
	for _, f := range facts {
		b.WriteString("\n## " + f.Topic + "\n")
		b.WriteString("- " + f.Content + "\n")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("memory: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: replace: %w", err)
	}
	return nil
}

// deriveTopic keys a fact by its first two meaningful words, lowercased,
// so "my favorite color is teal" and "my favorite color is green" share the
// key "favorite-color" and the newer statement wins.
func deriveTopic(fact string) string {
	words := strings.Fields(strings.ToLower(fact))
	keep := make([]string, 0, 2)
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'")
		switch w {
		case "i", "my", "the", "a", "an", "is", "are", "that", "":
			continue
		}
		keep = append(keep, w)
		if len(keep) == 2 {
			break
		}
	}
	if len(keep) == 0 {
		return "general"
	}
	return strings.Join(keep, "-")
}
