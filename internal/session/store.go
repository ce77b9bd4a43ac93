// Package session owns conversation transcripts: resolving the session
// context for a turn, appending turns, persisting usage, and converting
// transcripts to chat messages for the provider call.
//
// Transcripts persist as one JSONL file per session under the store root.
// Appends for the same session are serialized; the engine's ordering
// guarantee (user turn first, then assistant turn) rests on that.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Context is the resolved transcript state for one turn.
type Context struct {
	// SessionID is the normalized session identity.
	SessionID string

	// Turns is the transcript in chronological order.
	Turns []types.TranscriptTurn
}

// Store reads and appends session transcripts.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewStore creates a transcript store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create root: %w", err)
	}
	return &Store{root: dir, locks: make(map[string]*sync.Mutex), now: time.Now}, nil
}

func (s *Store) sessionLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.root, sanitize(sessionKey)+".jsonl")
}

// Resolve loads the transcript for a session. A missing file is an empty
// session, not an error.
func (s *Store) Resolve(ctx context.Context, sessionKey string) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()
	return s.resolveLocked(sessionKey)
}

// resolveLocked reads the transcript. The session lock must be held.
func (s *Store) resolveLocked(sessionKey string) (*Context, error) {
	f, err := os.Open(s.path(sessionKey))
	if os.IsNotExist(err) {
		return &Context{SessionID: sessionKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: open transcript: %w", err)
	}
	defer f.Close()

	var turns []types.TranscriptTurn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var turn types.TranscriptTurn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			// One corrupt line does not poison the whole session.
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("session: read transcript: %w", err)
	}
	return &Context{SessionID: sessionKey, Turns: turns}, nil
}

// AppendTurn appends one turn to the session transcript.
func (s *Store) AppendTurn(ctx context.Context, sessionKey string, turn types.TranscriptTurn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}

	lock := s.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("session: marshal turn: %w", err)
	}
	f, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("session: open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("session: append turn: %w", err)
	}
	return nil
}

// PersistUsage rewrites the most recent assistant turn with provider,
// model, and usage once the stream's final accounting is known.
func (s *Store) PersistUsage(ctx context.Context, sessionKey, provider, model string, usage types.Usage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The read-modify-rewrite happens under one lock hold so a concurrent
	// append cannot land between the read and the rewrite and be erased.
	lock := s.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sc, err := s.resolveLocked(sessionKey)
	if err != nil {
		return err
	}

	for i := len(sc.Turns) - 1; i >= 0; i-- {
		if sc.Turns[i].Role == "assistant" {
			sc.Turns[i].Provider = provider
			sc.Turns[i].Model = model
			u := usage
			sc.Turns[i].Usage = &u
			break
		}
	}
	return s.rewriteLocked(sessionKey, sc.Turns)
}

func (s *Store) rewriteLocked(sessionKey string, turns []types.TranscriptTurn) error {
	var b strings.Builder
	for _, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("session: marshal turn: %w", err)
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	path := s.path(sessionKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("session: rewrite: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: replace: %w", err)
	}
	return nil
}

// LimitTurns keeps the newest max turns, preserving order.
func LimitTurns(turns []types.TranscriptTurn, max int) []types.TranscriptTurn {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	return turns[len(turns)-max:]
}

// ToChatMessages converts transcript turns into provider chat messages.
func ToChatMessages(turns []types.TranscriptTurn) []types.Message {
	out := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		if t.Text == "" {
			continue
		}
		out = append(out, types.Message{Role: t.Role, Content: t.Text})
	}
	return out
}

// NormalizeUserContextID canonicalizes a raw user-context id: trimmed,
// lowercased, path-unsafe runes flattened.
func NormalizeUserContextID(raw string) string {
	return sanitize(strings.ToLower(strings.TrimSpace(raw)))
}

// ResolveUserContextID picks the user identity for a turn, falling back
// from the explicit id to the platform sender to a fresh anonymous id.
func ResolveUserContextID(in types.TurnInput) string {
	if id := NormalizeUserContextID(in.UserContextID); id != "" {
		return id
	}
	if in.SenderID != "" {
		return NormalizeUserContextID(in.Source + "-" + in.SenderID)
	}
	return "anon-" + uuid.NewString()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
