// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the engine sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponses: []*llm.CompletionResponse{{Content: "Hello!"}},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Complete pops responses from CompleteResponses in order, repeating the
// last entry once the slice is exhausted; this supports multi-step tool
// loops. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion, all sent before the channel is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// StreamDelay, if set, makes the stream goroutine wait for ctx.Done()
	// before emitting anything. Used to exercise timeout paths.
	StreamBlocks bool

	// CompleteResponses are returned by successive Complete calls in order.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErrs are returned by successive Complete calls in order; a nil
	// entry (or exhausted slice) means no error.
	CompleteErrs []error

	// TokenCount is returned by CountTokens when non-zero; otherwise a
	// chars/4 estimate is computed.
	TokenCount int

	// ProviderKind defaults to llm.KindOpenAI when empty.
	ProviderKind llm.Kind

	// ModelName defaults to "mock-model" when empty.
	ModelName string

	// Caps is returned by Capabilities.
	Caps llm.Capabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	completeIdx int
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and returns a channel emitting StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	blocks := p.StreamBlocks
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)
		if blocks {
			<-ctx.Done()
			return
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the next configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})

	idx := p.completeIdx
	p.completeIdx++

	var err error
	if idx < len(p.CompleteErrs) {
		err = p.CompleteErrs[idx]
	}
	if err != nil {
		return nil, err
	}

	if len(p.CompleteResponses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	if idx >= len(p.CompleteResponses) {
		idx = len(p.CompleteResponses) - 1
	}
	return p.CompleteResponses[idx], nil
}

// CountTokens returns TokenCount or a chars/4 estimate.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Kind returns ProviderKind, defaulting to KindOpenAI.
func (p *Provider) Kind() llm.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderKind == "" {
		return llm.KindOpenAI
	}
	return p.ProviderKind
}

// Model returns ModelName, defaulting to "mock-model".
func (p *Provider) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelName == "" {
		return "mock-model"
	}
	return p.ModelName
}

// Reset clears all recorded calls and the Complete cursor. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.completeIdx = 0
}
