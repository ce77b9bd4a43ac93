package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// LoopBudget tracks the tool loop's wall-clock allowance. Every step and
// tool timeout is resolved against the remaining budget so the loop makes
// monotonic progress and can never outlive its total.
type LoopBudget struct {
	deadline time.Time
	now      func() time.Time
}

// NewLoopBudget starts a budget of maxDuration from now.
func NewLoopBudget(maxDuration time.Duration) *LoopBudget {
	b := &LoopBudget{now: time.Now}
	b.deadline = b.now().Add(maxDuration)
	return b
}

// Remaining returns the unspent budget, never negative.
func (b *LoopBudget) Remaining() time.Duration {
	if r := b.deadline.Sub(b.now()); r > 0 {
		return r
	}
	return 0
}

// IsExhausted reports whether the budget is gone.
func (b *LoopBudget) IsExhausted() bool { return b.Remaining() <= 0 }

// ResolveTimeout returns min(desired, remaining), raised to floor when the
// budget still has room, and 0 when the budget is exhausted.
func (b *LoopBudget) ResolveTimeout(desired, floor time.Duration) time.Duration {
	remaining := b.Remaining()
	if remaining <= 0 {
		return 0
	}
	t := desired
	if remaining < t {
		t = remaining
	}
	if t < floor {
		t = floor
	}
	return t
}

// CapResult reports a per-step tool-call cap decision.
type CapResult struct {
	Capped         []types.ToolCall
	WasCapped      bool
	RequestedCount int
	CappedCount    int
}

// CapToolCalls truncates a step's tool-call list to max, deterministically
// keeping the head of the model's requested order.
func CapToolCalls(calls []types.ToolCall, max int) CapResult {
	res := CapResult{Capped: calls, RequestedCount: len(calls), CappedCount: len(calls)}
	if max <= 0 || len(calls) <= max {
		return res
	}
	res.Capped = calls[:max]
	res.WasCapped = true
	res.CappedCount = max
	return res
}

// timeoutErrorShapes are the transport message fragments treated as
// timeouts in addition to the typed checks.
var timeoutErrorShapes = []string{
	"timeout", "timed out", "deadline exceeded", "etimedout",
	"connection reset", "request canceled while waiting",
}

// IsLikelyTimeoutError classifies an error as a timeout: typed context and
// net errors first, then the message shapes transports actually produce.
func IsLikelyTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, shape := range timeoutErrorShapes {
		if strings.Contains(msg, shape) {
			return true
		}
	}
	return false
}
