// Package approval provides the one-shot synchronization primitive used
// to hold a turn while a human decides on a proposed tool invocation.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Canonical deny reasons for automatic resolutions.
const (
	ReasonTimeout     = "Approval timeout - user did not respond"
	ReasonInterrupted = "Interrupted by user"
	ReasonDenied      = "User denied the request"
)

// Resolution is the outcome of one approval request.
type Resolution struct {
	Approved      bool
	ModifiedInput json.RawMessage
	DenyReason    string
}

// Gate is a one-shot gate for a single pending tool approval. Resolve
// may be called from any goroutine; the first resolution wins and later
// ones are discarded.
type Gate struct {
	toolName  string
	toolInput json.RawMessage

	once       sync.Once
	done       chan struct{}
	resolution Resolution
}

// NewGate creates a gate for the given proposed tool invocation.
func NewGate(toolName string, toolInput json.RawMessage) *Gate {
	return &Gate{
		toolName:  toolName,
		toolInput: toolInput,
		done:      make(chan struct{}),
	}
}

// ToolName returns the tool awaiting approval.
func (g *Gate) ToolName() string {
	return g.toolName
}

// ToolInput returns the proposed tool input.
func (g *Gate) ToolInput() json.RawMessage {
	return g.toolInput
}

// Resolve records the resolution and releases any waiter. It returns
// true if this call won the race, false if the gate was already
// resolved.
func (g *Gate) Resolve(res Resolution) bool {
	won := false
	g.once.Do(func() {
		g.resolution = res
		close(g.done)
		won = true
	})
	return won
}

// Resolved reports whether the gate has been resolved.
func (g *Gate) Resolved() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate resolves, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation resolve the gate themselves with
// an automatic denial, so a late client response has no effect.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) Resolution {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.done:
	case <-timer.C:
		g.Resolve(Resolution{Approved: false, DenyReason: ReasonTimeout})
		<-g.done
	case <-ctx.Done():
		g.Resolve(Resolution{Approved: false, DenyReason: ReasonInterrupted})
		<-g.done
	}

	return g.resolution
}
