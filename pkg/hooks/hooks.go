// Package hooks defines the tool lifecycle hook strategy registered at
// session construction. Hooks observe or rewrite tool invocations; a
// pre-hook veto surfaces as an explicit denial, never a panic.
package hooks

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ToolHooks is the strategy consulted around every tool invocation.
type ToolHooks interface {
	// PreToolUse runs before the tool executes. Returning a non-nil
	// input replaces the proposed input; returning an error vetoes the
	// invocation with the error text as the deny reason.
	PreToolUse(ctx context.Context, toolName string, toolInput json.RawMessage) (json.RawMessage, error)

	// PostToolUse runs after the tool executed. Errors are logged by
	// the caller, never fatal.
	PostToolUse(ctx context.Context, toolName string, toolInput json.RawMessage, output string) error
}

// PreFunc is a pre-tool hook callback.
type PreFunc func(ctx context.Context, toolName string, toolInput json.RawMessage) (json.RawMessage, error)

// PostFunc is a post-tool hook callback.
type PostFunc func(ctx context.Context, toolName string, toolInput json.RawMessage, output string) error

type preEntry struct {
	matcher string
	fn      PreFunc
}

type postEntry struct {
	matcher string
	fn      PostFunc
}

// Chain is a matcher-keyed collection of hook callbacks implementing
// ToolHooks. Matchers are tool name patterns: "Bash", "Write|Edit", or
// "*"/"" for all tools.
type Chain struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	pre  []preEntry
	post []postEntry
}

// NewChain creates an empty hook chain.
func NewChain(logger zerolog.Logger) *Chain {
	return &Chain{
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// AddPreToolUse registers a pre-tool hook for tools matching matcher.
func (c *Chain) AddPreToolUse(matcher string, fn PreFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pre = append(c.pre, preEntry{matcher: matcher, fn: fn})
}

// AddPostToolUse registers a post-tool hook for tools matching matcher.
func (c *Chain) AddPostToolUse(matcher string, fn PostFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.post = append(c.post, postEntry{matcher: matcher, fn: fn})
}

// PreToolUse implements ToolHooks. Hooks run in registration order;
// input rewrites compose, and the first veto stops the chain.
func (c *Chain) PreToolUse(ctx context.Context, toolName string, toolInput json.RawMessage) (json.RawMessage, error) {
	c.mu.RLock()
	entries := append([]preEntry(nil), c.pre...)
	c.mu.RUnlock()

	current := toolInput
	rewritten := false

	for _, entry := range entries {
		if !matches(entry.matcher, toolName) {
			continue
		}
		updated, err := entry.fn(ctx, toolName, current)
		if err != nil {
			c.logger.Info().Str("tool", toolName).Err(err).Msg("Tool invocation vetoed by hook")
			return nil, err
		}
		if updated != nil {
			current = updated
			rewritten = true
		}
	}

	if !rewritten {
		return nil, nil
	}
	return current, nil
}

// PostToolUse implements ToolHooks.
func (c *Chain) PostToolUse(ctx context.Context, toolName string, toolInput json.RawMessage, output string) error {
	c.mu.RLock()
	entries := append([]postEntry(nil), c.post...)
	c.mu.RUnlock()

	for _, entry := range entries {
		if !matches(entry.matcher, toolName) {
			continue
		}
		if err := entry.fn(ctx, toolName, toolInput, output); err != nil {
			return err
		}
	}
	return nil
}

// matches reports whether a matcher pattern covers the tool name.
func matches(matcher, toolName string) bool {
	if matcher == "" || matcher == "*" {
		return true
	}
	for _, alt := range strings.Split(matcher, "|") {
		if strings.TrimSpace(alt) == toolName {
			return true
		}
	}
	return false
}
