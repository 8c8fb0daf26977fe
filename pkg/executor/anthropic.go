package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/loom/pkg/hooks"
)

const maxToolRounds = 10

// AnthropicConfig holds configuration for the Anthropic-backed binding.
type AnthropicConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int64
	Tools        ToolRunner
	Hooks        hooks.ToolHooks
	Logger       zerolog.Logger

	// USD per million tokens, used to report turn cost. Zero values
	// report cost 0.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// AnthropicBinding drives turns against the Anthropic Messages API,
// carrying conversation context across turns. Tool invocations pass
// through the configured PermissionFunc before execution.
type AnthropicBinding struct {
	client    anthropic.Client
	cfg       AnthropicConfig
	perm      PermissionFunc
	logger    zerolog.Logger
	sessionID string

	mu         sync.Mutex
	history    []anthropic.MessageParam
	turnCancel context.CancelFunc
}

// AnthropicFactory creates one binding per session.
type AnthropicFactory struct {
	cfg AnthropicConfig
}

// NewAnthropicFactory validates config and returns a factory.
func NewAnthropicFactory(cfg AnthropicConfig) (*AnthropicFactory, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicFactory{cfg: cfg}, nil
}

// NewBinding implements Factory.
func (f *AnthropicFactory) NewBinding(sessionID string, perm PermissionFunc) (Binding, error) {
	if perm == nil {
		return nil, errors.New("permission func is required")
	}
	return &AnthropicBinding{
		client:    anthropic.NewClient(option.WithAPIKey(f.cfg.APIKey)),
		cfg:       f.cfg,
		perm:      perm,
		logger:    f.cfg.Logger.With().Str("component", "executor").Str("sessionId", sessionID).Logger(),
		sessionID: sessionID,
	}, nil
}

// StartTurn implements Binding.
func (b *AnthropicBinding) StartTurn(ctx context.Context, prompt string) (<-chan Event, error) {
	b.mu.Lock()
	if b.turnCancel != nil {
		b.mu.Unlock()
		return nil, errors.New("a turn is already in flight")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	b.turnCancel = cancel
	b.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer func() {
			b.mu.Lock()
			b.turnCancel = nil
			b.mu.Unlock()
			cancel()
			close(events)
		}()
		b.runTurn(turnCtx, prompt, events)
	}()

	return events, nil
}

// Interrupt implements Binding.
func (b *AnthropicBinding) Interrupt(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnCancel != nil {
		b.turnCancel()
	}
	return nil
}

// Close implements Binding.
func (b *AnthropicBinding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnCancel != nil {
		b.turnCancel()
		b.turnCancel = nil
	}
	b.history = nil
	return nil
}

// sendEvent delivers ev unless the turn context is cancelled first.
// The consumer may stop reading mid-turn, so every producer-side send
// must go through here or the turn goroutine can block forever.
func sendEvent(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *AnthropicBinding) runTurn(ctx context.Context, prompt string, events chan<- Event) {
	b.mu.Lock()
	b.history = append(b.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	messages := append([]anthropic.MessageParam(nil), b.history...)
	b.mu.Unlock()

	var (
		totalInput  int64
		totalOutput int64
	)

	for round := 0; round < maxToolRounds; round++ {
		if ctx.Err() != nil {
			return
		}

		response, err := b.client.Messages.New(ctx, b.buildParams(messages))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sendEvent(ctx, events, Event{Type: EventTurnError, Err: fmt.Errorf("message request failed: %w", err)})
			return
		}

		totalInput += response.Usage.InputTokens
		totalOutput += response.Usage.OutputTokens

		assistantBlocks := []anthropic.ContentBlockParamUnion{}
		type pendingTool struct {
			id    string
			name  string
			input json.RawMessage
		}
		toolUses := []pendingTool{}

		for _, block := range response.Content {
			switch blk := block.AsAny().(type) {
			case anthropic.TextBlock:
				if !sendEvent(ctx, events, Event{Type: EventTextDelta, Text: blk.Text}) {
					return
				}
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(blk.Text))
			case anthropic.ThinkingBlock:
				if !sendEvent(ctx, events, Event{Type: EventThinking, Thinking: blk.Thinking}) {
					return
				}
			case anthropic.ToolUseBlock:
				input := json.RawMessage(blk.JSON.Input.Raw())
				if !sendEvent(ctx, events, Event{Type: EventToolUse, ToolUseID: blk.ID, ToolName: blk.Name, ToolInput: input}) {
					return
				}
				var params map[string]interface{}
				if err := json.Unmarshal(input, &params); err != nil {
					sendEvent(ctx, events, Event{Type: EventTurnError, Err: fmt.Errorf("failed to parse tool input: %w", err)})
					return
				}
				assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(blk.ID, params, blk.Name))
				toolUses = append(toolUses, pendingTool{id: blk.ID, name: blk.Name, input: input})
			}
		}

		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRoleAssistant,
			Content: assistantBlocks,
		})

		if len(toolUses) == 0 {
			b.mu.Lock()
			b.history = messages
			b.mu.Unlock()
			sendEvent(ctx, events, Event{
				Type:    EventTurnResult,
				CostUSD: b.cost(totalInput, totalOutput),
				Usage: map[string]interface{}{
					"input_tokens":  totalInput,
					"output_tokens": totalOutput,
				},
			})
			return
		}

		resultBlocks := []anthropic.ContentBlockParamUnion{}
		for _, tu := range toolUses {
			result, isError := b.runTool(ctx, tu.name, tu.input, events, tu.id)
			if ctx.Err() != nil {
				return
			}
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(tu.id, result, isError))
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRoleUser,
			Content: resultBlocks,
		})

		b.mu.Lock()
		b.history = messages
		b.mu.Unlock()
	}

	sendEvent(ctx, events, Event{Type: EventTurnError, Err: errors.New("maximum tool execution rounds exceeded")})
}

// runTool checks permission, runs hooks and the tool, and emits the
// tool_result event. The returned string feeds back to the model.
func (b *AnthropicBinding) runTool(ctx context.Context, name string, input json.RawMessage, events chan<- Event, toolUseID string) (string, bool) {
	emit := func(result string, isError bool) (string, bool) {
		sendEvent(ctx, events, Event{Type: EventToolResult, ToolUseID: toolUseID, Result: result, IsError: isError})
		return result, isError
	}

	if b.cfg.Hooks != nil {
		updated, err := b.cfg.Hooks.PreToolUse(ctx, name, input)
		if err != nil {
			return emit(fmt.Sprintf("Blocked by hook: %v", err), true)
		}
		if updated != nil {
			input = updated
		}
	}

	decision := b.perm(ctx, name, input)
	if decision.Behavior == BehaviorDeny {
		reason := decision.Reason
		if reason == "" {
			reason = "permission denied"
		}
		return emit(reason, true)
	}
	if len(decision.UpdatedInput) > 0 {
		input = decision.UpdatedInput
	}

	if b.cfg.Tools == nil {
		return emit(fmt.Sprintf("tool not available: %s", name), true)
	}

	output, err := b.cfg.Tools.Run(ctx, name, input)
	if err != nil {
		return emit(err.Error(), true)
	}
	if output == "" {
		output = "Done"
	}

	if b.cfg.Hooks != nil {
		if err := b.cfg.Hooks.PostToolUse(ctx, name, input, output); err != nil {
			b.logger.Warn().Err(err).Str("tool", name).Msg("Post-tool hook failed")
		}
	}

	return emit(output, false)
}

func (b *AnthropicBinding) buildParams(messages []anthropic.MessageParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		Messages:  messages,
		MaxTokens: b.cfg.MaxTokens,
	}
	if b.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: b.cfg.SystemPrompt}}
	}
	if b.cfg.Tools != nil {
		tools := []anthropic.ToolUnionParam{}
		for _, def := range b.cfg.Tools.Definitions() {
			tool := anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: def.InputSchema["properties"],
				},
			}
			if required, ok := def.InputSchema["required"].([]string); ok {
				tool.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}
	return params
}

func (b *AnthropicBinding) cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*b.cfg.InputCostPerMTok +
		float64(outputTokens)/1e6*b.cfg.OutputCostPerMTok
}

// NewToolUseID allocates a tool_use identifier for bindings that
// synthesize their own events.
func NewToolUseID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "toolu_fallback"
	}
	return "toolu_" + id
}
