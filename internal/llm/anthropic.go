package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed.
const maxEmptyStreamEvents = 300

const defaultMaxTokens = 4096

// AnthropicConfig holds configuration for the Anthropic driver.
type AnthropicConfig struct {
	// APIKey authenticates against the API (required).
	APIKey string
	// BaseURL overrides the default API base URL.
	BaseURL string
	// MaxRetries caps retry attempts for transient failures. Default 3.
	MaxRetries int
	// RetryDelay is the base delay for exponential backoff. Default 1s.
	RetryDelay time.Duration
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// AnthropicDriver implements Driver against the Anthropic Messages API with
// streaming, tool calling, and retry with exponential backoff. It is safe
// for concurrent use; each Stream call owns an independent goroutine.
type AnthropicDriver struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicDriver creates a driver from the given configuration.
func NewAnthropicDriver(cfg AnthropicConfig) (*AnthropicDriver, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicDriver{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Model returns the default model identifier.
func (d *AnthropicDriver) Model() string {
	return d.defaultModel
}

// Stream starts a completion and returns a channel of chunks. Transient
// failures while opening the stream are retried with exponential backoff;
// the channel is closed after a done or error chunk.
func (d *AnthropicDriver) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= d.maxRetries; attempt++ {
			stream, err = d.createStream(ctx, req)
			if err == nil {
				break
			}
			if !isRetryableError(err) {
				chunks <- Chunk{Type: ChunkError, Err: err}
				return
			}
			if attempt < d.maxRetries {
				backoff := d.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- Chunk{Type: ChunkError, Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- Chunk{Type: ChunkError, Err: fmt.Errorf("anthropic: max retries exceeded: %w", err)}
			return
		}

		d.processStream(stream, chunks)
	}()

	return chunks, nil
}

func (d *AnthropicDriver) createStream(ctx context.Context, req Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = d.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return d.client.Messages.NewStreaming(ctx, params), nil
}

// processStream converts the SDK's SSE events into driver chunks. Tool
// calls arrive across several events (block start, input JSON deltas,
// block stop) and are emitted once fully assembled.
func (d *AnthropicDriver) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	var currentToolCall *ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Type: ChunkText, Text: delta.Text}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := map[string]any{}
				if raw := currentToolInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						chunks <- Chunk{Type: ChunkError, Err: fmt.Errorf("anthropic: invalid tool input: %w", err)}
						return
					}
				}
				currentToolCall.Input = input
				chunks <- Chunk{Type: ChunkToolCall, ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- Chunk{Type: ChunkDone, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- Chunk{Type: ChunkError, Err: errors.New("anthropic: stream error")}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- Chunk{Type: ChunkError, Err: fmt.Errorf("anthropic: stream appears malformed: %d consecutive empty events", emptyEventCount)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Type: ChunkError, Err: err}
	}
}

// convertMessages maps the driver's message format onto Anthropic content
// blocks. Tool results become user-role tool_result blocks; tool calls on
// assistant messages become tool_use blocks.
func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, outcome := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				outcome.ToolCallID,
				outcome.Content,
				outcome.IsError,
			))
		}
		for _, call := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(call.ID, call.Input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

// isRetryableError classifies transient failures: rate limits, 5xx server
// errors, timeouts, and connection problems.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()

	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}
	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "gateway timeout") {
		return true
	}
	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return true
	}
	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}
	return false
}
