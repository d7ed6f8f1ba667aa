// Package providers implements agent.ModelClient against the Anthropic and
// OpenAI-compatible APIs.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/tools"
)

// AnthropicClient serves Claude models over the Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropic creates an Anthropic-backed model client.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete starts one streaming Messages call. Request failures return an
// error; stream failures arrive as a chunk with Err set.
func (c *AnthropicClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		c.pump(stream, req.Model, chunks)
	}()
	return chunks, nil
}

func (c *AnthropicClient) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// pump translates the SSE event stream into chunks. Tool input JSON arrives
// fragmented across input_json_delta events and is assembled per block.
func (c *AnthropicClient) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, chunks chan<- *agent.CompletionChunk) {
	var calls []agent.ToolCall
	var current *agent.ToolCall
	var currentInput []byte
	var usage agent.Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &agent.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput = currentInput[:0]
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentInput = append(currentInput, delta.PartialJSON...)
			}

		case "content_block_stop":
			if current != nil {
				input := currentInput
				if len(input) == 0 {
					input = []byte("{}")
				}
				current.Input = json.RawMessage(append([]byte(nil), input...))
				calls = append(calls, *current)
				current = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, ToolCalls: calls, Usage: &usage}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Err: wrapAnthropicError(err, model)}
		return
	}
	chunks <- &agent.CompletionChunk{Done: true, ToolCalls: calls, Usage: &usage}
}

// convertAnthropicMessages maps the conversation onto Anthropic content
// blocks. Tool-role entries become user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleSystem:
			continue

		case agent.RoleTool:
			content, isError := decodeToolPayload(msg.Content)
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, content, isError),
			))

		case agent.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s input: %w", call.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result, nil
}

func convertAnthropicTools(descriptors []tools.Descriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, d := range descriptors {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.Schema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s schema: missing tool definition", d.Name)
		}
		param.OfTool.Description = anthropic.String(d.Description)
		result = append(result, param)
	}
	return result, nil
}

func wrapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &agent.ModelError{
			Provider:   "anthropic",
			Model:      model,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	return err
}

// decodeToolPayload recovers the human-readable content and error flag from
// an encoded tool result. Unstructured payloads pass through as-is.
func decodeToolPayload(payload string) (string, bool) {
	var res struct {
		Content string `json:"content"`
		IsError bool   `json:"isError"`
	}
	if err := json.Unmarshal([]byte(payload), &res); err != nil || res.Content == "" {
		return payload, false
	}
	return res.Content, res.IsError
}
