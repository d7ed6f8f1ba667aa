package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/tools"
)

// OpenAIClient serves models over the chat completions API. With a custom
// base URL it also covers OpenAI-compatible local runtimes.
type OpenAIClient struct {
	client *openai.Client
	name   string
}

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// Name overrides the provider identifier, for compatible backends.
	Name string
}

// NewOpenAI creates an OpenAI-backed model client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), name: name}, nil
}

func (c *OpenAIClient) Name() string { return c.name }

// Complete starts one streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, c.name, req.Model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		c.pump(stream, req.Model, chunks)
	}()
	return chunks, nil
}

// pump accumulates tool call fragments by index until the stream finishes.
func (c *OpenAIClient) pump(stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.CompletionChunk) {
	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partial)
	order := []int{}

	finish := func() {
		var calls []agent.ToolCall
		for _, idx := range order {
			p := partials[idx]
			if p.id == "" || p.name == "" {
				continue
			}
			input := p.args.String()
			if input == "" {
				input = "{}"
			}
			calls = append(calls, agent.ToolCall{ID: p.id, Name: p.name, Input: json.RawMessage(input)})
		}
		chunks <- &agent.CompletionChunk{Done: true, ToolCalls: calls}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish()
				return
			}
			chunks <- &agent.CompletionChunk{Err: wrapOpenAIError(err, c.name, model)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			p, ok := partials[index]
			if !ok {
				p = &partial{}
				partials[index] = p
				order = append(order, index)
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args.WriteString(tc.Function.Arguments)
			}
		}
		if response.Usage != nil {
			chunks <- &agent.CompletionChunk{Usage: &agent.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}}
		}
	}
}

// convertOpenAIMessages injects the system prompt as the first message. Tool
// results each become a separate tool-role message keyed by ToolCallID.
func convertOpenAIMessages(messages []agent.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, out)

		case agent.RoleTool:
			content, _ := decodeToolPayload(msg.Content)
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(descriptors []tools.Descriptor) []openai.Tool {
	result := make([]openai.Tool, len(descriptors))
	for i, d := range descriptors {
		var schemaMap map[string]any
		if err := json.Unmarshal(d.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func wrapOpenAIError(err error, provider, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &agent.ModelError{
			Provider:   provider,
			Model:      model,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    fmt.Sprintf("%v", apiErr.Message),
		}
	}
	return err
}
