// Package openai adapts github.com/sashabaranov/go-openai's streaming
// chat completion client into the llm.StreamingCompletionFunc shape. The
// index-keyed tool-call delta handling below mirrors the provider SDK's
// own delta shape almost verbatim — OpenAI's streaming API is the
// canonical source of the index-keyed tool-call assembly problem the llm
// package's assembler solves generically.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/retry"
	"github.com/misanthropic-ai/assistant/internal/transcript"
)

// Provider wraps the go-openai client.
type Provider struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// Config configures the OpenAI provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// New creates an OpenAI-backed provider.
func New(cfg Config) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

// Complete implements llm.StreamingCompletionFunc.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionParams) (<-chan llm.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	retryCfg := retry.Exponential(p.maxRetries, p.retryDelay, p.retryDelay*8)
	stream, res := retry.DoWithValue(ctx, retryCfg, func() (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil && !isRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return s, err
	})
	if res.Err != nil {
		return nil, fmt.Errorf("openai: %w", res.Err)
	}

	out := make(chan llm.StreamChunk)
	go decodeStream(ctx, stream, out)
	return out, nil
}

func decodeStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- llm.StreamChunk) {
	defer close(out)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			out <- llm.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				out <- llm.StreamChunk{Done: true}
				return
			}
			out <- llm.StreamChunk{Err: err}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- llm.StreamChunk{ContentDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			out <- llm.StreamChunk{ToolCallDelta: &llm.ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsChunk: tc.Function.Arguments,
			}}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			out <- llm.StreamChunk{FinishReason: "tool_calls"}
		}
	}
}

func toOpenAIMessages(msgs []transcript.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Kind {
		case transcript.KindUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Prompt.Text,
			})
		case transcript.KindAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.AssistantText,
			}
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
		case transcript.KindTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.ToolResult,
				ToolCallID: m.ToolCallID,
			})
		case transcript.KindSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.SystemText,
			})
		}
	}
	return result
}

func toOpenAITools(tools []llm.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}
