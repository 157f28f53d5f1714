// Package anthropic adapts the Anthropic Messages API streaming SDK into
// the llm.StreamingCompletionFunc shape, decoding content-block deltas
// into content fragments and index-keyed tool-call deltas.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/retry"
	"github.com/misanthropic-ai/assistant/internal/transcript"
)

type messageStream = ssestream.Stream[anthropic.MessageStreamEventUnion]

// Provider wraps the Anthropic SDK client.
type Provider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// Config configures the Anthropic provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// New creates an Anthropic-backed provider.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
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
	return &Provider{
		client:       anthropic.NewClient(opts...),
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

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	// The SDK surfaces connection errors lazily, on the first Next() call
	// rather than from NewStreaming itself, so priming the stream (and
	// retrying that priming step) has to happen before we hand the stream
	// off to decodeStream. Retrying once content has started streaming
	// would risk duplicated output, so only this first event is retried.
	retryCfg := retry.Exponential(p.maxRetries, p.retryDelay, p.retryDelay*8)
	type primed struct {
		stream *messageStream
		first  anthropic.MessageStreamEventUnion
	}
	result, res := retry.DoWithValue(ctx, retryCfg, func() (primed, error) {
		s := p.client.Messages.NewStreaming(ctx, params)
		if !s.Next() {
			if err := s.Err(); err != nil {
				return primed{}, err
			}
			return primed{}, fmt.Errorf("anthropic: empty response stream")
		}
		first := s.Current()
		if first.Type == "error" {
			return primed{}, fmt.Errorf("anthropic: stream error event")
		}
		return primed{stream: s, first: first}, nil
	})
	if res.Err != nil {
		return nil, fmt.Errorf("anthropic: %w", res.Err)
	}

	out := make(chan llm.StreamChunk)
	go decodeStream(ctx, result.stream, result.first, out)
	return out, nil
}

func maxTokensOrDefault(n int) int64 {
	if n <= 0 {
		return 4096
	}
	return int64(n)
}

func decodeStream(ctx context.Context, stream *messageStream, first anthropic.MessageStreamEventUnion, out chan<- llm.StreamChunk) {
	defer close(out)

	if done := decodeEvent(first, out); done {
		return
	}

	for stream.Next() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if done := decodeEvent(stream.Current(), out); done {
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- llm.StreamChunk{Err: err}
		return
	}
	out <- llm.StreamChunk{Done: true}
}

// decodeEvent translates one SSE event into zero or more StreamChunks,
// reporting whether the stream has reached a terminal state.
func decodeEvent(event anthropic.MessageStreamEventUnion, out chan<- llm.StreamChunk) bool {
	switch event.Type {
	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type == "tool_use" {
			tu := start.ContentBlock.AsToolUse()
			out <- llm.StreamChunk{ToolCallDelta: &llm.ToolCallDelta{
				Index: int(start.Index),
				ID:    tu.ID,
				Name:  tu.Name,
			}}
		}
	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text != "" {
				out <- llm.StreamChunk{ContentDelta: delta.Delta.Text}
			}
		case "input_json_delta":
			if delta.Delta.PartialJSON != "" {
				out <- llm.StreamChunk{ToolCallDelta: &llm.ToolCallDelta{
					Index:     int(delta.Index),
					ArgsChunk: delta.Delta.PartialJSON,
				}}
			}
		}
	case "message_delta":
		md := event.AsMessageDelta()
		if md.Delta.StopReason == "tool_use" {
			out <- llm.StreamChunk{FinishReason: "tool_calls"}
		}
	case "message_stop":
		out <- llm.StreamChunk{Done: true}
		return true
	case "error":
		out <- llm.StreamChunk{Err: fmt.Errorf("anthropic: stream error event")}
		return true
	}
	return false
}

func toAnthropicMessages(msgs []transcript.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case transcript.KindUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Prompt.Text)))
		case transcript.KindAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.AssistantText != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.AssistantText))
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		case transcript.KindTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.ToolResult, m.ToolIsErr),
			))
		case transcript.KindSystem:
			// system messages are carried via CompletionParams.System, not here.
		}
	}
	return result
}

func toAnthropicTools(tools []llm.Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Schema, &schema)
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			},
		})
	}
	return result
}
