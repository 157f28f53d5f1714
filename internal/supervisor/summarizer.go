package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/misanthropic-ai/assistant/internal/compaction"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/transcript"
)

// llmSummarizer adapts a raw StreamingCompletionFunc into
// compaction.Summarizer, so the same provider that drives the chat
// worker can also produce the synthetic summary notes trimTranscript
// splices in when a dropped span still has open tool calls.
type llmSummarizer struct {
	complete llm.StreamingCompletionFunc
	model    string
}

func newLLMSummarizer(complete llm.StreamingCompletionFunc, model string) *llmSummarizer {
	return &llmSummarizer{complete: complete, model: model}
}

const summarizerSystemPrompt = "Summarize the following conversation excerpt concisely, " +
	"preserving any pending tool calls, decisions, and facts a continuation would need."

// GenerateSummary implements compaction.Summarizer by issuing a single
// streaming completion over the formatted excerpt and draining its
// content deltas into one string.
func (s *llmSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	instructions := summarizerSystemPrompt
	if config != nil && config.CustomInstructions != "" {
		instructions = instructions + "\n\n" + config.CustomInstructions
	}
	return s.complete1(ctx, instructions, compaction.FormatMessagesForSummary(messages))
}

// SummarizeText implements persistence.SummarizeFunc's shape, used for
// session name/summary generation where there is no chunked-message
// structure to preserve, just raw transcript text.
func (s *llmSummarizer) SummarizeText(ctx context.Context, transcriptText string) (string, error) {
	return s.complete1(ctx, summarizerSystemPrompt, transcriptText)
}

func (s *llmSummarizer) complete1(ctx context.Context, instructions, text string) (string, error) {
	stream, err := s.complete(ctx, llm.CompletionParams{
		Model:  s.model,
		System: instructions,
		Messages: []transcript.Message{
			transcript.NewUser(transcript.PromptContent{Text: text}),
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: %w", err)
	}

	var out strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", fmt.Errorf("summarizer: %w", chunk.Err)
		}
		out.WriteString(chunk.ContentDelta)
		if chunk.Done {
			break
		}
	}
	return out.String(), nil
}
