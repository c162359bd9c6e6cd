package voice

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/internal/config"
)

// Summarizer condenses a finished session's transcript into a short
// recap posted to the text channel.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

const summaryPrompt = "Summarize this voice conversation in 2-3 sentences. " +
	"Mention what was discussed and how it ended. Write in a friendly tone."

type openaiSummarizer struct {
	logger *zap.Logger
	client *openai.Client
	model  string
}

// NewSummarizer returns nil when no summary model is configured, which
// disables the end-of-session recap.
func NewSummarizer(logger *zap.Logger, cfg *config.Config) Summarizer {
	if cfg.Voice.SummaryModel == "" || cfg.OpenAI.APIKey == "" {
		return nil
	}

	return &openaiSummarizer{
		logger: logger,
		client: openai.NewClient(cfg.OpenAI.APIKey),
		model:  cfg.Voice.SummaryModel,
	}
}

func (s *openaiSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summaryPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		MaxTokens: 200,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
