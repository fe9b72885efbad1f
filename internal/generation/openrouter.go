package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/models"
)

const systemInstructions = "You are a helpful assistant. Be concise and friendly in your responses."

const titleInstructions = `Generate a short title for this conversation (at most six words).
Respond with the title only: no quotes, no punctuation at the end.`

// OpenRouterGenerator talks to OpenRouter, which speaks the OpenAI
// chat completion wire API.
type OpenRouterGenerator struct {
	client         *openai.Client
	titleMaxTokens int
	logger         *zap.Logger
}

func NewOpenRouter(apiKey, baseURL string, titleMaxTokens int, logger *zap.Logger) *OpenRouterGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if titleMaxTokens <= 0 {
		titleMaxTokens = 64
	}
	return &OpenRouterGenerator{
		client:         openai.NewClientWithConfig(cfg),
		titleMaxTokens: titleMaxTokens,
		logger:         logger,
	}
}

func (g *OpenRouterGenerator) StreamCompletion(ctx context.Context, modelID string, history []*models.Message, onDelta func(text string) error) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: toChatMessages(history, systemInstructions),
		Stream:   true,
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error opening completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("error receiving stream delta: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return full.String(), fmt.Errorf("error persisting stream delta: %w", err)
		}
	}

	return full.String(), nil
}

func (g *OpenRouterGenerator) GenerateTitle(ctx context.Context, modelID string, history []*models.Message, prompt string) (string, error) {
	messages := toChatMessages(history, titleInstructions)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: g.titleMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("error generating title: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title generation returned no choices")
	}

	title := strings.TrimSpace(resp.Choices[0].Message.Content)
	title = strings.Trim(title, `"`)
	if title == "" {
		return "", fmt.Errorf("title generation returned empty title")
	}
	return title, nil
}

func toChatMessages(history []*models.Message, instructions string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: instructions,
	})
	for _, m := range history {
		out = append(out, openai.ChatCompletionMessage{
			Role:    toChatRole(m.Role),
			Content: m.Content,
		})
	}
	return out
}

func toChatRole(role models.Role) string {
	switch role {
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	case models.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}
