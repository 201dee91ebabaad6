package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/examrag/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// Request is a single-turn chat completion: one system and one user message.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends req and returns the assistant's reply.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("LLM API call: %w", ctxErr)
		}
		return "", model.Wrap(model.KindBackendUnavailable, err, "LLM API call")
	}
	if len(resp.Choices) == 0 {
		return "", model.Wrap(model.KindBackendUnavailable, errors.New("no choices"), "LLM API call")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", model.Wrap(model.KindBackendUnavailable, errors.New("empty reply"), "LLM API call")
	}
	slog.Debug("LLM response", "model", c.model, "tokens", resp.Usage.TotalTokens)
	return out, nil
}

// Ping checks that the backend answers by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return model.Wrap(model.KindBackendUnavailable, err, "list models")
	}
	return nil
}
