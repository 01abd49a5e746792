// Package llm is the model-call boundary: an injectable Generator plus
// the tutee-specific operations built on top of it.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"tutee/internal/model"
)

// Message is one entry of the conversation history sent to the model.
type Message struct {
	Role    model.Role
	Content string
}

// Sampling carries per-call generation parameters.
type Sampling struct {
	Temperature float32
	MaxTokens   int
	JSONOutput  bool
}

// Generator produces one model completion. Implementations must be safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, system string, history []Message, cfg Sampling) (string, error)
}

// ModelCallError wraps any failure of the generation boundary. Callers
// may retry the same operation; no session state is touched before the
// call succeeds.
type ModelCallError struct {
	Op  string
	Err error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call %s: %v", e.Op, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// Client is a Generator backed by an OpenAI-compatible API. Setting a
// base URL lets it talk to Ollama or any compatible endpoint.
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

// Ping verifies the endpoint is reachable by listing models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// Generate sends one chat completion request. Teacher turns map to the
// user role, student turns to the assistant role.
func (c *Client) Generate(ctx context.Context, system string, history []Message, cfg Sampling) (string, error) {
	chatMsgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleStudent {
			role = openai.ChatMessageRoleAssistant
		}
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMsgs,
		Temperature: cfg.Temperature,
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if cfg.JSONOutput {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "raw", raw)
	return raw, nil
}
