// Package advisor wraps an OpenAI-compatible chat endpoint behind a narrow
// capability. The nightly optimizer uses it to draft human-readable
// summaries for rule-change approvals; every other caller treats it as
// optional and tolerates failure.
package advisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"coinwarden/internal/config"
)

// Advisor is the LLM capability interface.
type Advisor interface {
	Advise(ctx context.Context, prompt string) (string, error)
}

// Static always returns a fixed response. Used when no API key is
// configured and in tests.
type Static struct {
	Response string
}

func (s Static) Advise(ctx context.Context, prompt string) (string, error) {
	return s.Response, nil
}

// ChatClient calls a chat-completions endpoint.
type ChatClient struct {
	http  *resty.Client
	model string
}

var _ Advisor = (*ChatClient)(nil)

// NewChatClient builds the client from config.
func NewChatClient(cfg config.AdvisorConfig) *ChatClient {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(30 * time.Second).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &ChatClient{http: client, model: cfg.Model}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Advise sends one prompt and returns the first completion.
func (c *ChatClient) Advise(ctx context.Context, prompt string) (string, error) {
	var result chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.model,
			Messages: []chatMessage{
				{Role: "user", Content: prompt},
			},
		}).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("advisor: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("advisor: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("advisor: empty response")
	}
	return result.Choices[0].Message.Content, nil
}

// ————————————————————————————————————————————————————————————————————————
// Macro sentiment
// ————————————————————————————————————————————————————————————————————————

// Sentiment fetches a fear-and-greed style macro index. Failure is
// non-fatal everywhere it is consumed.
type Sentiment interface {
	FetchIndex(ctx context.Context) (value int, classification string, err error)
}

// FearGreedClient reads the alternative.me-compatible index endpoint.
type FearGreedClient struct {
	http *resty.Client
}

var _ Sentiment = (*FearGreedClient)(nil)

// NewFearGreedClient creates the sentiment client.
func NewFearGreedClient(url string) *FearGreedClient {
	return &FearGreedClient{
		http: resty.New().SetBaseURL(url).SetTimeout(10 * time.Second),
	}
}

type fngResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
	} `json:"data"`
}

// FetchIndex returns the latest index value and its classification.
func (c *FearGreedClient) FetchIndex(ctx context.Context) (int, string, error) {
	var result fngResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("")
	if err != nil {
		return 0, "", fmt.Errorf("sentiment: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, "", fmt.Errorf("sentiment: status %d", resp.StatusCode())
	}
	if len(result.Data) == 0 {
		return 0, "", fmt.Errorf("sentiment: empty response")
	}
	var value int
	if _, err := fmt.Sscanf(result.Data[0].Value, "%d", &value); err != nil {
		return 0, "", fmt.Errorf("sentiment: parse value: %w", err)
	}
	return value, result.Data[0].ValueClassification, nil
}
