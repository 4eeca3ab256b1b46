package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/cobro/internal/assistant/domain"
	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/observability/tracing"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 500
	maxBodyBytes     = 1 << 20
)

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	http        *http.Client
}

func NewClient(cfg config.AssistantConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		http:        tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
	}
}

func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message domain.Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete returns the first choice's content, which may be empty.
func (c *Client) Complete(ctx context.Context, messages []domain.Message) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = context.DeadlineExceeded
		}
		return "", &domain.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &domain.UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var decoded chatResponse
	decodeErr := json.Unmarshal(body, &decoded)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upstream := &domain.UpstreamError{Status: resp.StatusCode}
		if decodeErr == nil && decoded.Error != nil {
			upstream.Message = decoded.Error.Message
		}
		return "", upstream
	}
	if decodeErr != nil {
		return "", &domain.UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("decode chat response: %w", decodeErr)}
	}
	if len(decoded.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}
