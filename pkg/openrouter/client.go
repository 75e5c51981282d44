package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/metrics"
	"github.com/menta2k/photo-enricher/pkg/inference"
	"github.com/menta2k/photo-enricher/pkg/processing"
	"github.com/menta2k/photo-enricher/pkg/types"
)

const (
	// DefaultBaseURL is the OpenRouter API root
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	// DefaultModel is used when the configuration leaves the model empty
	DefaultModel = "anthropic/claude-3.5-sonnet"

	backendName      = "openrouter"
	userAgent        = "photo-enricher/1.0"
	maxResponseBytes = 4 << 20
	maxErrorSnippet  = 512
)

// Config holds the connection settings of an OpenAI-compatible chat endpoint
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Referer     string
	Title       string
	Policy      inference.Policy
}

// Client talks to an OpenAI-compatible chat-completion API with retries
type Client struct {
	cfg        Config
	httpClient *http.Client
	retrier    inference.Retrier
	log        logrus.FieldLogger
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// ChatCompletionRequest is the request body of /chat/completions
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// ChatCompletionResponse is the subset of the response the pipeline reads
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewClient creates a client. The HTTP client has no global timeout; every
// attempt is bounded by cfg.Policy.Timeout instead.
func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        logging.OrDiscard(log).WithField("backend", backendName),
	}
	c.retrier = inference.Retrier{
		Policy: cfg.Policy,
		OnAttempt: func(attempt int, err *inference.Error) {
			metrics.ObserveAttempt(backendName, err)
		},
		OnRetry: func(state inference.RetryState) {
			c.log.WithFields(logrus.Fields{
				"attempt": state.Attempt,
				"delay":   state.NextDelay,
				"kind":    state.LastErr.Kind,
			}).WithError(state.LastErr).Warn("inference attempt failed, backing off")
		},
	}
	return c
}

// Name identifies the backend in logs and metrics
func (c *Client) Name() string {
	return backendName
}

// Enabled reports whether an API key is configured
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

// Analyze sends the image and prompt and returns the first choice's message
// content. Without an API key it returns inference.ErrDisabled immediately.
func (c *Client) Analyze(ctx context.Context, img types.EncodedImage, prompt string) (string, error) {
	if !c.Enabled() {
		return "", inference.ErrDisabled
	}

	req := ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &ImageURL{URL: processing.DataURI(img)}},
				},
			},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", inference.Malformed(fmt.Errorf("marshal request: %w", err))
	}

	return c.retrier.Do(ctx, func(ctx context.Context, attempt int) (string, error) {
		return c.send(ctx, body)
	})
}

func (c *Client) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", inference.Malformed(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", inference.Transport(0, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", inference.Transport(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", inference.RateLimited(fmt.Errorf("rate limited: %s", snippet(respBody)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", inference.Transport(resp.StatusCode, fmt.Errorf("API error %d: %s", resp.StatusCode, snippet(respBody)))
	}

	return extractContent(respBody)
}

// extractContent pulls the text of the first choice out of a response body
func extractContent(body []byte) (string, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", inference.Malformed(fmt.Errorf("failed to parse response envelope: %w", err))
	}
	if resp.Error != nil {
		return "", inference.Malformed(fmt.Errorf("API returned error payload: %s", resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return "", inference.Malformed(errors.New("unexpected API response format: missing or empty 'choices'"))
	}
	msg := resp.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", inference.Malformed(errors.New("invalid message structure in API response"))
	}

	// Content may be a plain string or an array of parts
	switch content := msg.Content.(type) {
	case string:
		if strings.TrimSpace(content) != "" {
			return content, nil
		}
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text, nil
				}
			}
		}
	}
	return "", inference.Malformed(errors.New("no text content in response"))
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}
