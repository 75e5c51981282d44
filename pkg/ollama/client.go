package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/metrics"
	"github.com/menta2k/photo-enricher/pkg/inference"
	"github.com/menta2k/photo-enricher/pkg/types"
)

const backendName = "ollama"

// Config holds the settings of a local Ollama server
type Config struct {
	URL         string
	Model       string
	Temperature float64
	MaxTokens   int
	Policy      inference.Policy
}

// Client wraps the Ollama API client
type Client struct {
	cfg     Config
	client  *api.Client
	retrier inference.Retrier
	log     logrus.FieldLogger
}

// NewClient creates a new Ollama client. An empty URL yields a disabled client.
func NewClient(cfg Config, log logrus.FieldLogger) (*Client, error) {
	c := &Client{
		cfg: cfg,
		log: logging.OrDiscard(log).WithField("backend", backendName),
	}

	if cfg.URL != "" {
		parsedURL, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %v", err)
		}
		if parsedURL.Scheme == "" || parsedURL.Host == "" {
			return nil, fmt.Errorf("invalid URL %q: scheme and host required", cfg.URL)
		}

		// Create base URL from the provided URL (removing path like /api/chat)
		baseURL := &url.URL{
			Scheme: parsedURL.Scheme,
			Host:   parsedURL.Host,
		}
		c.client = api.NewClient(baseURL, http.DefaultClient)
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
			}).WithError(state.LastErr).Warn("ollama attempt failed, backing off")
		},
	}
	return c, nil
}

// Name identifies the backend in logs and metrics
func (c *Client) Name() string {
	return backendName
}

// Enabled reports whether a server URL is configured
func (c *Client) Enabled() bool {
	return c.client != nil
}

// Analyze sends the image and prompt to /api/chat and returns the message content
func (c *Client) Analyze(ctx context.Context, img types.EncodedImage, prompt string) (string, error) {
	if !c.Enabled() {
		return "", inference.ErrDisabled
	}

	streamFalse := false
	options := map[string]any{
		"temperature": c.cfg.Temperature,
	}
	if c.cfg.MaxTokens > 0 {
		options["num_predict"] = c.cfg.MaxTokens
	}

	req := &api.ChatRequest{
		Model: c.cfg.Model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(img.Data)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	return c.retrier.Do(ctx, func(ctx context.Context, attempt int) (string, error) {
		var content strings.Builder
		err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			content.WriteString(resp.Message.Content)
			return nil
		})
		if err != nil {
			return "", classify(err)
		}
		if strings.TrimSpace(content.String()) == "" {
			return "", inference.Malformed(errors.New("empty response from ollama"))
		}
		return content.String(), nil
	})
}

// classify maps Ollama client errors onto inference failure kinds
func classify(err error) *inference.Error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return inference.RateLimited(fmt.Errorf("ollama chat error: %w", err))
		}
		return inference.Transport(statusErr.StatusCode, fmt.Errorf("ollama chat error: %w", err))
	}
	return inference.Transport(0, fmt.Errorf("ollama chat error: %w", err))
}
