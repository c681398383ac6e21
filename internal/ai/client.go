// Package ai is a small client for OpenAI-compatible chat completion APIs,
// used for receipt vision and the bookkeeping assistant.
package ai

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

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/metrics"
	"agrimanagement/internal/retry"
)

const service = "ai"

// Message is one chat turn. Content is either a string or a []Part.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Part is a multimodal content element.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextPart and ImagePart build content parts.
func TextPart(text string) Part { return Part{Type: "text", Text: text} }

func ImagePart(mimeType, base64Data string) Part {
	return Part{Type: "image_url", ImageURL: &ImageURL{URL: "data:" + mimeType + ";base64," + base64Data}}
}

// Request is a chat completion call.
type Request struct {
	Messages    []Message
	JSON        bool
	MaxTokens   int
	Temperature float64
}

type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond int
}

type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
	retry   retry.Config
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.RequestsPerSecond
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry.Default(),
	}
}

// WithRetry returns a copy of c using cfg for transient failures.
func (c *Client) WithRetry(cfg retry.Config) *Client {
	cp := *c
	cp.retry = cfg
	return &cp
}

func (c *Client) Configured() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends req and returns the first choice's text. Transient
// failures are retried; every failure is an *apperr.ExternalError.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if !c.Configured() {
		return "", apperr.ErrNotConfigured
	}
	body := chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	var text string
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := c.do(ctx, payload)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		metrics.ExternalCalls.WithLabelValues(service, "failed").Inc()
		return "", err
	}
	metrics.ExternalCalls.WithLabelValues(service, "ok").Inc()
	return text, nil
}

func (c *Client) do(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.External(service, apperr.ExternalTransient, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", apperr.External(service, apperr.ExternalTransient, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, raw)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.External(service, apperr.ExternalTransient, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", apperr.External(service, apperr.ExternalTransient, resp.StatusCode, errors.New("empty completion"))
	}
	return out.Choices[0].Message.Content, nil
}

func statusError(status int, body []byte) error {
	var parsed errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}

	kind := apperr.ExternalTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = apperr.ExternalAuth
	case status == http.StatusTooManyRequests:
		kind = apperr.ExternalRateLimited
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout:
		kind = apperr.ExternalInvalidRequest
	}
	log.Warn().Int("status", status).Str("kind", string(kind)).Str("message", msg).Msg("ai provider error")
	return apperr.External(service, kind, status, errors.New(msg))
}

// DecodeJSON unmarshals a JSON completion, tolerating a fenced code block.
func DecodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return apperr.External(service, apperr.ExternalTransient, 0, fmt.Errorf("model returned invalid JSON: %w", err))
	}
	return nil
}
