// Package openrouter implements the reasoning/vision gateway client: a
// multi-model chat-completions proxy used for both prompt enhancement and
// image validation.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	appErrors "github.com/jordigilh/imageeditagent/internal/errors"
	"github.com/jordigilh/imageeditagent/pkg/orchestration/dependency"
	sharedhttp "github.com/jordigilh/imageeditagent/pkg/shared/http"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

// Semaphore selects which of the client's two independent concurrency
// budgets a call consumes: enhancement and validation run at different
// rates per spec, so sharing one semaphore would let one starve the other.
type Semaphore int

const (
	SemaphoreEnhancement Semaphore = iota
	SemaphoreValidation
)

// ImageURLPart carries a base64 data URL, matching OpenAI-style chat
// content parts.
type ImageURLPart struct {
	URL string `json:"url"`
}

// ContentPart is one block of a chat message: either text or an image.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// TextContent builds a text content part.
func TextContent(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImageContent builds an image content part from a base64 data URL.
func ImageContent(dataURL string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURLPart{URL: dataURL}}
}

// ChatMessage is one turn of a chat-completions request.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ChatOptions tunes a single Chat call.
type ChatOptions struct {
	Semaphore   Semaphore
	Temperature float64
	MaxTokens   int
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// Client talks to the reasoning/vision gateway.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	apiKey           string
	referer          string
	title            string
	enhancementSem   chan struct{}
	validationSem    chan struct{}
	validationDelay  time.Duration
	breaker          *dependency.CircuitBreaker
	logger           *logrus.Logger
}

// NewClient builds a Client rate-limited per cfg's enhancement/validation
// budgets.
func NewClient(providerCfg config.ProviderConfig, rateLimit config.RateLimitConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient:      sharedhttp.NewClient(sharedhttp.OpenRouterClientConfig(providerCfg.Timeout)),
		baseURL:         providerCfg.BaseURL,
		apiKey:          providerCfg.APIKey,
		referer:         "https://github.com/jordigilh/imageeditagent",
		title:           "image-edit-agent",
		enhancementSem:  make(chan struct{}, rateLimit.Enhancement),
		validationSem:   make(chan struct{}, rateLimit.Validation),
		validationDelay: time.Duration(rateLimit.ValidationDelaySeconds) * time.Second,
		breaker:         dependency.NewCircuitBreaker("openrouter", 0.5, 30*time.Second),
		logger:          logger,
	}
}

// ValidationDelay is the pause the Validator must observe between
// sequential calls under the validation semaphore.
func (c *Client) ValidationDelay() time.Duration {
	return c.validationDelay
}

// Chat issues one chat-completions request, rate-limited and retried with
// exponential backoff on transport failures. 401s are never retried;
// 429s honor Retry-After.
func (c *Client) Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (string, error) {
	sem := c.enhancementSem
	if opts.Semaphore == SemaphoreValidation {
		sem = c.validationSem
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	var result string
	err := c.breaker.Call(func() error {
		var callErr error
		result, callErr = c.doChat(ctx, model, messages, opts)
		return callErr
	})
	return result, err
}

func (c *Client) doChat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (string, error) {
	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", appErrors.NewContentParseError(err, "chat request body")
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, retryAfter, err := c.attemptChat(ctx, payload, model)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if appErrors.IsType(err, appErrors.ErrorTypeAuth) {
			return "", err
		}
		if attempt == maxAttempts {
			break
		}
		wait := retryAfter
		if wait <= 0 {
			wait = time.Duration(1<<uint(attempt-1)) * time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (c *Client) attemptChat(ctx context.Context, payload []byte, requestedModel string) (string, time.Duration, error) {
	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", 0, appErrors.NewTransportError(err, "openrouter")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, appErrors.NewTransportError(err, "openrouter")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, appErrors.NewTransportError(err, "openrouter")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return "", 0, appErrors.NewAuthError("openrouter rejected the configured API key")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", retryAfter, appErrors.NewRateLimitError("openrouter")
	}
	if resp.StatusCode >= 500 {
		return "", 0, appErrors.Newf(appErrors.ErrorTypeTransport, "openrouter returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, appErrors.Newf(appErrors.ErrorTypeContentParse, "openrouter returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, appErrors.NewContentParseError(err, "chat response body")
	}
	if len(parsed.Choices) == 0 {
		return "", 0, appErrors.New(appErrors.ErrorTypeContentParse, "openrouter response had no choices")
	}

	if parsed.Model != "" && parsed.Model != requestedModel {
		c.logger.WithFields(logging.ModelFields("chat", requestedModel).Custom("actual_model", parsed.Model).ToLogrus()).
			Warn("openrouter served a different model than requested")
	}

	text, err := extractText(parsed.Choices[0].Message.Content)
	if err != nil {
		return "", 0, appErrors.NewContentParseError(err, "chat response content")
	}
	return text, 0, nil
}

// extractText concatenates content blocks whether the gateway returned a
// plain string or an OpenAI-style content-part list.
func extractText(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content was neither a string nor a content-part list: %w", err)
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
