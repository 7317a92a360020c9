// Package wavespeed implements the image-editing gateway client: submit a
// model run, poll until it completes, and download the rendered image.
package wavespeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	appErrors "github.com/jordigilh/imageeditagent/internal/errors"
	"github.com/jordigilh/imageeditagent/pkg/orchestration/dependency"
	sharedhttp "github.com/jordigilh/imageeditagent/pkg/shared/http"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

const pollInterval = 2 * time.Second

// Request describes one edit/generation submission.
type Request struct {
	Prompt      string
	ImageURLs   []string
	ModelSpec   config.ModelSpec
	AspectRatio string
}

// Result is a completed render: both the raw bytes (for validation and
// re-upload) and the gateway's own hosted URL (for the work tracker).
type Result struct {
	ImageData []byte
	ImageURL  string
}

// Client talks to the image-editing gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxWait    time.Duration
	breaker    *dependency.CircuitBreaker
	logger     *logrus.Logger
}

// NewClient builds a Client against providerCfg.
func NewClient(providerCfg config.ProviderConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: sharedhttp.NewClient(sharedhttp.WaveSpeedClientConfig(providerCfg.Timeout)),
		baseURL:    providerCfg.BaseURL,
		apiKey:     providerCfg.APIKey,
		maxWait:    providerCfg.Timeout,
		breaker:    dependency.NewCircuitBreaker("wavespeed", 0.5, 30*time.Second),
		logger:     logger,
	}
}

type submitResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

type pollResponse struct {
	Code int `json:"code"`
	Data struct {
		Status        string   `json:"status"`
		Outputs       []string `json:"outputs"`
		Error         string   `json:"error"`
		ExecutionTime int      `json:"executionTime"`
	} `json:"data"`
}

// Generate submits req, polls until the remote task completes, and
// downloads the resulting image.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	var result Result
	err := c.breaker.Call(func() error {
		var callErr error
		result, callErr = c.generate(ctx, req)
		return callErr
	})
	return result, err
}

func (c *Client) generate(ctx context.Context, req Request) (Result, error) {
	taskID, err := c.submit(ctx, req)
	if err != nil {
		return Result{}, err
	}

	imageURL, err := c.poll(ctx, taskID)
	if err != nil {
		return Result{}, err
	}

	data, err := c.download(ctx, imageURL)
	if err != nil {
		return Result{}, err
	}

	return Result{ImageData: data, ImageURL: imageURL}, nil
}

func (c *Client) submit(ctx context.Context, req Request) (string, error) {
	payload := map[string]interface{}{
		"images":              req.ImageURLs,
		"prompt":              req.Prompt,
		"enable_base64_output": false,
		"enable_sync_mode":     false,
	}
	if req.AspectRatio != "" {
		payload["aspect_ratio"] = req.AspectRatio
	}
	for k, v := range req.ModelSpec.DefaultParams {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", appErrors.NewContentParseError(err, "wavespeed submit payload")
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, req.ModelSpec.RemotePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", appErrors.NewTransportError(err, "wavespeed")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", appErrors.NewTransportError(err, "wavespeed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", appErrors.NewTransportError(err, "wavespeed")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", appErrors.NewAuthError("wavespeed rejected the configured API key")
	}
	if resp.StatusCode != http.StatusOK {
		return "", appErrors.Newf(appErrors.ErrorTypeTransport, "wavespeed submit failed: %d: %s", resp.StatusCode, string(raw))
	}

	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", appErrors.NewContentParseError(err, "wavespeed submit response")
	}
	if parsed.Code != http.StatusOK {
		return "", appErrors.Newf(appErrors.ErrorTypeTransport, "wavespeed API error: %s", parsed.Message)
	}
	if parsed.Data.ID == "" {
		return "", appErrors.New(appErrors.ErrorTypeContentParse, "wavespeed response had no task id")
	}

	c.logger.WithFields(logging.ModelFields("generate", req.ModelSpec.LogicalName).
		Custom("task_id", parsed.Data.ID).ToLogrus()).Info("wavespeed task submitted")

	return parsed.Data.ID, nil
}

func (c *Client) poll(ctx context.Context, taskID string) (string, error) {
	deadline := time.Now().Add(c.maxWait)
	url := fmt.Sprintf("%s/predictions/%s/result", c.baseURL, taskID)

	for time.Now().Before(deadline) {
		status, outputs, pollErr := c.pollOnce(ctx, url)
		if pollErr != nil {
			return "", pollErr
		}
		switch status {
		case "completed":
			if len(outputs) == 0 {
				return "", appErrors.New(appErrors.ErrorTypeContentParse, "wavespeed completed task had no outputs")
			}
			return outputs[0], nil
		case "failed":
			return "", appErrors.Newf(appErrors.ErrorTypeTransport, "wavespeed task %s failed", taskID)
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", appErrors.NewTimeoutError(fmt.Sprintf("wavespeed task %s", taskID))
}

func (c *Client) pollOnce(ctx context.Context, url string) (string, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, appErrors.NewTransportError(err, "wavespeed")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, nil
	}

	var parsed pollResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Code != http.StatusOK {
		return "", nil, nil
	}
	return parsed.Data.Status, parsed.Data.Outputs, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, appErrors.NewTransportError(err, "wavespeed")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, appErrors.NewTransportError(err, "wavespeed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, appErrors.Newf(appErrors.ErrorTypeTransport, "wavespeed image download failed: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErrors.NewTransportError(err, "wavespeed")
	}
	return data, nil
}
