// Package clickup implements the work-tracker gateway client: fetching
// task payloads, moving attachments in and out, and reporting status back
// onto the task.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	appErrors "github.com/jordigilh/imageeditagent/internal/errors"
	"github.com/jordigilh/imageeditagent/pkg/orchestration/dependency"
	sharedhttp "github.com/jordigilh/imageeditagent/pkg/shared/http"
)

// Task is the subset of a ClickUp task payload the parser cares about.
type Task struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Status       TaskStatus             `json:"status"`
	CustomFields []CustomField          `json:"custom_fields"`
	Attachments  []Attachment           `json:"attachments"`
	Raw          map[string]interface{} `json:"-"`
}

// TaskStatus is ClickUp's nested status object.
type TaskStatus struct {
	Status string `json:"status"`
}

// CustomField is one entry of a task's custom_fields array.
type CustomField struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Attachment is one file attached to a task.
type Attachment struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Extension string `json:"extension"`
}

// Client talks to the ClickUp API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *dependency.CircuitBreaker
	logger     *logrus.Logger
}

// NewClient builds a Client against providerCfg. ClickUp authenticates
// with the raw API key as the Authorization header value, not a Bearer
// token.
func NewClient(providerCfg config.ProviderConfig, logger *logrus.Logger) *Client {
	httpCfg := sharedhttp.ClickUpClientConfig()
	if providerCfg.Timeout > 0 {
		httpCfg.Timeout = providerCfg.Timeout
	}
	return &Client{
		httpClient: sharedhttp.NewClient(httpCfg),
		baseURL:    providerCfg.BaseURL,
		apiKey:     providerCfg.APIKey,
		breaker:    dependency.NewCircuitBreaker("clickup", 0.5, 30*time.Second),
		logger:     logger,
	}
}

// GetTask fetches a task's full payload.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := c.breaker.Call(func() error {
		body, err := c.do(ctx, http.MethodGet, "/task/"+taskID, nil, "")
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &task); err != nil {
			return appErrors.NewContentParseError(err, "clickup task payload")
		}
		return json.Unmarshal(body, &task.Raw)
	})
	return task, err
}

// DownloadAttachment fetches an attachment directly from its URL (not a
// ClickUp API endpoint, just wherever ClickUp hosted the file).
func (c *Client) DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error) {
	var data []byte
	err := c.breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachmentURL, nil)
		if err != nil {
			return appErrors.NewTransportError(err, "clickup")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return appErrors.NewTransportError(err, "clickup")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return appErrors.Newf(appErrors.ErrorTypeTransport, "failed to download attachment: %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return appErrors.NewTransportError(err, "clickup")
		}
		return nil
	})
	return data, err
}

// UploadAttachment multipart-uploads image data to a task, returning the
// new attachment's ID.
func (c *Client) UploadAttachment(ctx context.Context, taskID string, imageData []byte, filename string) (string, error) {
	var attachmentID string
	err := c.breaker.Call(func() error {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("attachment", filename)
		if err != nil {
			return appErrors.NewContentParseError(err, "multipart attachment")
		}
		if _, err := part.Write(imageData); err != nil {
			return appErrors.NewContentParseError(err, "multipart attachment")
		}
		if err := writer.Close(); err != nil {
			return appErrors.NewContentParseError(err, "multipart attachment")
		}

		url := fmt.Sprintf("%s/task/%s/attachment", c.baseURL, taskID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
		if err != nil {
			return appErrors.NewTransportError(err, "clickup")
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return appErrors.NewTransportError(err, "clickup")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return appErrors.NewTransportError(err, "clickup")
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return appErrors.NewAuthError("clickup rejected the configured API key")
		}
		if resp.StatusCode != http.StatusOK {
			return appErrors.Newf(appErrors.ErrorTypeTransport, "attachment upload failed: %d: %s", resp.StatusCode, string(body))
		}

		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.ID == "" {
			c.logger.Warn("clickup attachment upload returned 200 without a parseable id")
			attachmentID = "uploaded"
			return nil
		}
		attachmentID = parsed.ID
		return nil
	})
	return attachmentID, err
}

// UpdateTaskStatus moves a task to status, optionally leaving a comment.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, comment string) error {
	return c.breaker.Call(func() error {
		payload, err := json.Marshal(map[string]string{"status": status})
		if err != nil {
			return appErrors.NewContentParseError(err, "status update payload")
		}
		if _, err := c.do(ctx, http.MethodPut, "/task/"+taskID, payload, "application/json"); err != nil {
			return err
		}
		if comment != "" {
			return c.addComment(ctx, taskID, comment)
		}
		return nil
	})
}

// AddComment posts a plain-text comment to a task.
func (c *Client) AddComment(ctx context.Context, taskID, comment string) error {
	return c.breaker.Call(func() error {
		return c.addComment(ctx, taskID, comment)
	})
}

func (c *Client) addComment(ctx context.Context, taskID, comment string) error {
	payload, err := json.Marshal(map[string]string{"comment_text": comment})
	if err != nil {
		return appErrors.NewContentParseError(err, "comment payload")
	}
	_, err = c.do(ctx, http.MethodPost, "/task/"+taskID+"/comment", payload, "application/json")
	return err
}

// SetCustomField writes value into the named custom field on a task.
func (c *Client) SetCustomField(ctx context.Context, taskID, fieldID string, value interface{}) error {
	return c.breaker.Call(func() error {
		payload, err := json.Marshal(map[string]interface{}{"value": value})
		if err != nil {
			return appErrors.NewContentParseError(err, "custom field payload")
		}
		_, err = c.do(ctx, http.MethodPost, fmt.Sprintf("/task/%s/field/%s", taskID, fieldID), payload, "application/json")
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, appErrors.NewTransportError(err, "clickup")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, appErrors.NewTransportError(err, "clickup")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErrors.NewTransportError(err, "clickup")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, appErrors.NewAuthError("clickup rejected the configured API key")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		message := string(body)
		var parsed map[string]interface{}
		if json.Unmarshal(body, &parsed) == nil {
			if errMsg, ok := parsed["err"].(string); ok {
				message = errMsg
			} else if errMsg, ok := parsed["error"].(string); ok {
				message = errMsg
			}
		}
		return nil, appErrors.Newf(appErrors.ErrorTypeTransport, "clickup request failed: %d: %s", resp.StatusCode, message)
	}

	return body, nil
}
