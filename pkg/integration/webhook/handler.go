// Package webhook implements the ClickUp webhook entrypoint: it
// deduplicates deliveries, fetches and parses the triggering task, and
// drives the Orchestrator through a per-task lock so two deliveries for the
// same task never run concurrently.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/orchestrator"
	"github.com/jordigilh/imageeditagent/pkg/providers/clickup"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
	"github.com/jordigilh/imageeditagent/pkg/tasklock"
	"github.com/jordigilh/imageeditagent/pkg/taskparser"
)

const (
	statusComplete = "complete"
	statusFailed   = "failed"
)

// WebhookResponse is the JSON envelope returned for every request.
type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HistoryItem is one entry in a ClickUp webhook delivery's history_items.
type HistoryItem struct {
	ID string `json:"id"`
}

// Payload is the ClickUp webhook delivery body.
type Payload struct {
	Event        string        `json:"event"`
	TaskID       string        `json:"task_id"`
	WebhookID    string        `json:"webhook_id"`
	HistoryItems []HistoryItem `json:"history_items"`
}

func (p Payload) dedupeKey() string {
	if len(p.HistoryItems) > 0 && p.HistoryItems[0].ID != "" {
		return p.HistoryItems[0].ID
	}
	return p.WebhookID + ":" + p.TaskID
}

// ClickUpClient is the subset of clickup.Client the handler needs.
type ClickUpClient interface {
	GetTask(ctx context.Context, taskID string) (clickup.Task, error)
	DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error)
	UploadAttachment(ctx context.Context, taskID string, imageData []byte, filename string) (string, error)
	UpdateTaskStatus(ctx context.Context, taskID, status, comment string) error
	SetCustomField(ctx context.Context, taskID, fieldID string, value interface{}) error
}

// Orchestrator is the subset of orchestrator.Orchestrator the handler needs.
type Orchestrator interface {
	Process(ctx context.Context, req orchestrator.Request) domain.ProcessResult
}

// Handler serves the work-tracker webhook endpoint.
type Handler struct {
	client       ClickUpClient
	parser       *taskparser.Parser
	lock         *tasklock.TaskLock
	orchestrator Orchestrator
	cfg          config.WebhookConfig
	dedup        *dedupRing
	logger       *logrus.Logger
}

// NewHandler builds a Handler.
func NewHandler(client ClickUpClient, parser *taskparser.Parser, lock *tasklock.TaskLock, orch Orchestrator, cfg config.WebhookConfig, logger *logrus.Logger) *Handler {
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 512
	}
	return &Handler{
		client:       client,
		parser:       parser,
		lock:         lock,
		orchestrator: orch,
		cfg:          cfg,
		dedup:        newDedupRing(capacity),
		logger:       logger,
	}
}

// HandleWebhook validates, deduplicates, and dispatches one webhook
// delivery. The actual edit runs in the background; the HTTP response only
// reflects whether the delivery was accepted.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respond(w, http.StatusMethodNotAllowed, WebhookResponse{Status: "error", Error: "Only POST method is allowed"})
		return
	}

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		h.respond(w, http.StatusBadRequest, WebhookResponse{Status: "error", Error: "Content-Type must be application/json"})
		return
	}

	if !h.authorized(r) {
		h.respond(w, http.StatusUnauthorized, WebhookResponse{Status: "error", Error: "Authentication failed"})
		return
	}

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respond(w, http.StatusBadRequest, WebhookResponse{Status: "error", Error: "Invalid JSON payload: " + err.Error()})
		return
	}

	if payload.TaskID == "" {
		h.respond(w, http.StatusBadRequest, WebhookResponse{Status: "error", Error: "task_id is required"})
		return
	}

	log := h.logger.WithFields(logging.TaskFields("webhook", payload.TaskID).ToLogrus())

	if h.dedup.seenBefore(payload.dedupeKey()) {
		log.Info("duplicate webhook delivery ignored")
		h.respond(w, http.StatusOK, WebhookResponse{Status: "ignored", Message: "duplicate delivery"})
		return
	}

	ctx := r.Context()
	task, err := h.client.GetTask(ctx, payload.TaskID)
	if err != nil {
		log.WithField("error", err.Error()).Error("failed to fetch task")
		h.respond(w, http.StatusOK, WebhookResponse{Status: "error", Error: "failed to fetch task details"})
		return
	}

	if !h.triggered(task) {
		log.Info("trigger field not set, ignoring delivery")
		h.respond(w, http.StatusOK, WebhookResponse{Status: "ignored", Message: "trigger field not set"})
		return
	}

	if !h.lock.Acquire(payload.TaskID) {
		log.Warn("task already in flight, rejecting delivery")
		h.respond(w, http.StatusAccepted, WebhookResponse{Status: "ignored", Message: "busy"})
		return
	}

	go h.process(task, log)

	h.respond(w, http.StatusOK, WebhookResponse{Status: "accepted", Message: fmt.Sprintf("processing started for task %s", payload.TaskID)})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.cfg.Auth.Type == "" || h.cfg.Auth.Token == "" {
		return true
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimPrefix(header, prefix) == h.cfg.Auth.Token
}

func (h *Handler) triggered(task clickup.Task) bool {
	triggered, _ := h.triggerField(task)
	return triggered
}

// triggerField reports whether the task's trigger custom field is set, and
// that field's ID so completeTask can unset it later.
func (h *Handler) triggerField(task clickup.Task) (triggered bool, fieldID string) {
	for _, field := range task.CustomFields {
		if field.Name != h.cfg.TriggerField {
			continue
		}
		switch v := field.Value.(type) {
		case bool:
			return v, field.ID
		case string:
			return strings.EqualFold(v, "true"), field.ID
		}
		return false, field.ID
	}
	return false, ""
}

// process runs the full edit pipeline for task in the background, releasing
// the task lock and writing the outcome back to ClickUp when it's done. It
// uses a context detached from the originating request, since the HTTP
// response has already been sent by the time this runs.
func (h *Handler) process(task clickup.Task, log *logrus.Entry) {
	defer h.lock.Release(task.ID)
	ctx := context.Background()

	parsed := h.parser.Parse(task)
	_, triggerFieldID := h.triggerField(task)

	mainBytes, err := h.client.DownloadAttachment(ctx, parsed.MainImage.URL)
	if err != nil {
		log.WithField("error", err.Error()).Error("failed to download source image")
		_ = h.client.UpdateTaskStatus(ctx, task.ID, statusFailed, "Could not download the source image: "+err.Error())
		return
	}

	additionalURLs := make([]string, 0, len(parsed.AdditionalImages))
	additionalBytes := make([][]byte, 0, len(parsed.AdditionalImages))
	for _, att := range parsed.AdditionalImages {
		data, err := h.client.DownloadAttachment(ctx, att.URL)
		if err != nil {
			log.WithField("error", err.Error()).Warn("failed to download additional image, skipping it")
			continue
		}
		additionalURLs = append(additionalURLs, att.URL)
		additionalBytes = append(additionalBytes, data)
	}

	var contextBytes [][]byte
	for _, ref := range parsed.ReferenceImages {
		data, err := h.client.DownloadAttachment(ctx, ref.URL)
		if err != nil {
			log.WithField("error", err.Error()).Warn("failed to download reference image, skipping it")
			continue
		}
		contextBytes = append(contextBytes, data)
	}

	result := h.orchestrator.Process(ctx, orchestrator.Request{
		TaskID:               task.ID,
		Prompt:               parsed.Request,
		TaskType:             parsed.TaskType,
		OriginalImageURL:     parsed.MainImage.URL,
		OriginalImageBytes:   mainBytes,
		AdditionalImageURLs:  additionalURLs,
		AdditionalImageBytes: additionalBytes,
		ContextImageBytes:    contextBytes,
		AspectRatio:          parsed.AspectRatio,
	})

	switch result.Status {
	case domain.StatusSuccess, domain.StatusSequential:
		h.completeTask(ctx, task.ID, triggerFieldID, result, log)
	case domain.StatusHybridFallback:
		log.Info("run escalated to human review")
	default:
		log.WithField("error", result.Error).Error("run failed without a passing result")
		_ = h.client.UpdateTaskStatus(ctx, task.ID, statusFailed, result.Error)
	}
}

func (h *Handler) completeTask(ctx context.Context, taskID, triggerFieldID string, result domain.ProcessResult, log *logrus.Entry) {
	filename := taskID + "-edited.png"
	if _, err := h.client.UploadAttachment(ctx, taskID, result.FinalImageData, filename); err != nil {
		log.WithField("error", err.Error()).Error("failed to upload final image")
	}
	comment := fmt.Sprintf("AI edit complete using %s (score %.1f/10).", result.ModelUsed, result.FinalScore)
	if err := h.client.UpdateTaskStatus(ctx, taskID, statusComplete, comment); err != nil {
		log.WithField("error", err.Error()).Error("failed to update task status")
	}
	if triggerFieldID != "" {
		if err := h.client.SetCustomField(ctx, taskID, triggerFieldID, false); err != nil {
			log.WithField("error", err.Error()).Error("failed to unset trigger field")
		}
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, body WebhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// dedupRing is a bounded FIFO set: membership test plus insertion, evicting
// the oldest key once capacity is exceeded. Replaces an unbounded set so a
// long-lived process can't leak memory on webhook replay storms.
type dedupRing struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{capacity: capacity, seen: make(map[string]struct{}, capacity)}
}

func (d *dedupRing) seenBefore(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
