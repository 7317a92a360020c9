package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/integration/webhook"
	"github.com/jordigilh/imageeditagent/pkg/orchestrator"
	"github.com/jordigilh/imageeditagent/pkg/providers/clickup"
	"github.com/jordigilh/imageeditagent/pkg/tasklock"
	"github.com/jordigilh/imageeditagent/pkg/taskparser"
)

// fakeClickUpClient stands in for the work-tracker gateway.
type fakeClickUpClient struct {
	mu           sync.Mutex
	task         clickup.Task
	getTaskErr   error
	statuses     []string
	comments     []string
	attachments  int
	clearedField string
	clearedValue interface{}
}

func (f *fakeClickUpClient) GetTask(ctx context.Context, taskID string) (clickup.Task, error) {
	if f.getTaskErr != nil {
		return clickup.Task{}, f.getTaskErr
	}
	return f.task, nil
}

func (f *fakeClickUpClient) DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error) {
	return []byte("image-bytes"), nil
}

func (f *fakeClickUpClient) UploadAttachment(ctx context.Context, taskID string, imageData []byte, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments++
	return "https://clickup.example/" + filename, nil
}

func (f *fakeClickUpClient) UpdateTaskStatus(ctx context.Context, taskID, status, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	f.comments = append(f.comments, comment)
	return nil
}

func (f *fakeClickUpClient) SetCustomField(ctx context.Context, taskID, fieldID string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedField = fieldID
	f.clearedValue = value
	return nil
}

func (f *fakeClickUpClient) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachments, append([]string{}, f.statuses...)
}

func (f *fakeClickUpClient) clearedTrigger() (string, interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearedField, f.clearedValue
}

// fakeOrchestrator stands in for the pipeline's orchestrator.
type fakeOrchestrator struct {
	mu      sync.Mutex
	calls   int
	result  domain.ProcessResult
	release chan struct{}
}

func (f *fakeOrchestrator) Process(ctx context.Context, req orchestrator.Request) domain.ProcessResult {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result
}

func (f *fakeOrchestrator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func triggerField(value interface{}) clickup.CustomField {
	return clickup.CustomField{ID: "field-ready_for_ai", Name: "ready_for_ai", Value: value}
}

func baseTask(withTrigger bool) clickup.Task {
	task := clickup.Task{
		ID:   "task-1",
		Name: "Edit banner",
		Attachments: []clickup.Attachment{
			{ID: "att-1", Title: "source.png", URL: "https://clickup.example/source.png"},
		},
	}
	if withTrigger {
		task.CustomFields = []clickup.CustomField{triggerField(true)}
	}
	return task
}

func postWebhook(h *webhook.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	h.HandleWebhook(recorder, req)
	return recorder
}

var _ = Describe("Webhook Handler", func() {
	var (
		handler       *webhook.Handler
		client        *fakeClickUpClient
		orch          *fakeOrchestrator
		lock          *tasklock.TaskLock
		logger        *logrus.Logger
		webhookConfig config.WebhookConfig
	)

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.DebugLevel)
		logger.SetOutput(GinkgoWriter)

		client = &fakeClickUpClient{task: baseTask(true)}
		orch = &fakeOrchestrator{result: domain.ProcessResult{
			Status:         domain.StatusSuccess,
			ModelUsed:      "model-a",
			FinalScore:     9,
			FinalImageData: []byte("final"),
		}}
		lock = tasklock.New(time.Minute, time.Minute)

		webhookConfig = config.WebhookConfig{
			Port:          "8080",
			Path:          "/webhook",
			TriggerField:  "ready_for_ai",
			DedupCapacity: 64,
		}

		handler = webhook.NewHandler(client, taskparser.New(), lock, orch, webhookConfig, logger)
	})

	AfterEach(func() {
		lock.Close()
	})

	validPayload := func(historyID string) []byte {
		p := map[string]interface{}{
			"event":   "taskUpdated",
			"task_id": "task-1",
			"history_items": []map[string]string{
				{"id": historyID},
			},
		}
		b, _ := json.Marshal(p)
		return b
	}

	Describe("HTTP method validation", func() {
		It("rejects GET requests", func() {
			req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
			recorder := httptest.NewRecorder()
			handler.HandleWebhook(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusMethodNotAllowed))

			var resp webhook.WebhookResponse
			Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Status).To(Equal("error"))
			Expect(resp.Error).To(ContainSubstring("Only POST method is allowed"))
		})

		It("accepts POST requests", func() {
			recorder := postWebhook(handler, validPayload("hist-1"), map[string]string{"Content-Type": "application/json"})
			Expect(recorder.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("content-type validation", func() {
		It("rejects requests without a Content-Type", func() {
			recorder := postWebhook(handler, validPayload("hist-2"), nil)
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))

			var resp webhook.WebhookResponse
			_ = json.Unmarshal(recorder.Body.Bytes(), &resp)
			Expect(resp.Error).To(ContainSubstring("Content-Type must be application/json"))
		})

		It("accepts application/json with a charset", func() {
			recorder := postWebhook(handler, validPayload("hist-3"), map[string]string{"Content-Type": "application/json; charset=utf-8"})
			Expect(recorder.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("authentication", func() {
		Context("when bearer auth is configured", func() {
			BeforeEach(func() {
				webhookConfig.Auth = config.WebhookAuthConfig{Type: "bearer", Token: "test-secret-token"}
				handler = webhook.NewHandler(client, taskparser.New(), lock, orch, webhookConfig, logger)
			})

			It("rejects requests without an Authorization header", func() {
				recorder := postWebhook(handler, validPayload("hist-4"), map[string]string{"Content-Type": "application/json"})
				Expect(recorder.Code).To(Equal(http.StatusUnauthorized))

				var resp webhook.WebhookResponse
				_ = json.Unmarshal(recorder.Body.Bytes(), &resp)
				Expect(resp.Error).To(Equal("Authentication failed"))
			})

			It("rejects requests with the wrong token", func() {
				recorder := postWebhook(handler, validPayload("hist-5"), map[string]string{
					"Content-Type":  "application/json",
					"Authorization": "Bearer wrong-token",
				})
				Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
			})

			It("accepts requests with the correct bearer token", func() {
				recorder := postWebhook(handler, validPayload("hist-6"), map[string]string{
					"Content-Type":  "application/json",
					"Authorization": "Bearer test-secret-token",
				})
				Expect(recorder.Code).To(Equal(http.StatusOK))
			})
		})

		Context("when auth is not configured", func() {
			It("accepts requests without an Authorization header", func() {
				recorder := postWebhook(handler, validPayload("hist-7"), map[string]string{"Content-Type": "application/json"})
				Expect(recorder.Code).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("payload validation", func() {
		It("rejects invalid JSON", func() {
			recorder := postWebhook(handler, []byte("not json"), map[string]string{"Content-Type": "application/json"})
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))

			var resp webhook.WebhookResponse
			_ = json.Unmarshal(recorder.Body.Bytes(), &resp)
			Expect(resp.Error).To(ContainSubstring("Invalid JSON payload"))
		})

		It("rejects a payload missing task_id", func() {
			recorder := postWebhook(handler, []byte(`{"event":"taskUpdated"}`), map[string]string{"Content-Type": "application/json"})
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("deduplication", func() {
		It("ignores a second delivery with the same history item id", func() {
			first := postWebhook(handler, validPayload("hist-dup"), map[string]string{"Content-Type": "application/json"})
			Expect(first.Code).To(Equal(http.StatusOK))

			second := postWebhook(handler, validPayload("hist-dup"), map[string]string{"Content-Type": "application/json"})
			Expect(second.Code).To(Equal(http.StatusOK))

			var resp webhook.WebhookResponse
			_ = json.Unmarshal(second.Body.Bytes(), &resp)
			Expect(resp.Status).To(Equal("ignored"))
			Expect(resp.Message).To(ContainSubstring("duplicate"))
		})
	})

	Describe("trigger field", func() {
		It("ignores a task whose trigger field is not set", func() {
			client.task = baseTask(false)

			recorder := postWebhook(handler, validPayload("hist-8"), map[string]string{"Content-Type": "application/json"})
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var resp webhook.WebhookResponse
			_ = json.Unmarshal(recorder.Body.Bytes(), &resp)
			Expect(resp.Status).To(Equal("ignored"))
			Expect(resp.Message).To(ContainSubstring("trigger field"))

			Consistently(orch.callCount).Should(Equal(0))
		})
	})

	Describe("per-task locking", func() {
		It("rejects a second delivery for a task already in flight", func() {
			orch.release = make(chan struct{})

			first := postWebhook(handler, validPayload("hist-9"), map[string]string{"Content-Type": "application/json"})
			Expect(first.Code).To(Equal(http.StatusOK))

			second := postWebhook(handler, validPayload("hist-10"), map[string]string{"Content-Type": "application/json"})
			Expect(second.Code).To(Equal(http.StatusAccepted))

			var resp webhook.WebhookResponse
			_ = json.Unmarshal(second.Body.Bytes(), &resp)
			Expect(resp.Status).To(Equal("ignored"))
			Expect(resp.Message).To(Equal("busy"))

			close(orch.release)
			Eventually(orch.callCount).Should(Equal(1))
		})
	})

	Describe("successful processing", func() {
		It("drives the orchestrator and writes the result back to ClickUp", func() {
			recorder := postWebhook(handler, validPayload("hist-11"), map[string]string{"Content-Type": "application/json"})
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var resp webhook.WebhookResponse
			Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Status).To(Equal("accepted"))

			Eventually(orch.callCount).Should(Equal(1))
			Eventually(func() int {
				attachments, _ := client.snapshot()
				return attachments
			}).Should(Equal(1))

			_, statuses := client.snapshot()
			Expect(statuses).To(ContainElement("complete"))

			Eventually(func() string {
				fieldID, _ := client.clearedTrigger()
				return fieldID
			}).Should(Equal("field-ready_for_ai"))
			_, value := client.clearedTrigger()
			Expect(value).To(Equal(false))
		})
	})

	Describe("response format", func() {
		It("always sets the JSON content type", func() {
			req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
			recorder := httptest.NewRecorder()
			handler.HandleWebhook(recorder, req)

			Expect(recorder.Header().Get("Content-Type")).To(Equal("application/json"))
		})
	})
})
