package validator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/imageutil"
	"github.com/jordigilh/imageeditagent/pkg/providers/openrouter"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

const (
	strictClaudeModel = "anthropic/claude-sonnet-4.5"
	strictGPTModel    = "openai/gpt-4-turbo"
)

// StrictDualValidator runs two independent models per image and requires
// both to pass before accepting the result. Any disagreement is a FAIL:
// this variant trades throughput for confidence on high-stakes tasks.
type StrictDualValidator struct {
	client        *openrouter.Client
	store         config.RemoteStore
	passThreshold int
	logger        *logrus.Logger
}

// NewStrictDual builds a StrictDualValidator.
func NewStrictDual(client *openrouter.Client, store config.RemoteStore, passThreshold int, logger *logrus.Logger) *StrictDualValidator {
	return &StrictDualValidator{client: client, store: store, passThreshold: passThreshold, logger: logger}
}

func (v *StrictDualValidator) rubricFor(ctx context.Context, taskType domain.TaskType) string {
	return rubricForTaskType(ctx, v.store, taskType)
}

// ValidateSingle runs both models in parallel and, when both answer, only
// reports a pass when both independently agree. If one model's call fails,
// the other model's verdict is returned alone with low confidence.
func (v *StrictDualValidator) ValidateSingle(ctx context.Context, generated domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) (domain.ValidationResult, error) {
	rubric := v.rubricFor(ctx, taskType)
	userText := buildUserText(originalRequest, len(originalImages))

	content := []openrouter.ContentPart{openrouter.TextContent(userText)}
	for _, img := range originalImages {
		content = append(content, openrouter.ImageContent(imageutil.EncodeBase64(img, imageutil.DetectMIMEType(img))))
	}
	content = append(content, openrouter.ImageContent(imageutil.EncodeBase64(generated.ImageData, imageutil.DetectMIMEType(generated.ImageData))))

	messages := []openrouter.ChatMessage{
		{Role: "system", Content: []openrouter.ContentPart{openrouter.TextContent(rubric)}},
		{Role: "user", Content: content},
	}

	var claudeResult, gptResult domain.ValidationResult
	var claudeErr, gptErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		raw, err := v.client.Chat(ctx, strictClaudeModel, messages, openrouter.ChatOptions{Semaphore: openrouter.SemaphoreValidation, Temperature: 0, MaxTokens: 2000})
		if err != nil {
			claudeErr = err
			return
		}
		claudeResult, claudeErr = parseValidationResponse(raw, v.passThreshold)
	}()
	go func() {
		defer wg.Done()
		raw, err := v.client.Chat(ctx, strictGPTModel, messages, openrouter.ChatOptions{Semaphore: openrouter.SemaphoreValidation, Temperature: 0, MaxTokens: 2000})
		if err != nil {
			gptErr = err
			return
		}
		gptResult, gptErr = parseValidationResponse(raw, v.passThreshold)
	}()
	wg.Wait()

	if claudeErr != nil && gptErr != nil {
		return domain.ValidationResult{}, claudeErr
	}

	// A single successful model still counts, but downgrades to requiring
	// it alone to pass; full consensus only applies when both answered.
	if claudeErr != nil {
		v.logger.WithFields(logging.ModelFields("validate", generated.ModelName).Error(claudeErr).ToLogrus()).Warn("claude validation failed, falling back to gpt alone")
		gptResult.ModelName = generated.ModelName
		gptResult.Confidence = domain.ConfidenceLow
		return gptResult, nil
	}
	if gptErr != nil {
		v.logger.WithFields(logging.ModelFields("validate", generated.ModelName).Error(gptErr).ToLogrus()).Warn("gpt validation failed, falling back to claude alone")
		claudeResult.ModelName = generated.ModelName
		claudeResult.Confidence = domain.ConfidenceLow
		return claudeResult, nil
	}

	consensusPassed := claudeResult.Passed && gptResult.Passed
	avgScore := (claudeResult.Score + gptResult.Score) / 2
	disagreed := claudeResult.Passed != gptResult.Passed

	issues := claudeResult.Issues
	issues = append(issues, gptResult.Issues...)
	if consensusPassed {
		issues = nil
	} else if disagreed {
		issues = append(issues, fmt.Sprintf(
			"validators disagreed (claude pass=%t score=%.1f, gpt pass=%t score=%.1f) — low confidence result",
			claudeResult.Passed, claudeResult.Score, gptResult.Passed, gptResult.Score,
		))
	}

	confidence := domain.ConfidenceHigh
	if disagreed {
		confidence = domain.ConfidenceLow
	}

	result := domain.ValidationResult{
		ModelName:  generated.ModelName,
		Score:      avgScore,
		Passed:     consensusPassed,
		Status:     passStatus(consensusPassed),
		Confidence: confidence,
		Issues:     dedupeStrings(issues),
	}

	if disagreed {
		v.logger.WithFields(logging.ModelFields("validate", generated.ModelName).
			Custom("claude_passed", claudeResult.Passed).
			Custom("gpt_passed", gptResult.Passed).ToLogrus()).
			Warn("dual validators disagreed, failing strict")
	}

	return result, nil
}

// ValidateAllSequential validates every generated image one at a time,
// observing the same inter-call delay as StandardValidator.
func (v *StrictDualValidator) ValidateAllSequential(ctx context.Context, generated []domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) ([]domain.ValidationResult, error) {
	results := make([]domain.ValidationResult, 0, len(generated))
	for i, image := range generated {
		result, err := v.ValidateSingle(ctx, image, originalRequest, originalImages, taskType)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		if i < len(generated)-1 {
			select {
			case <-time.After(v.client.ValidationDelay()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return results, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
