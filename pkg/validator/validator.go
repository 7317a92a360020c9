// Package validator scores a generated image against the original request
// using the reasoning/vision gateway, with both a single-model and a
// strict-consensus dual-model variant behind one interface.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	appErrors "github.com/jordigilh/imageeditagent/internal/errors"
	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/imageutil"
	"github.com/jordigilh/imageeditagent/pkg/providers/openrouter"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

// Validator scores generated images against the original request.
type Validator interface {
	ValidateSingle(ctx context.Context, generated domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) (domain.ValidationResult, error)
	ValidateAllSequential(ctx context.Context, generated []domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) ([]domain.ValidationResult, error)
}

const defaultValidationModel = "anthropic/claude-sonnet-4.5"

var codeFencePattern = regexp.MustCompile("```(?:json)?\\s*|```\\s*$")

// StandardValidator is a single-model validator, matching the teacher's
// default SIMPLE_EDIT/BRANDED_CREATIVE rubric selection.
type StandardValidator struct {
	client         *openrouter.Client
	store          config.RemoteStore
	passThreshold  int
	model          string
	logger         *logrus.Logger
}

// NewStandard builds a StandardValidator scoring against passThreshold
// (out of 10), pulling rubric templates fresh from store on every call.
func NewStandard(client *openrouter.Client, store config.RemoteStore, passThreshold int, logger *logrus.Logger) *StandardValidator {
	return &StandardValidator{client: client, store: store, passThreshold: passThreshold, model: defaultValidationModel, logger: logger}
}

func (v *StandardValidator) rubricFor(ctx context.Context, taskType domain.TaskType) string {
	return rubricForTaskType(ctx, v.store, taskType)
}

// rubricForTaskType resolves the rubric template for taskType and splices
// in the shared font-translation guide, fresh from store on every call, so
// both validator variants stay consistent on font naming.
func rubricForTaskType(ctx context.Context, store config.RemoteStore, taskType domain.TaskType) string {
	key := "validation_rubric:simple_edit"
	if taskType == domain.TaskTypeCreative {
		key = "validation_rubric:branded_creative"
	}
	rubric := config.GetWithFallback(ctx, store, key, defaultRubric(taskType))
	fontsGuide := config.GetWithFallback(ctx, store, "fonts_guide", "")
	return strings.ReplaceAll(rubric, "{fonts_guide}", fontsGuide)
}

// ValidateSingle scores one generated image.
func (v *StandardValidator) ValidateSingle(ctx context.Context, generated domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) (domain.ValidationResult, error) {
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

	raw, err := v.client.Chat(ctx, v.model, messages, openrouter.ChatOptions{
		Semaphore:   openrouter.SemaphoreValidation,
		Temperature: 0,
		MaxTokens:   2000,
	})
	if err != nil {
		v.logger.WithFields(logging.ModelFields("validate", generated.ModelName).Error(err).ToLogrus()).Error("validation call failed")
		return domain.ValidationResult{}, err
	}

	result, err := parseValidationResponse(raw, v.passThreshold)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	result.ModelName = generated.ModelName

	if result.Passed {
		v.logger.WithFields(logging.ModelFields("validate", generated.ModelName).ToLogrus()).Infof("passed with score %.1f/10", result.Score)
	} else {
		v.logger.WithFields(logging.ModelFields("validate", generated.ModelName).Custom("issues", result.Issues).ToLogrus()).Warnf("failed with score %.1f/10", result.Score)
	}

	return result, nil
}

// ValidateAllSequential validates every generated image one at a time,
// pausing between calls to respect the gateway's validation rate limit.
// System errors are never swallowed here; only the caller decides whether
// a failed call aborts the run.
func (v *StandardValidator) ValidateAllSequential(ctx context.Context, generated []domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) ([]domain.ValidationResult, error) {
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

func buildUserText(originalRequest string, numOriginals int) string {
	if numOriginals <= 1 {
		return fmt.Sprintf("Validate this edit.\n\nUSER REQUEST: %s\n\nCompare IMAGE 1 (original) with IMAGE 2 (edited).\nReturn ONLY JSON.", originalRequest)
	}
	return fmt.Sprintf(
		"Validate this edit.\n\nUSER REQUEST: %s\n\nCompare IMAGES 1-%d (originals/inputs) with FINAL IMAGE (edited result).\nVerify ALL input images are properly incorporated in the output.\nReturn ONLY JSON.",
		originalRequest, numOriginals,
	)
}

type validationPayload struct {
	PassFail  interface{} `json:"pass_fail"`
	Score     interface{} `json:"score"`
	Issues    []string    `json:"issues"`
	Reasoning string      `json:"reasoning"`
}

// parseValidationResponse tolerates markdown code fences and the several
// numeric shapes the gateway has been observed to emit for score: plain
// int, float, or a "N/10" fraction string.
//
// A response that can't be parsed is not a Go error: it's a scored,
// never-raised ValidationResult with Status=error, Passed=false, Score=0.
// Only a failure to reach the gateway at all (the Chat call itself) is a
// system error that propagates.
func parseValidationResponse(raw string, passThreshold int) (domain.ValidationResult, error) {
	cleaned := strings.TrimSpace(codeFencePattern.ReplaceAllString(raw, ""))

	var payload validationPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		if score, ok := extractScoreFallback(cleaned); ok {
			return domain.ValidationResult{
				Score:  score,
				Passed: score >= float64(passThreshold),
				Status: passStatus(score >= float64(passThreshold)),
				Issues: []string{"validation response was not valid JSON"},
			}, nil
		}
		return domain.ValidationResult{
			Status: domain.ValidationStatusError,
			Passed: false,
			Score:  0,
			Issues: []string{appErrors.NewContentParseError(err, "validation response").Error()},
		}, nil
	}

	score, err := normalizeScore(payload.Score)
	if err != nil {
		return domain.ValidationResult{
			Status: domain.ValidationStatusError,
			Passed: false,
			Score:  0,
			Issues: []string{appErrors.NewContentParseError(err, "validation score").Error()},
		}, nil
	}

	passFail := strings.ToUpper(fmt.Sprintf("%v", payload.PassFail))
	passed := passFail == "PASS"
	// Score and verdict occasionally disagree; score is authoritative
	// since it's numeric and the threshold is configured, not hardcoded.
	expectedPass := score >= float64(passThreshold)
	if passed != expectedPass {
		passed = expectedPass
	}

	issues := payload.Issues
	if len(issues) == 0 && !passed {
		issues = []string{"no specific issues reported"}
	}
	if passed && len(issues) == 1 && issues[0] == "No issues found" {
		issues = nil
	}

	return domain.ValidationResult{
		Score:  score,
		Passed: passed,
		Status: passStatus(passed),
		Issues: issues,
	}, nil
}

// passStatus maps a pass/fail verdict to its ValidationStatus; a parse
// failure sets domain.ValidationStatusError directly instead.
func passStatus(passed bool) domain.ValidationStatus {
	if passed {
		return domain.ValidationStatusPass
	}
	return domain.ValidationStatusFail
}

func normalizeScore(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return clampScore(v), nil
	case string:
		s := strings.TrimSpace(v)
		if idx := strings.Index(s, "/"); idx >= 0 {
			s = strings.TrimSpace(s[:idx])
		}
		if fields := strings.Fields(s); len(fields) > 0 {
			s = fields[len(fields)-1]
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("could not parse score %q: %w", raw, err)
		}
		return clampScore(f), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported score type %T", raw)
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

var scoreFallbackPattern = regexp.MustCompile(`"?score"?\s*:\s*([0-9]+(?:\.[0-9]+)?)`)

func extractScoreFallback(text string) (float64, bool) {
	match := scoreFallbackPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return clampScore(f), true
}

func defaultRubric(taskType domain.TaskType) string {
	if taskType == domain.TaskTypeCreative {
		return "Assess whether the generated marketing graphic matches the requested text, font, style direction, and dimensions. Fonts: {fonts_guide}. Respond with JSON: {\"pass_fail\": \"PASS\"|\"FAIL\", \"score\": 0-10, \"issues\": [...], \"reasoning\": \"...\"}."
	}
	return "Assess whether the edited image fulfills the user's request while preserving everything not mentioned. Fonts: {fonts_guide}. Respond with JSON: {\"pass_fail\": \"PASS\"|\"FAIL\", \"score\": 0-10, \"issues\": [...], \"reasoning\": \"...\"}."
}
