// Package refiner drives one clean-prompt enhance→generate→validate cycle
// from aggregated validation feedback, and implements the locale-aware
// sequential-decomposition fallback for compound requests.
package refiner

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
)

// Enhancer is the subset of promptenhancer.Enhancer the refiner needs.
type Enhancer interface {
	EnhanceAllParallel(ctx context.Context, originalPrompt string, images [][]byte, previousFeedback string) ([]domain.EnhancedPrompt, error)
}

// Generator is the subset of imagegenerator.Generator the refiner needs.
type Generator interface {
	GenerateAllParallel(ctx context.Context, enhancedPrompts []domain.EnhancedPrompt, imageURLs []string, aspectRatio string) ([]domain.GeneratedImage, error)
}

// Validator is the subset of validator.Validator the refiner needs.
type Validator interface {
	ValidateAllSequential(ctx context.Context, generated []domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) ([]domain.ValidationResult, error)
}

// Refiner re-runs the pipeline from aggregated feedback, and decomposes
// compound requests into atomic steps when the loop can't converge.
type Refiner struct {
	enhancer  Enhancer
	generator Generator
	validator Validator
	locale    config.LocaleConfig
	logger    *logrus.Logger
}

// New builds a Refiner.
func New(enhancer Enhancer, generator Generator, validator Validator, locale config.LocaleConfig, logger *logrus.Logger) *Refiner {
	return &Refiner{enhancer: enhancer, generator: generator, validator: validator, locale: locale, logger: logger}
}

// AggregateFeedback collects every issue from failed validations into one
// human-readable block, deduplicated and order-preserving so the log (not
// the model) sees a stable, readable list.
func (r *Refiner) AggregateFeedback(failedValidations []domain.ValidationResult) string {
	seen := make(map[string]struct{})
	var issues []string
	for _, v := range failedValidations {
		if v.Passed {
			continue
		}
		for _, issue := range v.Issues {
			trimmed := strings.TrimSpace(issue)
			lower := strings.ToLower(trimmed)
			if trimmed == "" || lower == "none" || lower == "n/a" {
				continue
			}
			if _, ok := seen[trimmed]; ok {
				continue
			}
			seen[trimmed] = struct{}{}
			issues = append(issues, trimmed)
		}
	}

	if len(issues) == 0 {
		return "Previous attempt had quality issues. Ensure all requirements are met."
	}

	var sb strings.Builder
	sb.WriteString("IMPORTANT - Previous iteration failed with these issues:\n")
	for _, issue := range issues {
		sb.WriteString("- " + issue + "\n")
	}
	sb.WriteString("\nAddress ALL of these issues in the refinement.")
	return sb.String()
}

// RefineWithFeedback re-runs enhance→generate→validate against the
// original, unmodified prompt. Feedback is aggregated for logging only —
// it is never concatenated into the prompt sent to a model, so every
// retry starts from the same clean instruction the user gave.
func (r *Refiner) RefineWithFeedback(ctx context.Context, originalPrompt, originalImageURL string, originalImageBytes []byte, failedValidations []domain.ValidationResult, aspectRatio string, taskType domain.TaskType) (domain.RefineResult, error) {
	feedback := r.AggregateFeedback(failedValidations)
	r.logger.WithField("feedback_preview", truncate(feedback, 200)).Info("feedback aggregated for logging only, prompt stays clean")

	refinedPrompt := originalPrompt

	enhanced, err := r.enhancer.EnhanceAllParallel(ctx, refinedPrompt, [][]byte{originalImageBytes}, "")
	if err != nil {
		return domain.RefineResult{}, err
	}

	generated, err := r.generator.GenerateAllParallel(ctx, enhanced, []string{originalImageURL}, aspectRatio)
	if err != nil {
		return domain.RefineResult{}, err
	}

	validated, err := r.validator.ValidateAllSequential(ctx, generated, refinedPrompt, [][]byte{originalImageBytes}, taskType)
	if err != nil {
		return domain.RefineResult{}, err
	}

	best := selectBestRefine(enhanced, generated, validated)
	best.RefinedPrompt = refinedPrompt
	return best, nil
}

func selectBestRefine(enhanced []domain.EnhancedPrompt, generated []domain.GeneratedImage, validated []domain.ValidationResult) domain.RefineResult {
	var result domain.RefineResult
	bestScore := -1.0
	for _, v := range validated {
		if v.Score <= bestScore {
			continue
		}
		for _, g := range generated {
			if g.ModelName != v.ModelName {
				continue
			}
			for _, e := range enhanced {
				if e.ModelName != v.ModelName {
					continue
				}
				bestScore = v.Score
				result = domain.RefineResult{Enhanced: e, Generated: g, Validated: v}
			}
		}
	}
	return result
}

// ParseRequestIntoSteps splits a compound request into atomic operations,
// each suffixed with the preservation clause so every step independently
// protects whatever the user didn't mention. Locale conjunctions (e.g.
// Greek "και") are normalized to commas before splitting.
func (r *Refiner) ParseRequestIntoSteps(request string) []domain.SequentialStep {
	requestPart, preservation := splitPreservation(request, r.locale)

	normalized := requestPart
	for _, word := range r.locale.ConjunctionWords {
		normalized = strings.ReplaceAll(normalized, word, ",")
	}

	var steps []domain.SequentialStep
	for _, op := range strings.Split(normalized, ",") {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		steps = append(steps, domain.SequentialStep{Operation: op, Preservation: preservation})
	}
	return steps
}

// splitPreservation separates the actionable part of request from a
// trailing preservation clause ("...keep everything else the same"),
// matched case-insensitively since users phrase it inconsistently
// ("Keep everything else identical.", "keep everything else the same").
func splitPreservation(request string, locale config.LocaleConfig) (requestPart, preservation string) {
	lower := strings.ToLower(request)
	for _, phrase := range locale.PreservationPhrases {
		if idx := strings.Index(lower, strings.ToLower(phrase)); idx >= 0 {
			return strings.TrimSpace(request[:idx]), strings.TrimSpace(request[idx:])
		}
	}
	return strings.TrimSpace(request), locale.DefaultPreservation
}

// ExecuteSequential runs steps one after another, each step using the
// previous step's best passing result as its input image. A step that
// exhausts maxStepAttempts without a passing result aborts the whole
// sequence.
func (r *Refiner) ExecuteSequential(ctx context.Context, steps []domain.SequentialStep, originalImageURL string, originalImageBytes []byte, maxStepAttempts int) (domain.GeneratedImage, bool) {
	currentURL := originalImageURL
	currentBytes := originalImageBytes

	for i, step := range steps {
		best, ok := r.executeStep(ctx, step, currentURL, currentBytes, maxStepAttempts)
		if !ok {
			r.logger.WithField("step", i+1).Error("sequential mode failed at step")
			return domain.GeneratedImage{}, false
		}
		currentURL = best.ImageURL
		currentBytes = best.ImageData

		if i == len(steps)-1 {
			return best, true
		}
	}
	return domain.GeneratedImage{}, false
}

func (r *Refiner) executeStep(ctx context.Context, step domain.SequentialStep, imageURL string, imageBytes []byte, maxAttempts int) (domain.GeneratedImage, bool) {
	prompt := step.Prompt()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		enhanced, err := r.enhancer.EnhanceAllParallel(ctx, prompt, [][]byte{imageBytes}, "")
		if err != nil {
			if attempt >= maxAttempts {
				return domain.GeneratedImage{}, false
			}
			continue
		}

		generated, err := r.generator.GenerateAllParallel(ctx, enhanced, []string{imageURL}, "")
		if err != nil {
			if attempt >= maxAttempts {
				return domain.GeneratedImage{}, false
			}
			continue
		}

		validated, err := r.validator.ValidateAllSequential(ctx, generated, prompt, [][]byte{imageBytes}, domain.TaskTypeEdit)
		if err != nil {
			if attempt >= maxAttempts {
				return domain.GeneratedImage{}, false
			}
			continue
		}

		var bestValidation *domain.ValidationResult
		for i := range validated {
			if !validated[i].Passed {
				continue
			}
			if bestValidation == nil || validated[i].Score > bestValidation.Score {
				bestValidation = &validated[i]
			}
		}
		if bestValidation != nil {
			for _, g := range generated {
				if g.ModelName == bestValidation.ModelName {
					return g, true
				}
			}
		}

		if attempt >= maxAttempts {
			return domain.GeneratedImage{}, false
		}
	}
	return domain.GeneratedImage{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
