// Package orchestrator drives the bounded iterative refinement loop: parallel
// enhancement, parallel generation, sequential validation, then either
// success, a refinement retry, a switch to sequential decomposition, or —
// once iterations are exhausted — human escalation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

// Enhancer is the subset of promptenhancer.Enhancer the orchestrator needs.
type Enhancer interface {
	EnhanceAllParallel(ctx context.Context, originalPrompt string, images [][]byte, previousFeedback string) ([]domain.EnhancedPrompt, error)
}

// Generator is the subset of imagegenerator.Generator the orchestrator needs.
type Generator interface {
	GenerateAllParallel(ctx context.Context, enhancedPrompts []domain.EnhancedPrompt, imageURLs []string, aspectRatio string) ([]domain.GeneratedImage, error)
}

// Validator is the subset of validator.Validator the orchestrator needs.
type Validator interface {
	ValidateAllSequential(ctx context.Context, generated []domain.GeneratedImage, originalRequest string, originalImages [][]byte, taskType domain.TaskType) ([]domain.ValidationResult, error)
}

// Refiner is the subset of refiner.Refiner the orchestrator needs.
type Refiner interface {
	ParseRequestIntoSteps(request string) []domain.SequentialStep
	ExecuteSequential(ctx context.Context, steps []domain.SequentialStep, originalImageURL string, originalImageBytes []byte, maxStepAttempts int) (domain.GeneratedImage, bool)
	RefineWithFeedback(ctx context.Context, originalPrompt, originalImageURL string, originalImageBytes []byte, failedValidations []domain.ValidationResult, aspectRatio string, taskType domain.TaskType) (domain.RefineResult, error)
}

// HybridFallback is the subset of hybridfallback.HybridFallback the
// orchestrator needs.
type HybridFallback interface {
	TriggerHumanReview(ctx context.Context, taskID, originalPrompt string, iterationsAttempted int, failedResults []domain.ValidationResult)
}

// RetryPolicy is the subset of smartretry.Policy the orchestrator needs. It
// is optional: a run with no policy configured simply refines every
// failing iteration until maxIterations is exhausted.
type RetryPolicy interface {
	Decide(result domain.ValidationResult, editRequest string, retryCount int) domain.RetryDecision
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithRetryPolicy attaches a smartretry.Policy so a failing iteration can
// be abandoned early (RetryGiveUp) instead of always running to
// maxIterations.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Orchestrator) { o.retryPolicy = policy }
}

// Request bundles everything one run of the loop needs about a parsed task.
type Request struct {
	TaskID               string
	Prompt               string
	TaskType             domain.TaskType
	OriginalImageURL     string
	OriginalImageBytes   []byte
	AdditionalImageURLs  []string
	AdditionalImageBytes [][]byte
	// ContextImageBytes, when non-nil, are the images sent to the enhancer
	// for prompt context (e.g. reference images). When nil, the generation
	// images double as enhancement context.
	ContextImageBytes [][]byte
	AspectRatio       string
}

// Orchestrator runs the enhance -> generate -> validate loop to completion.
type Orchestrator struct {
	enhancer        Enhancer
	generator       Generator
	validator       Validator
	refiner         Refiner
	hybridFallback  HybridFallback
	maxIterations   int
	maxStepAttempts int
	sequentialAt    int
	retryPolicy     RetryPolicy
	logger          *logrus.Logger
}

// New builds an Orchestrator. sequentialAt is the iteration number at or
// after which a still-failing run switches to sequential decomposition
// before attempting another whole-image refinement. Pass WithRetryPolicy to
// let a smartretry.Policy cut a run short once it judges further retries
// futile.
func New(enhancer Enhancer, generator Generator, validator Validator, refiner Refiner, hybridFallback HybridFallback, maxIterations, maxStepAttempts, sequentialAt int, logger *logrus.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		enhancer:        enhancer,
		generator:       generator,
		validator:       validator,
		refiner:         refiner,
		hybridFallback:  hybridFallback,
		maxIterations:   maxIterations,
		maxStepAttempts: maxStepAttempts,
		sequentialAt:    sequentialAt,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SelectBest returns the highest-scoring passing result, matched across the
// validated and generated slices by model name. ok is false when nothing
// passed.
func SelectBest(validated []domain.ValidationResult, generated []domain.GeneratedImage) (domain.GeneratedImage, domain.ValidationResult, bool) {
	var bestValidation domain.ValidationResult
	found := false
	for _, v := range validated {
		if !v.Passed {
			continue
		}
		if !found || v.Score > bestValidation.Score {
			bestValidation = v
			found = true
		}
	}
	if !found {
		return domain.GeneratedImage{}, domain.ValidationResult{}, false
	}
	for _, g := range generated {
		if g.ModelName == bestValidation.ModelName {
			return g, bestValidation, true
		}
	}
	return domain.GeneratedImage{}, domain.ValidationResult{}, false
}

// Process runs req through the full loop and returns its terminal outcome.
func (o *Orchestrator) Process(ctx context.Context, req Request) domain.ProcessResult {
	start := time.Now()
	runID := uuid.NewString()
	log := o.logger.WithFields(logging.TaskFields("process", req.TaskID).ToLogrus()).WithField("run_id", runID)

	generationURLs := append([]string{req.OriginalImageURL}, req.AdditionalImageURLs...)
	generationBytes := append([][]byte{req.OriginalImageBytes}, req.AdditionalImageBytes...)
	enhancementBytes := req.ContextImageBytes
	if enhancementBytes == nil {
		enhancementBytes = generationBytes
	}

	currentPrompt := req.Prompt
	var allIterations []domain.IterationMetrics
	var allValidations []domain.ValidationResult
	previousFeedback := ""

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		iterationStart := time.Now()
		log.WithField("iteration", iteration).Info("starting iteration")

		enhanced, err := o.enhancer.EnhanceAllParallel(ctx, currentPrompt, enhancementBytes, previousFeedback)
		if err != nil {
			if o.isCriticalFanoutFailure(err) {
				allIterations = append(allIterations, failedIterationMetrics(iteration, iterationStart, err))
				if iteration == o.maxIterations {
					break
				}
				continue
			}
			log.WithField("error", err.Error()).Error("unexpected enhancement error")
			allIterations = append(allIterations, failedIterationMetrics(iteration, iterationStart, err))
			if iteration == o.maxIterations {
				break
			}
			continue
		}

		generated, err := o.generator.GenerateAllParallel(ctx, enhanced, generationURLs, req.AspectRatio)
		if err != nil {
			if o.isCriticalFanoutFailure(err) {
				allIterations = append(allIterations, failedIterationMetrics(iteration, iterationStart, err))
				if iteration == o.maxIterations {
					break
				}
				continue
			}
			log.WithField("error", err.Error()).Error("unexpected generation error")
			allIterations = append(allIterations, failedIterationMetrics(iteration, iterationStart, err))
			if iteration == o.maxIterations {
				break
			}
			continue
		}

		validated, err := o.validator.ValidateAllSequential(ctx, generated, currentPrompt, generationBytes, req.TaskType)
		if err != nil {
			log.WithField("error", err.Error()).Error("validation system error")
			allIterations = append(allIterations, failedIterationMetrics(iteration, iterationStart, err))
			if iteration == o.maxIterations {
				log.Error("validation failed in final iteration, triggering hybrid fallback")
				break
			}
			log.WithField("iteration", iteration+1).Warn("validation failed, retrying next iteration")
			continue
		}
		allValidations = append(allValidations, validated...)

		if feedback := feedbackFromFailures(validated); feedback != "" {
			previousFeedback = feedback
			log.WithField("feedback", previousFeedback).Info("captured validation feedback for next iteration")
		}

		best := bestScore(validated)
		allIterations = append(allIterations, domain.IterationMetrics{
			IterationNumber:        iteration,
			EnhancementsSuccessful: len(enhanced),
			GenerationsSuccessful:  len(generated),
			ValidationsPassed:      countPassed(validated),
			BestScore:              best,
			Duration:               time.Since(iterationStart),
		})

		if image, validation, ok := SelectBest(validated, generated); ok {
			log.WithField("iterations", iteration).WithField("model", image.ModelName).Info("processing successful")
			return domain.ProcessResult{
				TaskID:         req.TaskID,
				Status:         domain.StatusSuccess,
				FinalImageURL:  image.ImageURL,
				FinalImageData: image.ImageData,
				ModelUsed:      image.ModelName,
				Iterations:     allIterations,
				FinalScore:     validation.Score,
			}
		}

		if o.retryPolicy != nil {
			if worst, ok := worstFailure(validated); ok {
				decision := o.retryPolicy.Decide(worst, req.Prompt, iteration-1)
				if decision.Strategy == domain.RetryGiveUp {
					log.WithField("reason", decision.Reason).Warn("retry policy gave up, skipping to hybrid fallback")
					break
				}
			}
		}

		if iteration >= o.sequentialAt {
			log.WithField("iteration", iteration).Warn("failed repeatedly, switching to sequential mode")
			steps := o.refiner.ParseRequestIntoSteps(req.Prompt)
			if len(steps) > 1 {
				log.WithField("steps", len(steps)).Info("breaking request into sequential operations")
				if final, ok := o.refiner.ExecuteSequential(ctx, steps, req.OriginalImageURL, req.OriginalImageBytes, o.maxStepAttempts); ok {
					return domain.ProcessResult{
						TaskID:         req.TaskID,
						Status:         domain.StatusSequential,
						FinalImageURL:  final.ImageURL,
						FinalImageData: final.ImageData,
						ModelUsed:      final.ModelName + " (sequential)",
						Iterations:     allIterations,
					}
				}
				log.Error("sequential mode also failed")
				break
			}
			log.Info("request is a single operation, cannot break down further")
		}

		if iteration < o.maxIterations {
			log.WithField("iteration", iteration).Info("no passing results, refining for next iteration")
			refinement, err := o.refiner.RefineWithFeedback(ctx, req.Prompt, req.OriginalImageURL, req.OriginalImageBytes, validated, req.AspectRatio, req.TaskType)
			if err != nil {
				log.WithField("error", err.Error()).Error("refinement failed, continuing to next iteration")
				continue
			}

			if refinement.Validated.Passed {
				log.WithField("model", refinement.Generated.ModelName).Info("refinement successful, returning immediately")
				return domain.ProcessResult{
					TaskID:         req.TaskID,
					Status:         domain.StatusSuccess,
					FinalImageURL:  refinement.Generated.ImageURL,
					FinalImageData: refinement.Generated.ImageData,
					ModelUsed:      refinement.Generated.ModelName,
					Iterations:     allIterations,
					FinalScore:     refinement.Validated.Score,
				}
			}

			currentPrompt = refinement.RefinedPrompt
			log.WithField("iteration", iteration).Info("refinement complete, continuing to next iteration")
		}
	}

	processingTime := time.Since(start)
	log.WithField("iterations", len(allIterations)).WithField("duration", processingTime).Warn("all iterations failed, triggering hybrid fallback")

	o.hybridFallback.TriggerHumanReview(ctx, req.TaskID, req.Prompt, len(allIterations), allValidations)

	return domain.ProcessResult{
		TaskID:     req.TaskID,
		Status:     domain.StatusHybridFallback,
		Iterations: allIterations,
		Error:      "exhausted all iterations without a passing result",
	}
}

func (o *Orchestrator) isCriticalFanoutFailure(err error) bool {
	var enhFailed *domain.AllEnhancementsFailed
	var genFailed *domain.AllGenerationsFailed
	return errors.As(err, &enhFailed) || errors.As(err, &genFailed)
}

func failedIterationMetrics(iteration int, start time.Time, err error) domain.IterationMetrics {
	return domain.IterationMetrics{
		IterationNumber: iteration,
		Duration:        time.Since(start),
		Errors:          []string{err.Error()},
	}
}

func feedbackFromFailures(validated []domain.ValidationResult) string {
	worst, ok := worstFailure(validated)
	if !ok {
		return ""
	}
	return fmt.Sprintf("Previous attempt failed (score %.1f/10). Issues: %s", worst.Score, strings.Join(worst.Issues, ", "))
}

// worstFailure returns the highest-scoring failing result, i.e. the
// closest miss, since that's the one most informative to a retry policy.
func worstFailure(validated []domain.ValidationResult) (domain.ValidationResult, bool) {
	var worst *domain.ValidationResult
	for i := range validated {
		if validated[i].Passed {
			continue
		}
		if worst == nil || validated[i].Score > worst.Score {
			worst = &validated[i]
		}
	}
	if worst == nil {
		return domain.ValidationResult{}, false
	}
	return *worst, true
}

func bestScore(validated []domain.ValidationResult) float64 {
	best := 0.0
	for _, v := range validated {
		if v.Passed && v.Score > best {
			best = v.Score
		}
	}
	return best
}

func countPassed(validated []domain.ValidationResult) int {
	n := 0
	for _, v := range validated {
		if v.Passed {
			n++
		}
	}
	return n
}

