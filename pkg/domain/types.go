// Package domain holds the value types shared across the pipeline: parsed
// tasks, enhanced prompts, generated images, validation results, and the
// per-iteration/per-run outcomes the orchestrator assembles.
package domain

import "time"

// TaskType distinguishes an image edit from a from-scratch creative
// generation; it changes which prompt template and validation rubric are
// used.
type TaskType string

const (
	TaskTypeEdit     TaskType = "edit"
	TaskTypeCreative TaskType = "creative"
)

// ParsedAttachment is a single image reference pulled off a work-tracker
// task.
type ParsedAttachment struct {
	URL      string
	Filename string
}

// ParsedTask is the deterministic projection of a raw work-tracker task
// into the fields the pipeline needs. TaskParser never errors; a malformed
// payload yields a zero-value ParsedTask of type edit.
type ParsedTask struct {
	TaskID          string
	TaskType        TaskType
	Request         string
	MainText        string
	SecondaryText   string
	Font            string
	StyleDirection  string
	ExtraNotes      string
	BrandWebsite    string
	Dimensions      []string
	AspectRatio     string
	Logo            []ParsedAttachment
	MainImage       ParsedAttachment
	AdditionalImages []ParsedAttachment
	ReferenceImages  []ParsedAttachment
}

// AllImages returns every attached image, main first, then additional,
// then reference, in that fixed order.
func (t ParsedTask) AllImages() []ParsedAttachment {
	all := make([]ParsedAttachment, 0, 1+len(t.AdditionalImages)+len(t.ReferenceImages))
	if t.MainImage.URL != "" {
		all = append(all, t.MainImage)
	}
	all = append(all, t.AdditionalImages...)
	all = append(all, t.ReferenceImages...)
	return all
}

// GenerationImages returns the images that feed the image-editing gateway.
// Reference images are deliberately excluded: they inform the prompt, not
// the pixels being edited.
func (t ParsedTask) GenerationImages() []ParsedAttachment {
	imgs := make([]ParsedAttachment, 0, 1+len(t.AdditionalImages))
	if t.MainImage.URL != "" {
		imgs = append(imgs, t.MainImage)
	}
	imgs = append(imgs, t.AdditionalImages...)
	return imgs
}

// IsEdit reports whether this task edits an existing image.
func (t ParsedTask) IsEdit() bool {
	return t.TaskType == TaskTypeEdit
}

// IsCreative reports whether this task generates from scratch.
func (t ParsedTask) IsCreative() bool {
	return t.TaskType == TaskTypeCreative
}

// EnhancedPrompt is one candidate model's rewritten prompt.
type EnhancedPrompt struct {
	ModelName string
	Text      string
}

// GeneratedImage is one candidate model's rendered output.
type GeneratedImage struct {
	ModelName string
	ImageURL  string
	ImageData []byte
}

// ValidationStatus distinguishes a scored judgement from a validator-side
// failure to produce one. A content/parse failure is still a valid,
// never-raised ValidationResult (status=error, passed=false, score=0); it
// is system errors (a failed gateway call) that propagate as Go errors
// instead.
type ValidationStatus string

const (
	ValidationStatusPass  ValidationStatus = "pass"
	ValidationStatusFail  ValidationStatus = "fail"
	ValidationStatusError ValidationStatus = "error"
)

// ValidationConfidence reports how much the validation layer trusts its
// own verdict. Only StrictDualValidator sets this, from claude/gpt-4-turbo
// agreement; a single-model validator leaves it at the zero value, which
// SmartRetry's low-confidence check never matches.
type ValidationConfidence string

const (
	ConfidenceHigh ValidationConfidence = "HIGH"
	ConfidenceLow  ValidationConfidence = "LOW"
)

// ValidationResult is a single model's judgement of a GeneratedImage
// against the original request.
type ValidationResult struct {
	ModelName  string
	Score      float64
	Passed     bool
	Status     ValidationStatus
	Confidence ValidationConfidence
	Issues     []string
}

// IterationMetrics summarizes what happened during one loop iteration, for
// observability and for the final ProcessResult.
type IterationMetrics struct {
	IterationNumber       int
	EnhancementsSuccessful int
	GenerationsSuccessful  int
	ValidationsPassed      int
	BestScore              float64
	Duration               time.Duration
	Errors                 []string
}

// ProcessStatus is the terminal outcome of a full pipeline run.
type ProcessStatus string

const (
	StatusSuccess        ProcessStatus = "success"
	StatusSequential      ProcessStatus = "success_sequential"
	StatusHybridFallback ProcessStatus = "hybrid_fallback"
	StatusFailed         ProcessStatus = "failed"
)

// ProcessResult is the final outcome the orchestrator returns for one task.
type ProcessResult struct {
	TaskID          string
	Status          ProcessStatus
	FinalImageURL   string
	FinalImageData  []byte
	ModelUsed       string
	Iterations      []IterationMetrics
	FinalScore      float64
	Error           string
}

// RefineResult is what one clean-prompt enhance→generate→validate cycle
// produced, whether invoked directly by the orchestrator or by sequential
// decomposition.
type RefineResult struct {
	Enhanced      EnhancedPrompt
	Generated     GeneratedImage
	Validated     ValidationResult
	RefinedPrompt string
}

// RetryStrategy is the action SmartRetry recommends after a failed
// iteration.
type RetryStrategy string

const (
	RetryNoRetry     RetryStrategy = "no_retry"
	RetryIncremental RetryStrategy = "incremental"
	RetryFullRestart RetryStrategy = "full_restart"
	RetryGiveUp      RetryStrategy = "give_up"
)

// EditComplexity classifies how much a request is asking for, used to pick
// a retry strategy.
type EditComplexity string

const (
	ComplexitySimple   EditComplexity = "simple"
	ComplexityModerate EditComplexity = "moderate"
	ComplexityComplex  EditComplexity = "complex"
)

// RetryDecision is SmartRetry's recommendation for the next iteration.
type RetryDecision struct {
	Strategy         RetryStrategy
	Reason           string
	RetryPrompt      string
	UseOriginalImage bool
	IssuesToFocus    []string
}

// SequentialStep is one atomic operation split out of a compound request by
// the Refiner's sequential decomposition.
type SequentialStep struct {
	Operation      string
	Preservation   string
}

// Prompt renders the step back into a single instruction.
func (s SequentialStep) Prompt() string {
	return s.Operation + ". " + s.Preservation
}
