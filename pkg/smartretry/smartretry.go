// Package smartretry classifies a failed validation and recommends how
// the next iteration should proceed: no retry, an incremental fix on the
// edited image, a full restart from the original, or giving up.
package smartretry

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/pkg/domain"
)

var operationKeywords = []string{
	"move", "resize", "change", "add", "remove", "replace",
	"shift", "rotate", "flip", "crop", "scale", "adjust",
}

var complexIndicators = []string{
	"multiple", "several", "all", "entire", "whole",
	"everywhere", "throughout", "completely", "redesign",
}

var structuralDamageKeywords = []string{
	"distort", "warp", "corrupt", "damage", "quality loss",
	"blur", "artifact", "degrade", "merge", "pixel",
}

// Policy decides the retry strategy for a failed iteration.
type Policy struct {
	maxRetries            int
	incrementalThreshold  float64
	catastrophicThreshold float64
	logger                *logrus.Logger
}

// NewPolicy builds a Policy. maxRetries retries beyond this count always
// give up; incrementalThreshold is the score above which a close result
// gets a surgical fix instead of a restart; catastrophicThreshold is the
// score below which a restart is forced regardless of complexity.
func NewPolicy(maxRetries int, incrementalThreshold, catastrophicThreshold float64, logger *logrus.Logger) *Policy {
	return &Policy{
		maxRetries:            maxRetries,
		incrementalThreshold:  incrementalThreshold,
		catastrophicThreshold: catastrophicThreshold,
		logger:                logger,
	}
}

// Decide recommends the next action for one failed (or passed) iteration.
// retryCount is the number of retries already spent (0 on the first
// attempt).
func (p *Policy) Decide(result domain.ValidationResult, editRequest string, retryCount int) domain.RetryDecision {
	if retryCount >= p.maxRetries {
		p.logger.WithField("attempts", retryCount+1).Warn("max retries exceeded, giving up")
		return domain.RetryDecision{
			Strategy: domain.RetryGiveUp,
			Reason:   fmt.Sprintf("max retries (%d) exceeded", p.maxRetries),
			IssuesToFocus: result.Issues,
		}
	}

	if result.Passed {
		return domain.RetryDecision{
			Strategy: domain.RetryNoRetry,
			Reason:   fmt.Sprintf("validation passed with score %.1f/10", result.Score),
		}
	}

	complexity := ClassifyComplexity(editRequest)

	if result.Score < p.catastrophicThreshold {
		return p.fullRestart("catastrophic damage detected", result)
	}
	if result.Score >= p.incrementalThreshold {
		return p.incremental("score close to threshold, small adjustments needed", result)
	}

	switch {
	case complexity == domain.ComplexitySimple:
		return p.fullRestart("simple edit should not fail this badly", result)
	case HasStructuralDamage(result.Issues):
		return p.fullRestart("structural damage detected (logo/quality issues)", result)
	case result.Confidence == domain.ConfidenceLow:
		return p.fullRestart("low-confidence validation, restarting to be safe", result)
	default:
		return p.incremental("moderate issues in complex edit, try incremental fix", result)
	}
}

func (p *Policy) incremental(reason string, result domain.ValidationResult) domain.RetryDecision {
	prompt := fmt.Sprintf(
		"RETRY INSTRUCTIONS - Incremental Fix:\nPrevious attempt scored %.1f/10. Close but not perfect.\n\nIssues to fix:\n%s\n\nIMPORTANT:\n- The image is %.0f%% correct\n- Make ONLY the specific changes needed to fix the issues above\n- Preserve everything else exactly as-is\n- Be surgical and precise",
		result.Score, formatIssues(result.Issues), result.Score/10*100,
	)
	p.logger.WithField("score", result.Score).Info("strategy: incremental, using edited image")
	return domain.RetryDecision{
		Strategy:         domain.RetryIncremental,
		Reason:           reason,
		RetryPrompt:      prompt,
		UseOriginalImage: false,
		IssuesToFocus:    result.Issues,
	}
}

func (p *Policy) fullRestart(reason string, result domain.ValidationResult) domain.RetryDecision {
	prompt := fmt.Sprintf(
		"RETRY INSTRUCTIONS - Full Restart:\nPrevious attempt scored %.1f/10. Starting from original image.\n\nCritical issues from previous attempt:\n%s\n\nCRITICAL WARNINGS:\n- Pay special attention to the issues listed above\n- Previous attempt had major problems - be extra careful\n- Preserve logo quality pixel-perfect (no distortion)\n- Make ONLY the requested changes, nothing else",
		result.Score, formatIssues(result.Issues),
	)
	p.logger.WithField("score", result.Score).WithField("reason", reason).Info("strategy: full restart, using original image")
	return domain.RetryDecision{
		Strategy:         domain.RetryFullRestart,
		Reason:           reason,
		RetryPrompt:      prompt,
		UseOriginalImage: true,
		IssuesToFocus:    result.Issues,
	}
}

func formatIssues(issues []string) string {
	var sb strings.Builder
	for _, issue := range issues {
		if issue == "No issues found" {
			continue
		}
		sb.WriteString("- " + issue + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ClassifyComplexity estimates how much a request is asking for, based on
// the count of operation verbs, the presence of scope words like "all" or
// "entire", and overall length.
func ClassifyComplexity(request string) domain.EditComplexity {
	lower := strings.ToLower(request)

	operationCount := 0
	for _, kw := range operationKeywords {
		if strings.Contains(lower, kw) {
			operationCount++
		}
	}

	hasComplexIndicator := false
	for _, ind := range complexIndicators {
		if strings.Contains(lower, ind) {
			hasComplexIndicator = true
			break
		}
	}

	wordCount := len(strings.Fields(request))

	switch {
	case operationCount <= 1 && wordCount < 15 && !hasComplexIndicator:
		return domain.ComplexitySimple
	case operationCount <= 3 && wordCount < 30:
		return domain.ComplexityModerate
	default:
		return domain.ComplexityComplex
	}
}

// HasStructuralDamage reports whether any issue describes visual
// corruption (distortion, blur, artifacting) rather than a content miss.
func HasStructuralDamage(issues []string) bool {
	joined := strings.ToLower(strings.Join(issues, " "))
	for _, kw := range structuralDamageKeywords {
		if strings.Contains(joined, kw) {
			return true
		}
	}
	return false
}
