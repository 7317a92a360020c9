// Package hybridfallback escalates a task to human review after the
// automated loop exhausts its retries, by moving the ClickUp task to a
// blocked status with a summary comment. It never propagates a failure
// back to the orchestrator: a broken notification channel must not take
// down an otherwise-complete run.
package hybridfallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
)

const blockedStatus = "blocked"

// ClickUpClient is the subset of clickup.Client the fallback needs.
type ClickUpClient interface {
	UpdateTaskStatus(ctx context.Context, taskID, status, comment string) error
}

// HybridFallback escalates a failed run to a human reviewer.
type HybridFallback struct {
	client ClickUpClient
	store  config.RemoteStore
	logger *logrus.Logger
}

// New builds a HybridFallback. store supplies the comment template, with
// a bundled default used when the remote store has none configured.
func New(client ClickUpClient, store config.RemoteStore, logger *logrus.Logger) *HybridFallback {
	return &HybridFallback{client: client, store: store, logger: logger}
}

// FormatIssues renders every failed validation's issues into a
// human-readable, deduplicated, model-prefixed bullet list.
func (h *HybridFallback) FormatIssues(failedResults []domain.ValidationResult) string {
	seen := make(map[string]struct{})
	var lines []string
	for _, result := range failedResults {
		if result.Passed {
			continue
		}
		for _, issue := range result.Issues {
			trimmed := strings.TrimSpace(issue)
			lower := strings.ToLower(trimmed)
			if trimmed == "" || lower == "none" || lower == "n/a" {
				continue
			}
			line := fmt.Sprintf("[%s] %s", result.ModelName, trimmed)
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 {
		return "- Quality standards not met (specific issues not captured)"
	}

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("- " + line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// TriggerHumanReview moves taskID to a blocked status with a comment
// summarizing why the automated loop gave up. Failures talking to the
// work tracker are logged, not returned: a human will eventually notice a
// stuck task regardless, and crashing here would discard a completed
// (if unsuccessful) run.
func (h *HybridFallback) TriggerHumanReview(ctx context.Context, taskID, originalPrompt string, iterationsAttempted int, failedResults []domain.ValidationResult) {
	issuesSummary := h.FormatIssues(failedResults)
	modelNames := uniqueModelNames(failedResults)

	template := config.GetWithFallback(ctx, h.store, "prompts:hybrid_fallback_comment", defaultFallbackTemplate)
	comment := renderTemplate(template, map[string]string{
		"iterations_attempted": fmt.Sprintf("%d", iterationsAttempted),
		"original_prompt":      originalPrompt,
		"issues_summary":       issuesSummary,
		"model_names":          modelNames,
	})

	if err := h.client.UpdateTaskStatus(ctx, taskID, blockedStatus, comment); err != nil {
		h.logger.WithField("task_id", taskID).WithField("error", err.Error()).Error("failed to trigger hybrid fallback")
		return
	}
	h.logger.WithField("task_id", taskID).Info("hybrid fallback triggered successfully")
}

func uniqueModelNames(results []domain.ValidationResult) string {
	seen := make(map[string]struct{})
	var names []string
	for _, r := range results {
		if _, ok := seen[r.ModelName]; ok {
			continue
		}
		seen[r.ModelName] = struct{}{}
		names = append(names, r.ModelName)
	}
	return strings.Join(names, ", ")
}

func renderTemplate(template string, values map[string]string) string {
	out := template
	for key, value := range values {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

const defaultFallbackTemplate = `🤖 **AI Agent - Hybrid Fallback Triggered**

**Status:** Requires Human Review

This task was attempted {iterations_attempted} time(s) by the automated pipeline but did not pass validation.

**Original request:**
{original_prompt}

**Models attempted:** {model_names}

**Issues found:**
{issues_summary}

Please review the attached candidates and either approve the closest match or provide corrected instructions.`
