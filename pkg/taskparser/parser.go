// Package taskparser turns a raw ClickUp task payload into a domain.ParsedTask
// by walking its custom fields. Parsing is pure and deterministic: it never
// calls out to a gateway, never errors, and a malformed or missing field
// degrades to a zero value rather than aborting the run.
package taskparser

import (
	"regexp"
	"strings"

	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/providers/clickup"
)

// fieldNames are the ClickUp custom field names this parser understands.
// Anything else on the task is ignored.
const (
	fieldTaskType         = "Task Type"
	fieldMainText         = "Main Text"
	fieldSecondaryText    = "Secondary Text"
	fieldFont             = "Font"
	fieldStyleDirection   = "Style Direction"
	fieldExtraNotes       = "Extra Notes"
	fieldBrandWebsite     = "Brand Website"
	fieldDimensions       = "Dimensions"
	fieldLogo             = "Logo"
	fieldMainImage        = "Main Image"
	fieldReferenceImages  = "Reference Images"
	fieldAdditionalImages = "Additional Images"
)

var aspectRatioPattern = regexp.MustCompile(`\d+:\d+`)

// Parser extracts a domain.ParsedTask from a clickup.Task.
type Parser struct{}

// New builds a Parser. It holds no state; every call is independent.
func New() *Parser {
	return &Parser{}
}

// Parse projects task's custom fields into a ParsedTask. It never returns
// an error: missing or malformed fields simply fall back to zero values,
// and the task defaults to an edit.
func (p *Parser) Parse(task clickup.Task) domain.ParsedTask {
	byName := make(map[string]clickup.CustomField, len(task.CustomFields))
	for _, f := range task.CustomFields {
		byName[f.Name] = f
	}

	parsed := domain.ParsedTask{
		TaskID:           task.ID,
		TaskType:         parseTaskType(byName[fieldTaskType]),
		MainText:         parseText(byName[fieldMainText]),
		SecondaryText:    parseText(byName[fieldSecondaryText]),
		Font:             parseText(byName[fieldFont]),
		StyleDirection:   parseText(byName[fieldStyleDirection]),
		ExtraNotes:       parseText(byName[fieldExtraNotes]),
		BrandWebsite:     parseText(byName[fieldBrandWebsite]),
		Dimensions:       parseLabels(byName[fieldDimensions]),
		Logo:             parseAttachments(byName[fieldLogo]),
		AdditionalImages: parseAttachments(byName[fieldAdditionalImages]),
		ReferenceImages:  parseAttachments(byName[fieldReferenceImages]),
	}

	if mainImages := parseAttachments(byName[fieldMainImage]); len(mainImages) > 0 {
		parsed.MainImage = mainImages[0]
	}
	parsed.AspectRatio = extractAspectRatio(parsed.Dimensions)
	parsed.Request = p.BuildPrompt(parsed)

	return parsed
}

func parseTaskType(field clickup.CustomField) domain.TaskType {
	if field.Value == nil {
		return domain.TaskTypeEdit
	}

	if name, ok := field.Value.(string); ok {
		if strings.EqualFold(strings.TrimSpace(name), "creative") {
			return domain.TaskTypeCreative
		}
		return domain.TaskTypeEdit
	}
	return domain.TaskTypeEdit
}

func parseText(field clickup.CustomField) string {
	if field.Value == nil {
		return ""
	}
	s, ok := field.Value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func parseLabels(field clickup.CustomField) []string {
	if field.Value == nil {
		return nil
	}
	raw, ok := field.Value.([]interface{})
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			labels = append(labels, s)
		}
	}
	return labels
}

func parseAttachments(field clickup.CustomField) []domain.ParsedAttachment {
	if field.Value == nil {
		return nil
	}
	raw, ok := field.Value.([]interface{})
	if !ok {
		return nil
	}

	attachments := make([]domain.ParsedAttachment, 0, len(raw))
	for _, v := range raw {
		item, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := item["url"].(string)
		if url == "" {
			continue
		}
		filename, _ := item["title"].(string)
		if filename == "" {
			filename = "image.png"
		}
		attachments = append(attachments, domain.ParsedAttachment{URL: url, Filename: filename})
	}
	return attachments
}

// extractAspectRatio picks the first dimension label that looks like a
// ratio (e.g. "Instagram Post (1:1)" -> "1:1"). Dimensions that don't
// encode a ratio are ignored; the gateway falls back to its own default.
func extractAspectRatio(dimensions []string) string {
	for _, d := range dimensions {
		if match := aspectRatioPattern.FindString(d); match != "" {
			return match
		}
	}
	return ""
}

// BuildPrompt renders parsed into the instruction text sent to the
// enhancer: a short instruction for edits, a fuller structured brief for
// creative generation.
func (p *Parser) BuildPrompt(parsed domain.ParsedTask) string {
	if parsed.IsEdit() {
		return buildEditPrompt(parsed)
	}
	return buildCreativePrompt(parsed)
}

func buildEditPrompt(parsed domain.ParsedTask) string {
	var parts []string
	if parsed.ExtraNotes != "" {
		parts = append(parts, parsed.ExtraNotes)
	} else {
		parts = append(parts, "Edit this image as requested.")
	}
	if parsed.MainText != "" {
		parts = append(parts, "Text to add/change: "+parsed.MainText)
	}
	return strings.Join(parts, "\n")
}

func buildCreativePrompt(parsed domain.ParsedTask) string {
	var parts []string

	if len(parsed.Dimensions) > 0 {
		parts = append(parts, "Create marketing graphics in these dimensions: "+strings.Join(parsed.Dimensions, ", "))
	} else {
		parts = append(parts, "Create a marketing graphic.")
	}

	if parsed.MainText != "" {
		parts = append(parts, "\nPrimary text: \""+parsed.MainText+"\"")
	}
	if parsed.SecondaryText != "" {
		parts = append(parts, "Secondary text: \""+parsed.SecondaryText+"\"")
	}
	if parsed.Font != "" {
		parts = append(parts, "\nFont: "+parsed.Font)
	}
	if parsed.StyleDirection != "" {
		parts = append(parts, "\nStyle direction: "+parsed.StyleDirection)
	}
	if parsed.ExtraNotes != "" {
		parts = append(parts, "\nAdditional instructions: "+parsed.ExtraNotes)
	}
	if len(parsed.ReferenceImages) > 0 {
		parts = append(parts, "\nReference images provided for style/layout guidance.")
	}

	return strings.Join(parts, "\n")
}
