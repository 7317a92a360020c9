// Package promptenhancer rewrites a user's raw request into a model-tuned
// prompt, fanning out across every configured image model in parallel.
package promptenhancer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/imageutil"
	"github.com/jordigilh/imageeditagent/pkg/providers/openrouter"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

const reasoningModel = "anthropic/claude-3.7-sonnet"

// Enhancer rewrites prompts for every configured image model via the
// reasoning gateway.
type Enhancer struct {
	client      *openrouter.Client
	store       config.RemoteStore
	modelNames  []string
	logger      *logrus.Logger
}

// New builds an Enhancer that targets modelNames, one enhanced prompt per
// model, pulling per-model deep-research guidance from store.
func New(client *openrouter.Client, store config.RemoteStore, modelNames []string, logger *logrus.Logger) *Enhancer {
	return &Enhancer{client: client, store: store, modelNames: modelNames, logger: logger}
}

// deepResearch loads activation + research guidance for model fresh on
// every call, so edits made in the dashboard take effect without a
// redeploy.
func (e *Enhancer) deepResearch(ctx context.Context, modelName string) string {
	activation := config.GetWithFallback(ctx, e.store, "deep_research:"+modelName+":activation", "")
	research := config.GetWithFallback(ctx, e.store, "deep_research:"+modelName+":research", "")
	if activation == "" && research == "" {
		e.logger.WithFields(logging.ModelFields("enhance", modelName).ToLogrus()).Warn("no deep research configured for model")
		return ""
	}
	return activation + "\n\n" + research
}

// fontsGuide loads the shared font-translation guide used to keep
// requested font names consistent across enhancement and validation.
func (e *Enhancer) fontsGuide(ctx context.Context) string {
	return config.GetWithFallback(ctx, e.store, "fonts_guide", "")
}

// EnhanceSingle enhances originalPrompt for one model, optionally citing
// previousFeedback from a failed validation so the rewrite addresses it
// directly.
func (e *Enhancer) EnhanceSingle(ctx context.Context, originalPrompt, modelName string, images [][]byte, previousFeedback string) (domain.EnhancedPrompt, error) {
	research := e.deepResearch(ctx, modelName)

	systemText := fmt.Sprintf(
		"You are a prompt engineer specializing in the %s image model. Rewrite the user's request into a precise, model-tuned instruction. Preserve every detail the user asked for; add the technical phrasing this model responds best to.\n\nFont guide:\n{fonts_guide}",
		modelName,
	)
	systemText = strings.ReplaceAll(systemText, "{fonts_guide}", e.fontsGuide(ctx))
	if research != "" {
		systemText += "\n\nModel-specific guidance:\n" + research
	}

	userText := "Original request: " + originalPrompt
	if previousFeedback != "" {
		userText += "\n\nThe previous attempt was rejected for this reason, fix it: " + previousFeedback
	}

	content := []openrouter.ContentPart{openrouter.TextContent(userText)}
	for _, img := range images {
		content = append(content, openrouter.ImageContent(imageutil.EncodeBase64(img, imageutil.DetectMIMEType(img))))
	}

	messages := []openrouter.ChatMessage{
		{Role: "system", Content: []openrouter.ContentPart{openrouter.TextContent(systemText)}},
		{Role: "user", Content: content},
	}

	enhanced, err := e.client.Chat(ctx, reasoningModel, messages, openrouter.ChatOptions{
		Semaphore:   openrouter.SemaphoreEnhancement,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		e.logger.WithFields(logging.ModelFields("enhance", modelName).Error(err).ToLogrus()).Error("enhancement failed")
		return domain.EnhancedPrompt{}, err
	}

	lines := strings.Split(strings.TrimSpace(enhanced), "\n")
	for len(lines) > 1 {
		first := strings.TrimSpace(lines[0])
		if !strings.HasPrefix(first, "```") && !strings.HasPrefix(first, "#") {
			break
		}
		lines = lines[1:]
	}
	text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(strings.Join(lines, "\n")), "```"))

	return domain.EnhancedPrompt{ModelName: modelName, Text: text}, nil
}

// EnhanceAllParallel enhances originalPrompt for every configured model
// concurrently, returning the successful subset. It fails only when every
// model's enhancement failed.
func (e *Enhancer) EnhanceAllParallel(ctx context.Context, originalPrompt string, images [][]byte, previousFeedback string) ([]domain.EnhancedPrompt, error) {
	results := make([]domain.EnhancedPrompt, len(e.modelNames))
	errs := make([]error, len(e.modelNames))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, modelName := range e.modelNames {
		i, modelName := i, modelName
		g.Go(func() error {
			enhanced, err := e.EnhanceSingle(gctx, originalPrompt, modelName, images, previousFeedback)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = enhanced
			return nil
		})
	}
	_ = g.Wait()

	var successful []domain.EnhancedPrompt
	failures := make(map[string]error)
	for i, modelName := range e.modelNames {
		if errs[i] != nil {
			failures[modelName] = errs[i]
			continue
		}
		successful = append(successful, results[i])
	}

	if len(successful) == 0 {
		return nil, &domain.AllEnhancementsFailed{Failures: failures}
	}

	e.logger.WithFields(logging.Fields{}.
		Custom("successful", len(successful)).
		Custom("failed", len(failures)).
		ToLogrus()).Info("parallel enhancement complete")

	return successful, nil
}
