// Package imagegenerator renders edited/generated images through the
// image-editing gateway, one model per enhanced prompt, in parallel and
// isolated from each other's failures.
package imagegenerator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/domain"
	"github.com/jordigilh/imageeditagent/pkg/providers/wavespeed"
	"github.com/jordigilh/imageeditagent/pkg/shared/logging"
)

// Generator renders images via the image-editing gateway.
type Generator struct {
	client *wavespeed.Client
	models map[string]config.ModelSpec
	logger *logrus.Logger
}

// New builds a Generator. models maps a logical model name (as used in
// domain.EnhancedPrompt.ModelName) to its gateway ModelSpec.
func New(client *wavespeed.Client, models map[string]config.ModelSpec, logger *logrus.Logger) *Generator {
	return &Generator{client: client, models: models, logger: logger}
}

// GenerateSingle renders one enhanced prompt against imageURLs.
func (g *Generator) GenerateSingle(ctx context.Context, enhanced domain.EnhancedPrompt, imageURLs []string, aspectRatio string) (domain.GeneratedImage, error) {
	spec, ok := g.models[enhanced.ModelName]
	if !ok {
		g.logger.WithFields(logging.ModelFields("generate", enhanced.ModelName).ToLogrus()).Error("no model spec registered for logical name")
		return domain.GeneratedImage{}, errModelNotRegistered(enhanced.ModelName)
	}

	result, err := g.client.Generate(ctx, wavespeed.Request{
		Prompt:      enhanced.Text,
		ImageURLs:   imageURLs,
		ModelSpec:   spec,
		AspectRatio: aspectRatio,
	})
	if err != nil {
		g.logger.WithFields(logging.ModelFields("generate", enhanced.ModelName).Error(err).ToLogrus()).Error("generation failed")
		return domain.GeneratedImage{}, err
	}

	return domain.GeneratedImage{
		ModelName: enhanced.ModelName,
		ImageURL:  result.ImageURL,
		ImageData: result.ImageData,
	}, nil
}

// GenerateAllParallel renders every enhanced prompt concurrently, returning
// the successful subset. It fails only when every model's render failed.
func (g *Generator) GenerateAllParallel(ctx context.Context, enhancedPrompts []domain.EnhancedPrompt, imageURLs []string, aspectRatio string) ([]domain.GeneratedImage, error) {
	results := make([]domain.GeneratedImage, len(enhancedPrompts))
	errs := make([]error, len(enhancedPrompts))

	eg, egctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, enhanced := range enhancedPrompts {
		i, enhanced := i, enhanced
		eg.Go(func() error {
			generated, err := g.GenerateSingle(egctx, enhanced, imageURLs, aspectRatio)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = generated
			return nil
		})
	}
	_ = eg.Wait()

	var successful []domain.GeneratedImage
	failures := make(map[string]error)
	for i, enhanced := range enhancedPrompts {
		if errs[i] != nil {
			failures[enhanced.ModelName] = errs[i]
			continue
		}
		successful = append(successful, results[i])
	}

	if len(successful) == 0 {
		return nil, &domain.AllGenerationsFailed{Failures: failures}
	}

	g.logger.WithFields(logging.Fields{}.
		Custom("successful", len(successful)).
		Custom("failed", len(failures)).
		ToLogrus()).Info("parallel generation complete")

	return successful, nil
}

type modelNotRegisteredError struct {
	modelName string
}

func (e *modelNotRegisteredError) Error() string {
	return "no model spec registered for logical name: " + e.modelName
}

func errModelNotRegistered(modelName string) error {
	return &modelNotRegisteredError{modelName: modelName}
}
