// Command agent runs the image-edit pipeline's webhook listener: it wires
// the reasoning, image-editing, and work-tracker gateway clients into the
// bounded refinement loop and serves the ClickUp webhook over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jordigilh/imageeditagent/internal/config"
	"github.com/jordigilh/imageeditagent/pkg/hybridfallback"
	"github.com/jordigilh/imageeditagent/pkg/imagegenerator"
	"github.com/jordigilh/imageeditagent/pkg/integration/webhook"
	"github.com/jordigilh/imageeditagent/pkg/orchestrator"
	"github.com/jordigilh/imageeditagent/pkg/promptenhancer"
	"github.com/jordigilh/imageeditagent/pkg/providers/clickup"
	"github.com/jordigilh/imageeditagent/pkg/providers/openrouter"
	"github.com/jordigilh/imageeditagent/pkg/providers/wavespeed"
	"github.com/jordigilh/imageeditagent/pkg/refiner"
	"github.com/jordigilh/imageeditagent/pkg/smartretry"
	"github.com/jordigilh/imageeditagent/pkg/tasklock"
	"github.com/jordigilh/imageeditagent/pkg/taskparser"
	"github.com/jordigilh/imageeditagent/pkg/validator"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "agent",
		Short: "Serves the automated image-edit webhook and runs the refinement loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the agent's YAML configuration")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	watcher, err := config.NewWatcher(configPath, newLogger(logrus.InfoLevel))
	if err != nil {
		return err
	}
	defer watcher.Close()

	cfg := watcher.Current()
	logger := newLogger(logLevel(cfg.Logging.Level))

	store := buildRemoteStore(cfg, logger)

	reasoningClient := openrouter.NewClient(cfg.Providers.Reasoning, cfg.RateLimit, logger)
	imageEditClient := wavespeed.NewClient(cfg.Providers.ImageEditing, logger)
	workTrackerClient := clickup.NewClient(cfg.Providers.WorkTracker, logger)

	modelNames := make([]string, 0, len(cfg.Models))
	modelRegistry := make(map[string]config.ModelSpec, len(cfg.Models))
	for _, m := range cfg.Models {
		modelNames = append(modelNames, m.LogicalName)
		modelRegistry[m.LogicalName] = m
	}

	enhancer := promptenhancer.New(reasoningClient, store, modelNames, logger)
	generator := imagegenerator.New(imageEditClient, modelRegistry, logger)
	validatorImpl := validator.NewStandard(reasoningClient, store, int(cfg.Iteration.ValidationPassThreshold), logger)
	refinerImpl := refiner.New(enhancer, generator, validatorImpl, cfg.Locale, logger)
	fallback := hybridfallback.New(workTrackerClient, store, logger)
	retryPolicy := smartretry.NewPolicy(cfg.Iteration.MaxRetries, cfg.Iteration.IncrementalThreshold, cfg.Iteration.CatastrophicThreshold, logger)

	orch := orchestrator.New(
		enhancer,
		generator,
		validatorImpl,
		refinerImpl,
		fallback,
		cfg.Iteration.MaxIterations,
		cfg.Iteration.MaxStepAttempts,
		cfg.Iteration.SequentialTrigger,
		logger,
		orchestrator.WithRetryPolicy(retryPolicy),
	)

	lock := tasklock.New(cfg.Lock.TTL, time.Duration(cfg.Lock.CleanupInterval)*time.Second)
	defer lock.Close()

	parser := taskparser.New()
	webhookHandler := webhook.NewHandler(workTrackerClient, parser, lock, orch, cfg.Webhook, logger)

	router := chi.NewRouter()
	router.Post(cfg.Webhook.Path, webhookHandler.HandleWebhook)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.WebhookPort,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("starting webhook server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutdown signal received, draining connections")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func buildRemoteStore(cfg *config.Config, logger *logrus.Logger) config.RemoteStore {
	if cfg.Remote.Addr == "" {
		logger.Warn("no remote config store configured, using bundled defaults only")
		return config.NewStaticStore(nil)
	}
	return config.NewRedisStore(cfg.Remote)
}

func newLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

func logLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
