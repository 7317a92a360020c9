package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
webhook:
  port: "8080"
  path: "/webhook"
  trigger_field: "ready_for_ai"

providers:
  reasoning:
    base_url: "https://openrouter.ai/api/v1"
    timeout: "120s"
  image_editing:
    base_url: "https://api.wavespeed.ai/api/v3"
    timeout: "120s"
  work_tracker:
    base_url: "https://api.clickup.com/api/v2"
    timeout: "30s"

iteration:
  max_iterations: 3
  max_step_attempts: 2
  validation_pass_threshold: 8

rate_limit:
  enhancement: 3
  validation: 2
  validation_delay_seconds: 2

logging:
  level: "info"
  format: "json"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Webhook.Port).To(Equal("8080"))
				Expect(config.Webhook.Path).To(Equal("/webhook"))
				Expect(config.Webhook.TriggerField).To(Equal("ready_for_ai"))

				Expect(config.Providers.Reasoning.BaseURL).To(Equal("https://openrouter.ai/api/v1"))
				Expect(config.Providers.Reasoning.Timeout).To(Equal(120 * time.Second))
				Expect(config.Providers.ImageEditing.BaseURL).To(Equal("https://api.wavespeed.ai/api/v3"))
				Expect(config.Providers.WorkTracker.Timeout).To(Equal(30 * time.Second))

				Expect(config.Iteration.MaxIterations).To(Equal(3))
				Expect(config.Iteration.MaxStepAttempts).To(Equal(2))
				Expect(config.Iteration.ValidationPassThreshold).To(Equal(8.0))

				Expect(config.RateLimit.Enhancement).To(Equal(3))
				Expect(config.RateLimit.Validation).To(Equal(2))

				Expect(config.Logging.Level).To(Equal("info"))
				Expect(config.Logging.Format).To(Equal("json"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
webhook:
  port: "3000"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Webhook.Port).To(Equal("3000"))
				Expect(config.Iteration.MaxIterations).To(Equal(3))
				Expect(config.RateLimit.Enhancement).To(Equal(3))
				Expect(config.Providers.Reasoning.BaseURL).To(Equal("https://openrouter.ai/api/v1"))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
webhook:
  port: "8080"
  invalid_yaml: [
providers:
  reasoning:
    base_url: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
webhook:
  port: "8080"

providers:
  reasoning:
    base_url: "https://openrouter.ai/api/v1"
    timeout: "invalid-duration"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = defaultConfig()
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when webhook port is empty", func() {
			BeforeEach(func() {
				config.Webhook.Port = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("webhook port is required"))
			})
		})

		Context("when validation pass threshold is out of range", func() {
			BeforeEach(func() {
				config.Iteration.ValidationPassThreshold = 15
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("validation pass threshold must be between 0 and 10"))
			})
		})

		Context("when max iterations is invalid", func() {
			BeforeEach(func() {
				config.Iteration.MaxIterations = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max iterations must be greater than 0"))
			})
		})

		Context("when enhancement rate limit is invalid", func() {
			BeforeEach(func() {
				config.RateLimit.Enhancement = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("enhancement rate limit must be greater than 0"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = &Config{}
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("WEBHOOK_PORT", "3000")
				os.Setenv("METRICS_PORT", "9999")
				os.Setenv("LOG_LEVEL", "debug")
				os.Setenv("OPENROUTER_API_KEY", "sk-test")
				os.Setenv("MAX_ITERATIONS", "5")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Webhook.Port).To(Equal("3000"))
				Expect(config.Server.MetricsPort).To(Equal("9999"))
				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Providers.Reasoning.APIKey).To(Equal("sk-test"))
				Expect(config.Iteration.MaxIterations).To(Equal(5))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})
	})

	Describe("GetModelSpec", func() {
		It("looks models up by logical name, never by substring", func() {
			config := &Config{Models: []ModelSpec{
				{LogicalName: "qwen-edit-plus", RemotePath: "wavespeed-ai/qwen-edit-plus"},
			}}

			spec, ok := config.GetModelSpec("qwen-edit-plus")
			Expect(ok).To(BeTrue())
			Expect(spec.RemotePath).To(Equal("wavespeed-ai/qwen-edit-plus"))

			_, ok = config.GetModelSpec("qwen")
			Expect(ok).To(BeFalse())
		})
	})
})
