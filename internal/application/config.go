package application

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// Template keys resolved through TemplateConfig.Names.
const (
	TemplateComplianceEval         = "compliance_eval"
	TemplateComplianceEvalWithDocs = "compliance_eval_with_docs"
	TemplateAggregator             = "aggregator"
)

// AppConfig is the complete service configuration and serves as the
// primary configuration entry point for the guardrail process.
// AppConfig is read from an optional YAML file and then overlaid with
// environment variables; see LoadConfig and ApplyEnv.
type AppConfig struct {
	// DefaultUseCase is used when a request carries no use_case_id.
	DefaultUseCase string `yaml:"default_use_case" validate:"required"`
	// RulesDir is the directory rule files are resolved against.
	RulesDir string `yaml:"rules_dir" validate:"required"`
	// UseCases maps a use case id to its rule file and task header.
	UseCases map[string]UseCaseConfig `yaml:"use_cases" validate:"required,min=1,dive"`
	// WatchRules enables hot reload of rule files under RulesDir.
	WatchRules bool `yaml:"watch_rules"`
	// LLM configures the provider and transport middleware.
	LLM LLMConfig `yaml:"llm"`
	// Templates configures where evaluation templates are read from.
	Templates TemplateConfig `yaml:"templates"`
	// Limits bounds request size and evaluation concurrency.
	Limits LimitsConfig `yaml:"limits"`
	// LogDir receives per-request stage logs. Empty disables file logs.
	LogDir string `yaml:"log_dir"`
	// LogLevel is the zap level for the process logger.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// HTTPAddr is the listen address for the HTTP server.
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	// Tracing configures the OpenTelemetry exporter.
	Tracing TracingConfig `yaml:"tracing"`
	// Evaluation configures the ground-truth evaluation harness.
	Evaluation EvaluationConfig `yaml:"evaluation"`
}

// UseCaseConfig binds a use case to its rule file and the task header
// injected into every evaluation prompt for that use case.
type UseCaseConfig struct {
	// File is the rule file name, relative to RulesDir.
	File string `yaml:"file" validate:"required"`
	// TaskTemplate is substituted for {task} in evaluation templates.
	TaskTemplate string `yaml:"task_template" validate:"required"`
}

// LLMConfig selects the LLM provider and tunes the request options and
// resilience middleware wrapped around it.
type LLMConfig struct {
	// Provider is one of openai, azure, anthropic, google.
	Provider string `yaml:"provider" validate:"required,provider"`
	// Model is the model id. For azure it is the deployment name.
	Model string `yaml:"model"`
	// APIKey authenticates with the provider.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// Temperature is passed on every completion.
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=1"`
	// MaxTokens caps completion length. Zero leaves it to the provider.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0"`
	// TimeoutSeconds bounds each individual LLM call.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gt=0,lte=3600"`
	// MaxRetries is the retry budget for retryable provider errors.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
	// RequestsPerSecond rate limits calls to the provider. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	// Burst is the rate limiter bucket size.
	Burst int `yaml:"burst" validate:"gte=0"`
	// CircuitBreakerFailures opens the breaker after this many
	// consecutive failures. Zero disables the breaker.
	CircuitBreakerFailures int `yaml:"circuit_breaker_failures" validate:"gte=0"`
	// Azure holds Azure OpenAI specific settings.
	Azure AzureConfig `yaml:"azure"`
}

// AzureConfig holds the Azure OpenAI deployment coordinates.
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint" validate:"omitempty,url"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// TemplateConfig locates the evaluation templates. When Dir is empty or a
// named file is absent, the embedded default is used.
type TemplateConfig struct {
	Dir   string            `yaml:"dir"`
	Names map[string]string `yaml:"names"`
}

// LimitsConfig bounds scan requests.
type LimitsConfig struct {
	MaxDocuments          int `yaml:"max_documents" validate:"gt=0"`
	MaxDocumentSize       int `yaml:"max_document_size" validate:"gt=0"`
	MaxConcurrency        int `yaml:"max_concurrency" validate:"gt=0,lte=256"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" validate:"gt=0"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is none, otlp-grpc or otlp-http.
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=none otlp-grpc otlp-http"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	ServiceName string  `yaml:"service_name"`
}

// EvaluationConfig tunes the ground-truth comparison.
type EvaluationConfig struct {
	GradeTolerance float64 `yaml:"grade_tolerance" validate:"gte=0"`
}

// LLMTimeout returns the per-call timeout.
func (c *AppConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the whole-request timeout.
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Limits.RequestTimeoutSeconds) * time.Second
}

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		DefaultUseCase: "generic",
		RulesDir:       "rules",
		UseCases: map[string]UseCaseConfig{
			"generic": {
				File:         "compliances.yaml",
				TaskTemplate: "Evaluate the following input against all compliance categories defined in the system prompt.",
			},
			"azure_ccc": {
				File: "azure_ccc_compliances.yaml",
				TaskTemplate: "Your job is to analyze this system prompt against the CCC guidelines and other compliance rules, " +
					"flag any violations, and, if it fails, suggest a compliant rephrasing.\n" +
					"Use the **Compliance Rule Description** below to drive your analysis:",
			},
		},
		LLM: LLMConfig{
			Provider:               "azure",
			Temperature:            0.7,
			TimeoutSeconds:         60,
			MaxRetries:             2,
			CircuitBreakerFailures: 5,
			Azure: AzureConfig{
				Deployment: "gpt-4",
				APIVersion: "2024-02-15-preview",
			},
		},
		Templates: TemplateConfig{
			Names: map[string]string{
				TemplateComplianceEval:         "compliance_eval.md",
				TemplateComplianceEvalWithDocs: "compliance_eval_with_documents.md",
				TemplateAggregator:             "aggregator.md",
			},
		},
		Limits: LimitsConfig{
			MaxDocuments:          10,
			MaxDocumentSize:       1024 * 1024,
			MaxConcurrency:        8,
			RequestTimeoutSeconds: 300,
		},
		LogDir:   "logs",
		LogLevel: "info",
		HTTPAddr: ":8080",
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRate:  1.0,
			ServiceName: "go-guardrail",
		},
		Evaluation: EvaluationConfig{GradeTolerance: 1e-6},
	}
}

// LoadConfig reads path over DefaultConfig, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, domain.NewConfigurationError(path, fmt.Errorf("%w: %w", domain.ErrLoadFailed, err), "")
		}
		if err := decodeConfig(bytes.NewReader(data), cfg); err != nil {
			return nil, domain.NewConfigurationError(path, domain.ErrMalformedSource, err.Error())
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeConfig decodes YAML strictly on top of the existing values.
func decodeConfig(r io.Reader, cfg *AppConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is normally
// os.LookupEnv. Variable names follow the service's historical .env keys.
func ApplyEnv(cfg *AppConfig, lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	cfg.DefaultUseCase = e.str("COMPLIANCE_MAP", cfg.DefaultUseCase)
	cfg.RulesDir = e.str("RULES_DIR", cfg.RulesDir)
	cfg.WatchRules = e.bool("WATCH_RULES", cfg.WatchRules)

	cfg.LLM.Provider = e.str("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = e.str("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.APIKey = e.str("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = e.str("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Temperature = e.float("LLM_TEMPERATURE", cfg.LLM.Temperature)
	cfg.LLM.MaxTokens = e.int("LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.TimeoutSeconds = e.int("LLM_TIMEOUT", cfg.LLM.TimeoutSeconds)
	cfg.LLM.MaxRetries = e.int("LLM_MAX_RETRIES", cfg.LLM.MaxRetries)
	cfg.LLM.RequestsPerSecond = e.float("LLM_REQUESTS_PER_SECOND", cfg.LLM.RequestsPerSecond)
	cfg.LLM.Azure.Endpoint = e.str("AZURE_OPENAI_ENDPOINT", cfg.LLM.Azure.Endpoint)
	cfg.LLM.Azure.APIKey = e.str("AZURE_OPENAI_KEY", cfg.LLM.Azure.APIKey)
	cfg.LLM.Azure.Deployment = e.str("AZURE_OPENAI_DEPLOYMENT", cfg.LLM.Azure.Deployment)
	cfg.LLM.Azure.APIVersion = e.str("AZURE_OPENAI_API_VERSION", cfg.LLM.Azure.APIVersion)

	cfg.Templates.Dir = e.str("TEMPLATE_DIR", cfg.Templates.Dir)

	cfg.Limits.MaxDocuments = e.int("MAX_DOCUMENTS", cfg.Limits.MaxDocuments)
	cfg.Limits.MaxDocumentSize = e.int("MAX_DOCUMENT_SIZE", cfg.Limits.MaxDocumentSize)
	cfg.Limits.MaxConcurrency = e.int("MAX_CONCURRENCY", cfg.Limits.MaxConcurrency)
	cfg.Limits.RequestTimeoutSeconds = e.int("REQUEST_TIMEOUT", cfg.Limits.RequestTimeoutSeconds)

	cfg.LogDir = e.str("LOG_DIR", cfg.LogDir)
	cfg.LogLevel = e.str("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = e.str("HTTP_ADDR", cfg.HTTPAddr)

	cfg.Tracing.Exporter = e.str("OTEL_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = e.str("OTEL_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SampleRate = e.float("OTEL_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Evaluation.GradeTolerance = e.float("EVALUATION_GRADE_TOLERANCE", cfg.Evaluation.GradeTolerance)

	if len(e.errs) > 0 {
		return domain.NewConfigurationError("environment", domain.ErrInvalidSchema, strings.Join(e.errs, "; "))
	}
	return nil
}

// Validate checks struct constraints and cross-field requirements.
func (c *AppConfig) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
	if err := RegisterRuleValidators(v); err != nil {
		return err
	}

	verr := domain.NewValidationError("AppConfig", domain.ErrInvalidSchema)
	if err := v.Struct(c); err != nil {
		for _, msg := range describeValidationErrors("config", err) {
			verr.AddError(msg)
		}
	}
	if _, ok := c.UseCases[c.DefaultUseCase]; !ok {
		verr.AddError(fmt.Sprintf("config.default_use_case %q has no use_cases entry", c.DefaultUseCase))
	}
	if c.LLM.Provider == "azure" && c.LLM.Azure.Deployment == "" && c.LLM.Model == "" {
		verr.AddError("config.llm.azure.deployment is required for the azure provider")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// envReader reads typed environment overrides and collects parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return i
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}
