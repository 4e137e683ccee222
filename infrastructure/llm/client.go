// Package llm adapts the OpenAI, Azure OpenAI, Anthropic and Google SDKs to
// ports.LLMClient and layers resilience and observability middleware over
// them.
//
// Providers implement CoreLLM. A Client applies the configured middleware
// chain around the provider so the first middleware listed is the
// outermost:
//
//	client, err := llm.NewClient(llm.ClientConfig{
//	    Provider: "azure",
//	    APIKey:   os.Getenv("AZURE_OPENAI_KEY"),
//	    BaseURL:  os.Getenv("AZURE_OPENAI_ENDPOINT"),
//	    Model:    "gpt-4",
//	    Middleware: []llm.Middleware{
//	        llm.TracingMiddleware(tracer, "azure"),
//	        llm.MetricsMiddleware(metrics, "azure"),
//	        llm.RetryMiddleware(2, 500*time.Millisecond, 10*time.Second),
//	        llm.CircuitBreakerMiddleware(5, 30*time.Second),
//	    },
//	})
package llm

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// CoreLLM is the minimal contract a provider implements. Middleware wraps
// a CoreLLM and returns another.
type CoreLLM interface {
	// DoRequest sends prompt and returns the completion text with the
	// input and output token counts.
	DoRequest(
		ctx context.Context,
		prompt string,
		opts map[string]any,
	) (
		response string,
		tokensIn, tokensOut int,
		err error,
	)

	// GetModel returns the model or deployment requests are sent to.
	GetModel() string
}

// Middleware wraps a CoreLLM to add cross-cutting behavior.
type Middleware func(CoreLLM) CoreLLM

// ClientConfig selects a provider and the middleware applied around it.
type ClientConfig struct {
	// Provider is one of openai, azure, anthropic or google.
	Provider string

	// APIKey authenticates requests to the provider.
	APIKey string

	// Model is the model id. For azure it is the deployment name.
	Model string

	// BaseURL overrides the provider endpoint. It is required for azure,
	// where it is the resource endpoint.
	BaseURL string

	// APIVersion is the Azure OpenAI API version. Ignored elsewhere.
	APIVersion string

	// Timeout bounds the underlying HTTP exchange. Zero leaves the SDK
	// default in place.
	Timeout time.Duration

	// Middleware is applied in order, the first entry outermost.
	Middleware []Middleware
}

// Client implements ports.LLMClient over a provider and its middleware.
type Client struct {
	core     CoreLLM
	provider string
}

var _ ports.LLMClient = (*Client)(nil)

// NewClient builds the provider named by config.Provider and wraps it in
// config.Middleware.
func NewClient(config ClientConfig) (*Client, error) {
	factory, ok := providerFactories[config.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProvider, config.Provider, Providers())
	}

	core, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", config.Provider, err)
	}

	return newClientFromCore(config.Provider, core, config.Middleware...), nil
}

// newClientFromCore wraps an existing CoreLLM. Tests use it to put
// middleware around a mock.
func newClientFromCore(provider string, core CoreLLM, middleware ...Middleware) *Client {
	// Reverse order so the first middleware is the outermost.
	for i := len(middleware) - 1; i >= 0; i-- {
		core = middleware[i](core)
	}
	return &Client{core: core, provider: provider}
}

// Complete sends prompt to the provider and returns the completion text.
func (c *Client) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	response, _, _, err := c.CompleteWithUsage(ctx, prompt, options)
	return response, err
}

// CompleteWithUsage is Complete plus the input and output token counts.
func (c *Client) CompleteWithUsage(
	ctx context.Context,
	prompt string,
	options map[string]any,
) (string, int, int, error) {
	return c.core.DoRequest(ctx, prompt, options)
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func (c *Client) EstimateTokens(text string) (int, error) {
	return EstimateTokens(text), nil
}

// GetModel returns the model of the underlying provider.
func (c *Client) GetModel() string { return c.core.GetModel() }

// Provider returns the provider name the client was built for.
func (c *Client) Provider() string { return c.provider }

// EstimateTokens approximates the token count of text. Providers use it
// when a response carries no usage data.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// ProviderFactory creates a CoreLLM from configuration.
type ProviderFactory func(ClientConfig) (CoreLLM, error)

var providerFactories = map[string]ProviderFactory{}

// RegisterProviderFactory makes a provider available to NewClient. It is
// called from provider init functions.
func RegisterProviderFactory(name string, factory ProviderFactory) {
	providerFactories[name] = factory
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
