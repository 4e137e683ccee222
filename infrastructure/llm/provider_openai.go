package llm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// OpenAIDefaultModel is used when no model is configured.
	OpenAIDefaultModel = "gpt-4o-mini"

	// AzureDefaultAPIVersion is the Azure OpenAI API version used when
	// none is configured.
	AzureDefaultAPIVersion = "2024-02-15-preview"
)

func init() {
	RegisterProviderFactory("openai", newOpenAIProvider)
	RegisterProviderFactory("azure", newAzureProvider)
}

// openAIProvider serves both OpenAI and Azure OpenAI. The two differ only
// in client configuration: Azure routes by deployment and authenticates
// with an api-key header.
type openAIProvider struct {
	name       string
	model      string
	client     *openai.Client
	classifier *ErrorClassifier
}

func newOpenAIProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	model := config.Model
	if model == "" {
		model = OpenAIDefaultModel
	}

	cc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		base, err := normalizeBaseURL(config.BaseURL)
		if err != nil {
			return nil, err
		}
		cc.BaseURL = base
	}
	if config.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &openAIProvider{
		name:       "openai",
		model:      model,
		client:     openai.NewClientWithConfig(cc),
		classifier: &ErrorClassifier{Provider: "openai"},
	}, nil
}

// newAzureProvider targets an Azure OpenAI deployment. config.Model is
// the deployment name and config.BaseURL the resource endpoint.
func newAzureProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if config.BaseURL == "" {
		return nil, ErrMissingEndpoint
	}
	if config.Model == "" {
		return nil, ErrMissingModel
	}

	endpoint, err := normalizeBaseURL(config.BaseURL)
	if err != nil {
		return nil, err
	}

	deployment := config.Model
	cc := openai.DefaultAzureConfig(config.APIKey, endpoint)
	if config.APIVersion != "" {
		cc.APIVersion = config.APIVersion
	} else {
		cc.APIVersion = AzureDefaultAPIVersion
	}
	cc.AzureModelMapperFunc = func(string) string { return deployment }
	if config.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &openAIProvider{
		name:       "azure",
		model:      deployment,
		client:     openai.NewClientWithConfig(cc),
		classifier: &ErrorClassifier{Provider: "azure"},
	}, nil
}

// DoRequest sends a single-turn chat completion.
func (p *openAIProvider) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	options := ParseRequestOptions(opts, p.model)

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(prompt, options))
	if err != nil {
		return "", 0, 0, p.handleError(err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, NewProviderError(p.name, ErrorTypeUnknown, 0, "", ErrNoResponseChoice)
	}

	content := resp.Choices[0].Message.Content
	if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter && content == "" {
		return "", 0, 0, NewProviderError(p.name, ErrorTypeContentPolicy, 0, "completion blocked by content filter", ErrEmptyResponse)
	}

	return content,
		tokenCount(resp.Usage.PromptTokens, prompt),
		tokenCount(resp.Usage.CompletionTokens, content),
		nil
}

func (p *openAIProvider) buildRequest(prompt string, options RequestOptions) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if options.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: options.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:     options.Model,
		Messages:  messages,
		MaxTokens: options.MaxTokens,
	}
	if options.Temperature != nil {
		req.Temperature = float32(*options.Temperature)
	}
	if options.TopP != nil {
		req.TopP = float32(*options.TopP)
	}
	return req
}

func (p *openAIProvider) handleError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := p.classifier.ClassifyHTTPError(apiErr.HTTPStatusCode, apiErr.Message, err)
		if code, _ := apiErr.Code.(string); code == "content_filter" {
			perr.Type = ErrorTypeContentPolicy
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return p.classifier.ClassifyHTTPError(reqErr.HTTPStatusCode, reqErr.HTTPStatus, err)
	}

	return p.classifier.ClassifyTransportError(err)
}

// GetModel returns the model, or the deployment for azure.
func (p *openAIProvider) GetModel() string { return p.model }

// tokenCount prefers the provider's reported usage and falls back to an
// estimate.
func tokenCount(reported int, text string) int {
	if reported > 0 {
		return reported
	}
	return EstimateTokens(text)
}

// normalizeBaseURL checks that raw is an absolute http(s) URL and strips
// any trailing slash.
func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", &url.Error{Op: "parse", URL: raw, Err: errors.New("base URL must be an absolute http or https URL")}
	}
	return strings.TrimRight(u.String(), "/"), nil
}
