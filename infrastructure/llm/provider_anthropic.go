package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicDefaultModel is used when no model is configured.
const AnthropicDefaultModel = "claude-3-5-sonnet-20241022"

func init() {
	RegisterProviderFactory("anthropic", newAnthropicProvider)
}

type anthropicProvider struct {
	client     anthropic.Client
	model      string
	classifier *ErrorClassifier
}

func newAnthropicProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	model := config.Model
	if model == "" {
		model = AnthropicDefaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// Retries are handled by RetryMiddleware.
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		base, err := normalizeBaseURL(config.BaseURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	return &anthropicProvider{
		client:     anthropic.NewClient(opts...),
		model:      model,
		classifier: &ErrorClassifier{Provider: "anthropic"},
	}, nil
}

// DoRequest sends a single user message. Anthropic requires max_tokens,
// so DefaultMaxTokens is sent when the caller leaves it unset.
func (p *anthropicProvider) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	options := ParseRequestOptions(opts, p.model)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(options.Model),
		MaxTokens: int64(options.maxTokensOr(DefaultMaxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if options.Temperature != nil {
		// Anthropic accepts [0, 1].
		params.Temperature = anthropic.Float(clamp(*options.Temperature, 0, 1))
	}
	if options.TopP != nil {
		params.TopP = anthropic.Float(*options.TopP)
	}
	if options.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: options.System}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", 0, 0, p.handleError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	content := text.String()
	if content == "" {
		return "", 0, 0, NewProviderError("anthropic", ErrorTypeUnknown, 0, "", ErrEmptyResponse)
	}

	return content,
		tokenCount(int(message.Usage.InputTokens), prompt),
		tokenCount(int(message.Usage.OutputTokens), content),
		nil
}

func (p *anthropicProvider) handleError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// 529 is Anthropic's overloaded status.
		return p.classifier.ClassifyHTTPError(apiErr.StatusCode, "", err)
	}
	return p.classifier.ClassifyTransportError(err)
}

// GetModel returns the configured model.
func (p *anthropicProvider) GetModel() string { return p.model }
