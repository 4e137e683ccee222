package llm

import (
	"context"
	"errors"
	"math"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

// GoogleDefaultModel is used when no model is configured.
const GoogleDefaultModel = "gemini-2.0-flash"

func init() {
	RegisterProviderFactory("google", newGoogleProvider)
}

type googleProvider struct {
	client     *genai.Client
	model      string
	classifier *ErrorClassifier
}

func newGoogleProvider(config ClientConfig) (CoreLLM, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	model := config.Model
	if model == "" {
		model = GoogleDefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" || config.Timeout > 0 {
		base, err := optionalBaseURL(config.BaseURL)
		if err != nil {
			return nil, err
		}
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
		if config.Timeout > 0 {
			cc.HTTPOptions.Timeout = &config.Timeout
		}
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, err
	}

	return &googleProvider{
		client:     client,
		model:      model,
		classifier: &ErrorClassifier{Provider: "google"},
	}, nil
}

// DoRequest sends prompt as a single user turn. A system prompt is passed
// as the system instruction.
func (p *googleProvider) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	options := ParseRequestOptions(opts, p.model)

	config := &genai.GenerateContentConfig{}
	if options.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*options.Temperature))
	}
	if options.TopP != nil {
		config.TopP = genai.Ptr(float32(*options.TopP))
	}
	if options.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(options.MaxTokens, math.MaxInt32))
	}
	if options.System != "" {
		config.SystemInstruction = genai.NewContentFromText(options.System, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, options.Model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, config)
	if err != nil {
		return "", 0, 0, p.handleError(err)
	}

	content := resp.Text()
	if content == "" {
		return "", 0, 0, NewProviderError("google", ErrorTypeContentPolicy, 0, "no text in response", ErrEmptyResponse)
	}

	var in, out int
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return content, tokenCount(in, prompt), tokenCount(out, content), nil
}

func (p *googleProvider) handleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" && len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0].Message
		}
		perr := p.classifier.ClassifyHTTPError(apiErr.Code, message, err)
		if isSafetyBlock(apiErr) {
			perr.Type = ErrorTypeContentPolicy
		}
		return perr
	}
	return p.classifier.ClassifyTransportError(err)
}

// GetModel returns the configured model.
func (p *googleProvider) GetModel() string { return p.model }

func isSafetyBlock(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		if e.Reason == "SAFETY" || e.Reason == "BLOCKED" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "safety")
}

func optionalBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	base, err := normalizeBaseURL(raw)
	if err != nil {
		return "", err
	}
	return base + "/", nil
}
