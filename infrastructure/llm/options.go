package llm

import "math"

// DefaultMaxTokens is sent when a provider requires a completion limit
// and the caller did not set one.
const DefaultMaxTokens = 4096

// RequestOptions is the provider-neutral view of the options map passed
// to DoRequest.
type RequestOptions struct {
	// MaxTokens caps completion length. Zero means unset.
	MaxTokens int
	// Model overrides the provider's configured model.
	Model string
	// Temperature is nil when unset.
	Temperature *float64
	// TopP is nil when unset.
	TopP *float64
	// System is an optional system prompt.
	System string
}

// ParseRequestOptions reads max_tokens, model, temperature, top_p and
// system from opts. Values of the wrong type or outside their range are
// ignored.
func ParseRequestOptions(opts map[string]any, defaultModel string) RequestOptions {
	options := RequestOptions{Model: defaultModel}

	if v, ok := intOption(opts, "max_tokens"); ok && v > 0 {
		options.MaxTokens = v
	}
	if v, ok := opts["model"].(string); ok && v != "" {
		options.Model = v
	}
	if v, ok := opts["system"].(string); ok {
		options.System = v
	}
	if v, ok := floatOption(opts, "temperature"); ok && v >= 0 && v <= 2 {
		options.Temperature = &v
	}
	if v, ok := floatOption(opts, "top_p"); ok && v >= 0 && v <= 1 {
		options.TopP = &v
	}
	return options
}

// maxTokensOr returns MaxTokens, or def when unset.
func (o RequestOptions) maxTokensOr(def int) int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return def
}

func intOption(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		if v > math.MaxInt32 {
			return math.MaxInt32, true
		}
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

func floatOption(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}
