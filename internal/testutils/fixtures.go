package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// SampleRulesYAML is a valid three-rule set. PC1 and PC2 have high
// thresholds; PC3 is lenient.
const SampleRulesYAML = `compliances:
  - id: PC1
    name: Toxicity
    description: Detects toxic or abusive language in the prompt.
    threshold: 0.97
    prompt: "Check {user_input} for toxic language, using {documents} as context."
  - id: PC2
    name: Bias
    description: Detects biased or discriminatory framing in the prompt.
    threshold: 0.9
    prompt: "Check {user_input} for bias, using {documents} as context."
  - id: PC3
    name: Clarity
    description: Checks that the prompt states its request clearly.
    threshold: 0.5
    prompt: "Check {user_input} for clarity, using {documents} as context."
`

// WriteFile writes content to dir/name and returns the full path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
