package application

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-guardrail/internal/domain"
	"github.com/ahrav/go-guardrail/internal/testutils"
)

// TestNewTemplateStore_Embedded verifies the embedded defaults load and
// carry their placeholders.
func TestNewTemplateStore_Embedded(t *testing.T) {
	s, err := NewTemplateStore(TemplateConfig{})
	require.NoError(t, err)

	eval, err := s.Get(TemplateComplianceEval)
	require.NoError(t, err)
	assert.Contains(t, eval, "{user_input}")

	agg, err := s.Get(TemplateAggregator)
	require.NoError(t, err)
	assert.Contains(t, agg, "{failed_json}")
	assert.Contains(t, agg, "{original_prompt}")

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
}

// TestNewTemplateStore_Overrides tests directory overrides and rejection
// of templates that miss placeholders or cannot be found.
func TestNewTemplateStore_Overrides(t *testing.T) {
	names := DefaultConfig().Templates.Names

	t.Run("dir file overrides embedded", func(t *testing.T) {
		dir := t.TempDir()
		testutils.WriteFile(t, dir, "compliance_eval.md", "custom {user_input}")

		s, err := NewTemplateStore(TemplateConfig{Dir: dir, Names: names})
		require.NoError(t, err)

		got, err := s.Get(TemplateComplianceEval)
		require.NoError(t, err)
		assert.Equal(t, "custom {user_input}", got)

		agg, err := s.Get(TemplateAggregator)
		require.NoError(t, err)
		assert.Contains(t, agg, "{failed_json}", "files absent from dir fall back to embedded")
	})

	t.Run("missing placeholder", func(t *testing.T) {
		dir := t.TempDir()
		testutils.WriteFile(t, dir, "aggregator.md", "only {failed_json}")

		_, err := NewTemplateStore(TemplateConfig{Dir: dir, Names: names})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrMalformedTemplate)
		assert.Contains(t, err.Error(), "{original_prompt}")
	})

	t.Run("unknown file name", func(t *testing.T) {
		custom := map[string]string{
			TemplateComplianceEval:         "absent.md",
			TemplateComplianceEvalWithDocs: "compliance_eval_with_documents.md",
			TemplateAggregator:             "aggregator.md",
		}
		_, err := NewTemplateStore(TemplateConfig{Dir: t.TempDir(), Names: custom})
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})

	t.Run("required key not configured", func(t *testing.T) {
		partial := map[string]string{TemplateComplianceEval: "compliance_eval.md"}
		_, err := NewTemplateStore(TemplateConfig{Names: partial})
		assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
	})
}
