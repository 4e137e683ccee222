package application

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahrav/go-guardrail/internal/domain"
)

//go:embed templates/*.md
var embeddedTemplates embed.FS

// requiredPlaceholders lists, per template key, the placeholders a
// template must contain to be usable.
var requiredPlaceholders = map[string][]string{
	TemplateComplianceEval:         {"{user_input}"},
	TemplateComplianceEvalWithDocs: {"{user_input}"},
	TemplateAggregator:             {"{failed_json}", "{original_prompt}"},
}

// TemplateStore holds the prompt templates, read once at startup.
type TemplateStore struct {
	templates map[string]string
}

// NewTemplateStore reads every template named in cfg. A file present in
// cfg.Dir overrides the embedded default of the same name.
// NewTemplateStore returns a *domain.ConfigurationError if a template is
// missing everywhere or lacks a required placeholder.
func NewTemplateStore(cfg TemplateConfig) (*TemplateStore, error) {
	names := cfg.Names
	if len(names) == 0 {
		names = DefaultConfig().Templates.Names
	}

	s := &TemplateStore{templates: make(map[string]string, len(names))}
	for key, name := range names {
		body, err := readTemplate(cfg.Dir, name)
		if err != nil {
			return nil, err
		}
		var missing []string
		for _, p := range requiredPlaceholders[key] {
			if !strings.Contains(body, p) {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return nil, domain.NewConfigurationError(name, domain.ErrMalformedTemplate,
				fmt.Sprintf("missing placeholders: %s", strings.Join(missing, ", ")))
		}
		s.templates[key] = body
	}

	for key := range requiredPlaceholders {
		if _, ok := s.templates[key]; !ok {
			return nil, domain.NewConfigurationError(key, domain.ErrTemplateNotFound, "no template configured")
		}
	}
	return s, nil
}

// NewTemplateStoreFromMap builds a store from literal templates. Missing
// keys fall back to the embedded defaults.
func NewTemplateStoreFromMap(templates map[string]string) (*TemplateStore, error) {
	base, err := NewTemplateStore(TemplateConfig{})
	if err != nil {
		return nil, err
	}
	for k, v := range templates {
		base.templates[k] = v
	}
	return base, nil
}

// Get returns the template for key.
func (s *TemplateStore) Get(key string) (string, error) {
	t, ok := s.templates[key]
	if !ok {
		return "", domain.NewConfigurationError(key, domain.ErrTemplateNotFound, "")
	}
	return t, nil
}

func readTemplate(dir, name string) (string, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", domain.NewConfigurationError(name, fmt.Errorf("%w: %w", domain.ErrLoadFailed, err), "")
		}
	}

	data, err := embeddedTemplates.ReadFile("templates/" + name)
	if err != nil {
		return "", domain.NewConfigurationError(name, domain.ErrTemplateNotFound, "not in template dir or embedded defaults")
	}
	return string(data), nil
}
