package application

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ahrav/go-guardrail/internal/domain"
	"github.com/ahrav/go-guardrail/internal/ports"
)

// UseCaseCatalog resolves use case ids to rule sets through the loader.
// It implements ports.RuleSource.
type UseCaseCatalog struct {
	rulesDir string
	useCases map[string]UseCaseConfig
	loader   *RuleSetLoader
}

var _ ports.RuleSource = (*UseCaseCatalog)(nil)

// NewUseCaseCatalog creates a catalog over useCases, resolving rule files
// relative to rulesDir.
func NewUseCaseCatalog(rulesDir string, useCases map[string]UseCaseConfig, loader *RuleSetLoader) *UseCaseCatalog {
	return &UseCaseCatalog{rulesDir: rulesDir, useCases: useCases, loader: loader}
}

// Path returns the rule file path for useCaseID.
func (c *UseCaseCatalog) Path(useCaseID string) (string, error) {
	uc, ok := c.useCases[useCaseID]
	if !ok {
		verr := domain.NewValidationError("use_case_id", domain.ErrUnknownUseCase)
		verr.AddError(fmt.Sprintf("Unknown use case: %s", useCaseID))
		return "", verr
	}
	return filepath.Join(c.rulesDir, uc.File), nil
}

// Resolve loads the rule set for useCaseID. Unknown ids fail with
// ErrUnknownUseCase before any file is touched.
func (c *UseCaseCatalog) Resolve(ctx context.Context, useCaseID string) (ports.RuleBundle, error) {
	path, err := c.Path(useCaseID)
	if err != nil {
		return ports.RuleBundle{}, err
	}

	rs, err := c.loader.LoadFromFile(ctx, path)
	if err != nil {
		return ports.RuleBundle{}, err
	}

	return ports.RuleBundle{
		UseCaseID:  useCaseID,
		TaskHeader: c.useCases[useCaseID].TaskTemplate,
		Rules:      rs,
	}, nil
}

// IDs returns the known use case ids in sorted order.
func (c *UseCaseCatalog) IDs() []string {
	ids := make([]string, 0, len(c.useCases))
	for id := range c.useCases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
