package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// requiredRuleFields lists the keys every compliance entry must declare.
var requiredRuleFields = []string{"id", "name", "description", "threshold", "prompt"}

// RuleSetLoader parses, validates and caches compliance rule sets.
// Use RuleSetLoader to load rule files by path or from any reader; loaded
// rule sets are immutable and shared across concurrent requests.
type RuleSetLoader struct {
	// validator performs struct field validation with the custom rule_id
	// and prompt_placeholders validators registered.
	validator *validator.Validate
	// conditions compiles each rule's condition at load time.
	conditions *ConditionEngine
	logger     *zap.Logger

	// byHash stores rule sets indexed by SHA256 of the source bytes.
	// WARNING: Cached rule sets MUST NOT be mutated.
	byHash map[string]*domain.RuleSet
	// byPath maps a cleaned file path to its last loaded rule set. Entries
	// are dropped by Invalidate when the file changes.
	byPath  map[string]*domain.RuleSet
	cacheMu sync.RWMutex
	// sf prevents duplicate loads when multiple goroutines request the
	// same file simultaneously.
	sf singleflight.Group
}

// NewRuleSetLoader creates a loader with an empty cache.
// NewRuleSetLoader returns an error if validator registration fails.
func NewRuleSetLoader(conditions *ConditionEngine, logger *zap.Logger) (*RuleSetLoader, error) {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := RegisterRuleValidators(v); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RuleSetLoader{
		validator:  v,
		conditions: conditions,
		logger:     logger.Named("ruleset_loader"),
		byHash:     make(map[string]*domain.RuleSet),
		byPath:     make(map[string]*domain.RuleSet),
	}, nil
}

// Load loads the rule set named by source, a rule file path.
func (l *RuleSetLoader) Load(ctx context.Context, source string) (*domain.RuleSet, error) {
	return l.LoadFromFile(ctx, source)
}

// LoadFromFile loads the rule set at path. Repeated loads of an unchanged
// file are served from cache until Invalidate is called for it.
// LoadFromFile returns a *domain.ConfigurationError classified as
// ErrRuleSetNotFound, ErrMalformedSource, ErrInvalidSchema or ErrLoadFailed.
func (l *RuleSetLoader) LoadFromFile(ctx context.Context, path string) (*domain.RuleSet, error) {
	cleanPath := filepath.Clean(path)

	l.cacheMu.RLock()
	rs, ok := l.byPath[cleanPath]
	l.cacheMu.RUnlock()
	if ok {
		return rs, nil
	}

	v, err, _ := l.sf.Do("path:"+cleanPath, func() (any, error) {
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, domain.NewConfigurationError(cleanPath, domain.ErrRuleSetNotFound, "")
			}
			return nil, domain.NewConfigurationError(cleanPath,
				fmt.Errorf("%w: %w", domain.ErrLoadFailed, err), "")
		}

		rs, err := l.load(ctx, cleanPath, data)
		if err != nil {
			return nil, err
		}

		l.cacheMu.Lock()
		l.byPath[cleanPath] = rs
		l.cacheMu.Unlock()
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RuleSet), nil
}

// LoadFromReader loads a rule set from r. source names the input in
// errors and in the resulting RuleSet.
func (l *RuleSetLoader) LoadFromReader(ctx context.Context, source string, r io.Reader) (*domain.RuleSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, domain.NewConfigurationError(source, fmt.Errorf("%w: %w", domain.ErrLoadFailed, err), "")
	}
	return l.load(ctx, source, data)
}

// Invalidate drops the cached rule set for path so the next load re-reads
// the file.
func (l *RuleSetLoader) Invalidate(path string) {
	cleanPath := filepath.Clean(path)
	l.cacheMu.Lock()
	delete(l.byPath, cleanPath)
	l.cacheMu.Unlock()
	l.logger.Info("rule set cache invalidated", zap.String("path", cleanPath))
}

// load parses and validates data, consulting the content hash cache.
func (l *RuleSetLoader) load(ctx context.Context, source string, data []byte) (rs *domain.RuleSet, err error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewConfigurationError(source, fmt.Errorf("%w: %w", domain.ErrLoadFailed, err), "")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	l.cacheMu.RLock()
	cached, ok := l.byHash[hash]
	l.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	// Decoding pathological input can panic.
	defer func() {
		if r := recover(); r != nil {
			rs = nil
			err = domain.NewConfigurationError(source,
				fmt.Errorf("%w: %v", domain.ErrLoadFailed, r), "")
		}
	}()

	rules, err := l.parse(source, data)
	if err != nil {
		return nil, err
	}

	rs = domain.NewRuleSet(source, hash, rules)

	l.cacheMu.Lock()
	l.byHash[hash] = rs
	l.cacheMu.Unlock()

	l.logger.Info("rule set loaded",
		zap.String("source", source),
		zap.Int("rules", len(rules)),
		zap.String("sha256", hash[:12]))
	return rs, nil
}

// parse applies the structural checks in order, then field validation,
// then uniqueness and condition compilation. The first violation aborts.
func (l *RuleSetLoader) parse(source string, data []byte) ([]domain.ComplianceRule, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, domain.NewConfigurationError(source, domain.ErrMalformedSource, err.Error())
	}

	schemaErr := func(format string, args ...any) error {
		return domain.NewConfigurationError(source, domain.ErrInvalidSchema, fmt.Sprintf(format, args...))
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, schemaErr("document is empty; expected a mapping with key 'compliances'")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, schemaErr("top level must be a mapping with key 'compliances'")
	}

	items := mappingValue(doc, "compliances")
	if items == nil {
		return nil, schemaErr("missing 'compliances' key")
	}
	if items.Kind != yaml.SequenceNode {
		return nil, schemaErr("'compliances' must be a list")
	}

	rules := make([]domain.ComplianceRule, 0, len(items.Content))
	seen := make(map[string]int, len(items.Content))

	for i, item := range items.Content {
		if item.Kind != yaml.MappingNode {
			return nil, schemaErr("compliance item at index %d must be a mapping", i)
		}

		var missing []string
		for _, f := range requiredRuleFields {
			if mappingValue(item, f) == nil {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return nil, schemaErr("compliance item at index %d missing required fields: %s", i, strings.Join(missing, ", "))
		}

		if th := mappingValue(item, "threshold"); th.Kind != yaml.ScalarNode || (th.Tag != "!!int" && th.Tag != "!!float") {
			return nil, schemaErr("compliance item at index %d threshold must be a number", i)
		}

		var rule domain.ComplianceRule
		if err := item.Decode(&rule); err != nil {
			return nil, schemaErr("compliance item at index %d: %v", i, err)
		}

		prefix := fmt.Sprintf("compliances[%d]", i)
		if err := l.validator.Struct(rule); err != nil {
			verr := domain.NewValidationError("ComplianceRule", domain.ErrInvalidSchema)
			for _, msg := range describeValidationErrors(prefix, err) {
				verr.AddError(msg)
			}
			return nil, domain.NewConfigurationError(source, verr, "")
		}

		if prev, dup := seen[rule.ID]; dup {
			return nil, schemaErr("duplicate compliance id %q at index %d (first declared at index %d)", rule.ID, i, prev)
		}
		seen[rule.ID] = i

		if l.conditions != nil {
			if err := l.conditions.Compile(rule.Condition); err != nil {
				return nil, schemaErr("%s.condition: %v", prefix, err)
			}
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
