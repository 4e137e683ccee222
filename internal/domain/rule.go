package domain

// Placeholders every rule prompt must contain.
const (
	PlaceholderUserInput = "{user_input}"
	PlaceholderDocuments = "{documents}"
)

// ComplianceRule is one named, thresholded criterion with its own
// evaluation prompt. Rules are built once per rule set load and are never
// mutated afterwards, so they may be shared across concurrent scans.
type ComplianceRule struct {
	// ID uniquely identifies the rule within its rule set.
	ID string `yaml:"id" json:"id" validate:"required,rule_id"`

	// Name is the human-readable rule name.
	Name string `yaml:"name" json:"name" validate:"required,min=1,max=100"`

	// Description explains what the rule checks for and is injected into
	// the evaluation template.
	Description string `yaml:"description" json:"description" validate:"required,min=10,max=1000"`

	// Threshold is the minimum score ratio required to pass.
	Threshold float64 `yaml:"threshold" json:"threshold" validate:"gte=0,lte=1"`

	// Prompt is the rule-specific sub-prompt. It must reference both the
	// user input and the documents placeholders.
	Prompt string `yaml:"prompt" json:"prompt" validate:"required,min=20,prompt_placeholders"`

	// Condition is an optional CEL expression deciding whether the rule
	// applies to a given request. Empty means always active.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Tags are free-form labels carried through to logs and metrics.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty" validate:"dive,required"`
}

// RuleSet is an ordered, validated collection of rules loaded from a
// single source.
type RuleSet struct {
	// Source is the path or name the rules were loaded from.
	Source string

	// Hash is the SHA-256 of the source bytes, hex encoded.
	Hash string

	// Rules preserves declaration order.
	Rules []ComplianceRule

	index map[string]int
}

// NewRuleSet builds a RuleSet and its id index. The caller guarantees ids
// are unique.
func NewRuleSet(source, hash string, rules []ComplianceRule) *RuleSet {
	idx := make(map[string]int, len(rules))
	for i, r := range rules {
		idx[r.ID] = i
	}
	return &RuleSet{Source: source, Hash: hash, Rules: rules, index: idx}
}

// Get returns the rule with the given id.
func (rs *RuleSet) Get(id string) (ComplianceRule, bool) {
	i, ok := rs.index[id]
	if !ok {
		return ComplianceRule{}, false
	}
	return rs.Rules[i], true
}

// IDs returns rule ids in declaration order.
func (rs *RuleSet) IDs() []string {
	ids := make([]string, len(rs.Rules))
	for i, r := range rs.Rules {
		ids[i] = r.ID
	}
	return ids
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.Rules) }
