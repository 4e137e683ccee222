package application

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// clausePattern locates include:/exclude: keywords. A clause body runs to
// the next keyword, a line break or a semicolon.
var clausePattern = regexp.MustCompile(`(?i)\b(include|exclude)\s*:`)

// RuleFilter is a parsed include/exclude expression.
type RuleFilter struct {
	include map[string]struct{}
	exclude map[string]struct{}
}

// ParseRuleFilter parses expression. Terms are comma separated rule ids or
// names, compared after Unicode case folding. An expression without
// clauses yields the identity filter.
func ParseRuleFilter(expression string) RuleFilter {
	f := RuleFilter{include: map[string]struct{}{}, exclude: map[string]struct{}{}}
	caser := cases.Fold()

	locs := clausePattern.FindAllStringSubmatchIndex(expression, -1)
	for i, loc := range locs {
		end := len(expression)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := expression[loc[1]:end]
		if cut := strings.IndexAny(body, "\r\n;"); cut >= 0 {
			body = body[:cut]
		}

		target := f.include
		if strings.EqualFold(expression[loc[2]:loc[3]], "exclude") {
			target = f.exclude
		}
		for _, term := range strings.Split(body, ",") {
			if term = strings.TrimSpace(term); term != "" {
				target[caser.String(term)] = struct{}{}
			}
		}
	}
	return f
}

// IsIdentity reports whether the filter keeps every rule.
func (f RuleFilter) IsIdentity() bool {
	return len(f.include) == 0 && len(f.exclude) == 0
}

// Keep reports whether rule survives the filter. Exclusion wins over
// inclusion.
func (f RuleFilter) Keep(rule domain.ComplianceRule) bool {
	if f.IsIdentity() {
		return true
	}
	caser := cases.Fold()
	id, name := caser.String(rule.ID), caser.String(rule.Name)

	if len(f.include) > 0 && !matchesAny(f.include, id, name) {
		return false
	}
	return !matchesAny(f.exclude, id, name)
}

func matchesAny(terms map[string]struct{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := terms[k]; ok {
			return true
		}
	}
	return false
}

// FilterRules narrows rules by expression, preserving order. It never
// fails; an expression matching nothing yields an empty slice.
func FilterRules(rules []domain.ComplianceRule, expression string) []domain.ComplianceRule {
	f := ParseRuleFilter(expression)
	if f.IsIdentity() {
		out := make([]domain.ComplianceRule, len(rules))
		copy(out, rules)
		return out
	}

	out := make([]domain.ComplianceRule, 0, len(rules))
	for _, r := range rules {
		if f.Keep(r) {
			out = append(out, r)
		}
	}
	return out
}
