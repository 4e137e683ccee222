package application

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// Section keys understood by the parser. Each key fills one or more
// ParsedVerdict fields.
const (
	SectionProblem                   = "problem"
	SectionWhyItFailed               = "why_it_failed"
	SectionReasoning                 = "reasoning"
	SectionWhatToFix                 = "what_to_fix"
	SectionRecommendations           = "recommendations"
	SectionInsights                  = "insights"
	SectionSummarization             = "summarization"
	SectionCriticalComplianceConcern = "critical_compliance_concern"
	SectionRequiredMitigation        = "required_mitigation"
	SectionRephrasePrompt            = "rephrase_prompt"
	SectionComplianceIDAndName       = "compliance_id_and_name"
)

// SectionSpec names one markdown section of an LLM reply.
type SectionSpec struct {
	// Key selects the verdict field(s) the section fills.
	Key string
	// Headers are the accepted header titles, matched case-insensitively.
	Headers []string
}

// DefaultSections is the layout emitted by the evaluation templates, in
// the order the model is instructed to produce it.
var DefaultSections = []SectionSpec{
	{Key: SectionProblem, Headers: []string{"Problem"}},
	{Key: SectionWhyItFailed, Headers: []string{"Why It Failed", "Reasoning"}},
	{Key: SectionWhatToFix, Headers: []string{"What To Fix", "Explain"}},
	{Key: SectionRephrasePrompt, Headers: []string{"Prompt Rephrase", "Rephrase Prompt"}},
	{Key: SectionComplianceIDAndName, Headers: []string{"Compliance ID and Name", "Compliance ID & Name"}},
}

// SummaryLayout is the summarization/insights layout used by the
// ground-truth evaluation replies.
var SummaryLayout = []SectionSpec{
	{Key: SectionSummarization, Headers: []string{"Summarization", "Summary"}},
	{Key: SectionReasoning, Headers: []string{"Reasoning"}},
	{Key: SectionCriticalComplianceConcern, Headers: []string{"Critical Compliance Concern"}},
	{Key: SectionRequiredMitigation, Headers: []string{"Required Mitigation"}},
	{Key: SectionRecommendations, Headers: []string{"Recommendations"}},
	{Key: SectionInsights, Headers: []string{"Insights"}},
	{Key: SectionRephrasePrompt, Headers: []string{"Rephrase Prompt", "Prompt Rephrase"}},
}

var (
	numberedLine = regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]*(.+)$`)

	// Grade forms, tried in order. All are anchored to a line start so a
	// score quoted in prose is never taken as the verdict.
	gradeHeaderPattern = regexp.MustCompile("(?im)^[ \\t]*#{2,}[ \\t]*[`*]*grade[`*]*[ \\t]*:?[ \\t`*]*\\s*[`*]*([0-9]*\\.?[0-9]+)[ \\t]*/[ \\t]*([0-9]*\\.?[0-9]+)")
	gradeInlinePattern = regexp.MustCompile("(?im)^[ \\t>*-]*[`*]*(?:grade|score)[`*]*[ \\t]*:[ \\t`*]*([0-9]*\\.?[0-9]+)[ \\t]*/[ \\t]*([0-9]*\\.?[0-9]+)")

	// scoreOnlyPattern is only consulted below a grade heading.
	scoreOnlyPattern  = regexp.MustCompile("(?im)^[ \\t>*-]*[`*]*score[`*]*[ \\t]*:[ \\t`*]*([0-9]*\\.[0-9]+|[01])\\b")
	gradeBlockPattern = regexp.MustCompile("(?im)^[ \\t]*(?:#{2,}[ \\t]*)?[`*]*grade[`*]*[ \\t]*:?[ \\t`*]*$")

	reportedThresholdPattern = regexp.MustCompile("(?im)^[ \\t>*-]*[`*]*threshold[`*]*[ \\t]*:[ \\t`*]*([0-9]*\\.?[0-9]+)")
	reportedResultPattern    = regexp.MustCompile("(?im)^[ \\t>*-]*[`*]*result[`*]*[ \\t]*:[ \\t`*]*(passed|failed|pass|fail)\\b")

	// gradeTerminator ends a section at a grade, score, result or
	// threshold heading, or at a bare or bold "Grade:" line.
	gradeTerminator = regexp.MustCompile("(?im)^[ \\t]*(?:#{2,}[ \\t]*[`*]*(?:grade|score|result|threshold)[`*]*[ \\t]*(?::|$)|[`*]*grade[`*]*[ \\t]*:)")
)

// OutputParser extracts a ParsedVerdict from an LLM's markdown reply.
//
// Sections are located by header, either a markdown heading or a bold
// title on its own line, and a section's content runs until the first
// header that comes later in the configured order, or until the grade
// header. Headers emitted out of order therefore bleed content into
// the preceding section; they never cause a failure.
//
// OutputParser is safe for concurrent use.
type OutputParser struct {
	sections []compiledSection
}

type compiledSection struct {
	spec   SectionSpec
	header *regexp.Regexp
}

// NewOutputParser compiles a parser for sections. With no sections it uses
// DefaultSections.
func NewOutputParser(sections ...SectionSpec) *OutputParser {
	if len(sections) == 0 {
		sections = DefaultSections
	}
	p := &OutputParser{sections: make([]compiledSection, len(sections))}
	for i, s := range sections {
		p.sections[i] = compiledSection{spec: s, header: headerPattern(s.Headers)}
	}
	return p
}

var defaultParser = NewOutputParser()

// Parse parses raw with DefaultSections.
func Parse(raw string) domain.ParsedVerdict { return defaultParser.Parse(raw) }

// Parse never fails. Missing sections leave their fields at the zero
// value, list fields are always non-nil, and a missing or out-of-range
// grade yields domain.ZeroGrade.
func (p *OutputParser) Parse(raw string) domain.ParsedVerdict {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	v := domain.EmptyVerdict()

	for i, s := range p.sections {
		loc := s.header.FindStringIndex(text)
		if loc == nil {
			continue
		}
		start := loc[1]
		end := len(text)

		for _, later := range p.sections[i+1:] {
			if m := later.header.FindStringIndex(text[start:]); m != nil && start+m[0] < end {
				end = start + m[0]
			}
		}
		if m := gradeTerminator.FindStringIndex(text[start:]); m != nil && start+m[0] < end {
			end = start + m[0]
		}

		assignSection(&v, s.spec.Key, strings.TrimSpace(text[start:end]))
	}

	parseGrade(text, &v.GradeBlock)
	v.Grade = domain.FormatGrade(v.GradeBlock.ScoreRaw, v.GradeBlock.Denominator)
	return v
}

// headerPattern matches a header whose title is one of names. Two forms
// are accepted: a markdown header of level two or deeper, optionally
// wrapped in backticks or bold markers and followed by a colon or the end
// of the line; and a bold title standing alone on its line, such as
// "**Rephrase Prompt:**".
func headerPattern(names []string) *regexp.Regexp {
	alts := make([]string, len(names))
	for i, n := range names {
		alts[i] = strings.Join(strings.Fields(regexp.QuoteMeta(n)), `[ \t]+`)
	}
	title := "(?:" + strings.Join(alts, "|") + ")"
	return regexp.MustCompile("(?im)^[ \\t]*(?:" +
		"#{2,}[ \\t]*[`*]*" + title + "[`*]*[ \\t]*(?::[`*]*|$)" +
		"|\\*\\*[ \\t]*" + title + "[ \\t]*(?::[ \\t]*\\*\\*|\\*\\*[ \\t]*:?)[ \\t]*$)")
}

// splitList splits a block into numbered entries. A non-empty block with
// no numbered lines becomes a single entry; an empty block yields an
// empty, non-nil slice.
func splitList(block string) []string {
	if block == "" {
		return []string{}
	}
	matches := numberedLine.FindAllStringSubmatch(block, -1)
	if len(matches) == 0 {
		return []string{block}
	}
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		if item := strings.TrimSpace(m[1]); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func assignSection(v *domain.ParsedVerdict, key, block string) {
	switch key {
	case SectionProblem:
		v.Problem = block
	case SectionWhyItFailed:
		v.WhyItFailed = block
		v.Reasoning = splitList(block)
	case SectionReasoning:
		v.Reasoning = splitList(block)
		if v.WhyItFailed == "" {
			v.WhyItFailed = block
		}
	case SectionWhatToFix:
		v.WhatToFix = block
		v.Recommendations = splitList(block)
	case SectionRecommendations:
		v.Recommendations = splitList(block)
	case SectionInsights:
		v.Insights = splitList(block)
	case SectionSummarization:
		v.Summarization = block
	case SectionCriticalComplianceConcern:
		v.CriticalComplianceConcern = block
	case SectionRequiredMitigation:
		v.RequiredMitigation = block
		if v.WhatToFix == "" {
			v.WhatToFix = block
		}
	case SectionRephrasePrompt:
		v.RephrasePrompt = unwrapQuoted(block)
	case SectionComplianceIDAndName:
		v.ComplianceIDAndName = block
	}
}

// unwrapQuoted strips one pair of matching quotes or backticks around s.
func unwrapQuoted(s string) string {
	for _, q := range []string{"```", "`", `"`, "'"} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return s
}

// parseGrade fills the score, denominator and any model-reported
// threshold and result. A fraction is accepted on a grade heading or on a
// line of its own led by Grade: or Score:. A bare Score: value counts only
// below a grade heading. A miss leaves the zero grade in place.
func parseGrade(text string, g *domain.GradeBlock) {
	raw, den, ok := matchFraction(gradeHeaderPattern, text)
	if !ok {
		raw, den, ok = matchFraction(gradeInlinePattern, text)
	}
	if !ok {
		if loc := gradeBlockPattern.FindStringIndex(text); loc != nil {
			if m := scoreOnlyPattern.FindStringSubmatch(text[loc[1]:]); m != nil {
				if f, err := strconv.ParseFloat(m[1], 64); err == nil {
					raw, den, ok = f, 1, true
				}
			}
		}
	}
	if ok && den > 0 && raw >= 0 && raw <= den {
		g.ScoreRaw, g.Denominator = raw, den
	} else {
		g.ScoreRaw, g.Denominator = 0, 1
	}

	if m := reportedThresholdPattern.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			g.ReportedThreshold = &f
		}
	}
	if m := reportedResultPattern.FindStringSubmatch(text); m != nil {
		if strings.HasPrefix(strings.ToLower(m[1]), "pass") {
			g.ReportedResult = domain.ResultPassed
		} else {
			g.ReportedResult = domain.ResultFailed
		}
	}
}

func matchFraction(re *regexp.Regexp, text string) (float64, float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	raw, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false
	}
	den, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return raw, den, true
}

// EvaluateGrade grades v against threshold; see domain.ParsedVerdict.Evaluate.
func EvaluateGrade(v *domain.ParsedVerdict, threshold float64) bool {
	return v.Evaluate(threshold)
}
