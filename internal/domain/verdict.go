package domain

import (
	"fmt"
	"strconv"
)

// Literal tokens used in grade blocks.
const (
	ResultPassed = "Passed"
	ResultFailed = "Failed"
)

// ZeroGrade is the grade assigned when the model reply carries no
// recognizable grade.
const ZeroGrade = "0.00/1"

// GradeBlock is the decomposed form of a verdict's grade.
type GradeBlock struct {
	// ScoreRaw is the numerator as written by the model.
	ScoreRaw float64 `json:"score_raw"`

	// Denominator is the scale the score was expressed on (normally 1).
	Denominator float64 `json:"denominator"`

	// ScoreRatio is ScoreRaw / Denominator, or 0 when Denominator is 0.
	ScoreRatio float64 `json:"score_ratio"`

	// Threshold is the rule threshold the ratio was compared against.
	Threshold float64 `json:"threshold"`

	// Result is ResultPassed iff ScoreRatio >= Threshold.
	Result string `json:"result"`

	// ReportedThreshold is the threshold echoed by the model, if any.
	// Informational only.
	ReportedThreshold *float64 `json:"reported_threshold,omitempty"`

	// ReportedResult is the Passed/Failed token echoed by the model, if
	// any. Informational only; Result is authoritative.
	ReportedResult string `json:"reported_result,omitempty"`
}

// Disagrees reports whether the model's own Passed/Failed token
// contradicts the locally computed result.
func (g GradeBlock) Disagrees() bool {
	return g.ReportedResult != "" && g.Result != "" && g.ReportedResult != g.Result
}

// ParsedVerdict is the structured form of one LLM reply for one rule.
// Every field is always present; sections the model omitted hold their
// zero value and list fields are empty slices, never nil.
type ParsedVerdict struct {
	Problem                   string   `json:"problem"`
	WhyItFailed               string   `json:"why_it_failed"`
	Reasoning                 []string `json:"reasoning"`
	WhatToFix                 string   `json:"what_to_fix"`
	Recommendations           []string `json:"recommendations"`
	Insights                  []string `json:"insights"`
	Summarization             string   `json:"summarization"`
	CriticalComplianceConcern string   `json:"critical_compliance_concern"`
	RequiredMitigation        string   `json:"required_mitigation"`
	RephrasePrompt            string   `json:"rephrase_prompt"`
	ComplianceIDAndName       string   `json:"compliance_id_and_name"`

	// Grade is the literal "X.XX/1" form of the score.
	Grade string `json:"grade"`

	// GradeBlock is the decomposed grade, completed by Evaluate.
	GradeBlock GradeBlock `json:"grade_block"`
}

// EmptyVerdict returns a verdict with every field at its default and a
// zero grade.
func EmptyVerdict() ParsedVerdict {
	return ParsedVerdict{
		Reasoning:       []string{},
		Recommendations: []string{},
		Insights:        []string{},
		Grade:           ZeroGrade,
		GradeBlock:      GradeBlock{Denominator: 1},
	}
}

// Evaluate compares the verdict's score ratio to threshold, records the
// outcome in the grade block, and returns whether the rule passed.
// Ties pass.
func (v *ParsedVerdict) Evaluate(threshold float64) bool {
	g := &v.GradeBlock
	if g.Denominator != 0 {
		g.ScoreRatio = g.ScoreRaw / g.Denominator
	} else {
		g.ScoreRatio = 0
	}
	g.Threshold = threshold
	passed := g.ScoreRatio >= threshold
	if passed {
		g.Result = ResultPassed
	} else {
		g.Result = ResultFailed
	}
	return passed
}

// FormatGrade renders a score as the "X.XX/D" literal.
func FormatGrade(score, denominator float64) string {
	return fmt.Sprintf("%.2f/%s", score, strconv.FormatFloat(denominator, 'f', -1, 64))
}

// ComplianceResult is the outcome of evaluating one rule for one scan.
type ComplianceResult struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	RawOutput   string        `json:"raw_output,omitempty"`
	Parsed      ParsedVerdict `json:"parsed"`
	Threshold   float64       `json:"threshold"`

	// Passed is authoritative. Consumers must not re-derive it from the
	// grade.
	Passed bool `json:"passed"`

	// Error carries the diagnostic note when the rule could not be
	// evaluated and was downgraded to a failing verdict.
	Error string `json:"error,omitempty"`
}

// ScanRequest is the input to a compliance scan.
type ScanRequest struct {
	Prompt    string   `json:"prompt"`
	Documents []string `json:"documents,omitempty"`

	// Filter is an optional include:/exclude: rule filter expression.
	Filter string `json:"filter,omitempty"`

	// RequestID correlates the scan with its stage log. A new id is
	// generated when empty.
	RequestID string `json:"-"`
}

// HasDocuments reports whether the request carries document content.
// A request whose first document is empty is treated as document-less.
func (r ScanRequest) HasDocuments() bool {
	return len(r.Documents) > 0 && r.Documents[0] != ""
}

// ScanResponse is the result of a compliance scan.
type ScanResponse struct {
	RequestID string `json:"request_id,omitempty"`
	UseCaseID string `json:"use_case_id,omitempty"`

	// Detailed holds one result per active rule, keyed by rule id.
	Detailed map[string]ComplianceResult `json:"detailed"`

	// RephrasedPrompt is non-nil iff at least one rule failed.
	RephrasedPrompt *string `json:"rephrased_prompt"`

	// FailuresSummary has one line per failed rule, or is nil when
	// nothing failed.
	FailuresSummary []string `json:"failures_summary"`
}

// FailedIDs returns the ids of failed rules in the order given.
func (r *ScanResponse) FailedIDs(order []string) []string {
	var failed []string
	for _, id := range order {
		if res, ok := r.Detailed[id]; ok && !res.Passed {
			failed = append(failed, id)
		}
	}
	return failed
}

// AggregationRequest asks for a roll-up of failed verdicts.
type AggregationRequest struct {
	// FailedJSON maps rule id to the verdict and any caller context.
	FailedJSON map[string]map[string]any `json:"failed_json"`

	OriginalPrompt string `json:"original_prompt"`

	RequestID string `json:"-"`
}

// AggregationResponse is the consolidated roll-up of failed verdicts.
type AggregationResponse struct {
	AggregatedSummary string `json:"aggregated_summary"`

	// Recommendations has exactly one entry per failed rule id in the
	// request, empty when the model offered none.
	Recommendations map[string][]string `json:"recommendations"`

	// RephrasedPrompt is never empty; it falls back to the original prompt.
	RephrasedPrompt string `json:"rephrased_prompt"`
}
