package application

import (
	"strconv"
	"strings"

	"github.com/ahrav/go-guardrail/internal/domain"
)

// Sentinels substituted for missing request content.
const (
	EmptyPromptSentinel = "[EMPTY PROMPT PROVIDED]"
	NoDocumentsSentinel = "No documents provided"
	DocumentSeparator   = "\n---\n"
)

// JoinDocuments joins documents with DocumentSeparator. A request whose
// first document is empty is treated as having no documents.
func JoinDocuments(docs []string) string {
	if len(docs) == 0 || docs[0] == "" {
		return ""
	}
	return strings.Join(docs, DocumentSeparator)
}

// Render fills template for one rule and request.
//
// Substitution is a single pass, so text coming from the request or the
// rule is never itself scanned for placeholders. Placeholders that the
// template does not contain are ignored.
func Render(template string, rule domain.ComplianceRule, req domain.ScanRequest, taskHeader string) string {
	userInput := strings.TrimSpace(req.Prompt)
	if userInput == "" {
		userInput = EmptyPromptSentinel
	}
	docs := JoinDocuments(req.Documents)
	if docs == "" {
		docs = NoDocumentsSentinel
	}

	rulePrompt := strings.NewReplacer(
		domain.PlaceholderUserInput, userInput,
		domain.PlaceholderDocuments, docs,
	).Replace(rule.Prompt)

	return strings.NewReplacer(
		"{task}", taskHeader,
		"{compliance_name}", rule.Name,
		"{compliance_description}", rule.Description,
		"{threshold}", strconv.FormatFloat(rule.Threshold, 'f', -1, 64),
		"{compliance_prompt}", rulePrompt,
		"{user_input}", userInput,
		"{document_context}", docs,
		"{documents}", docs,
	).Replace(template)
}

// RenderAggregation fills the aggregator template.
func RenderAggregation(template, failedJSON, originalPrompt string) string {
	return strings.NewReplacer(
		"{failed_json}", failedJSON,
		"{original_prompt}", originalPrompt,
	).Replace(template)
}

// PromptRenderer selects the evaluation template for a request and
// renders it.
type PromptRenderer struct {
	templates *TemplateStore
}

// NewPromptRenderer creates a renderer over templates.
func NewPromptRenderer(templates *TemplateStore) *PromptRenderer {
	return &PromptRenderer{templates: templates}
}

// RenderEvaluation renders the evaluation prompt for rule, using the
// documents variant of the template when the request carries documents.
func (r *PromptRenderer) RenderEvaluation(rule domain.ComplianceRule, req domain.ScanRequest, taskHeader string) (string, error) {
	key := TemplateComplianceEval
	if req.HasDocuments() {
		key = TemplateComplianceEvalWithDocs
	}
	tpl, err := r.templates.Get(key)
	if err != nil {
		return "", err
	}
	return Render(tpl, rule, req, taskHeader), nil
}

// RenderAggregation renders the aggregator prompt.
func (r *PromptRenderer) RenderAggregation(failedJSON, originalPrompt string) (string, error) {
	tpl, err := r.templates.Get(TemplateAggregator)
	if err != nil {
		return "", err
	}
	return RenderAggregation(tpl, failedJSON, originalPrompt), nil
}
