package application

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"
)

// GroundTruth is the expected verdict for one evaluation case.
type GroundTruth struct {
	Grade                     string `json:"grade"`
	Summarization             string `json:"summarization"`
	CriticalComplianceConcern string `json:"critical_compliance_concern"`
	RequiredMitigation        string `json:"required_mitigation"`
}

// TestCase is one entry of a test_cases.json file. The batch runner uses
// the prompt and documents; the evaluator uses the ground truth.
type TestCase struct {
	ID          string       `json:"id"`
	Prompt      string       `json:"prompt,omitempty"`
	Documents   []string     `json:"documents,omitempty"`
	UseCaseID   string       `json:"use_case_id,omitempty"`
	GroundTruth *GroundTruth `json:"ground_truth,omitempty"`
}

// CaseMetrics is the comparison of one response against its ground truth.
type CaseMetrics struct {
	CaseID                  string         `json:"case_id"`
	GradeError              float64        `json:"grade_error"`
	SummarizationMatch      bool           `json:"summarization_match"`
	SummarizationSimilarity float64        `json:"summarization_similarity"`
	ConcernMatch            bool           `json:"concern_match"`
	MitigationMatch         bool           `json:"mitigation_match"`
	OverallPass             bool           `json:"overall_pass"`
	Diff                    jsondiff.Patch `json:"diff,omitempty"`
}

// EvaluationSummary aggregates CaseMetrics over a run.
type EvaluationSummary struct {
	TotalTests             int     `json:"total_tests"`
	Passed                 int     `json:"passed"`
	PassRate               float64 `json:"pass_rate"`
	AvgGradeError          float64 `json:"avg_grade_error"`
	SummarizationMatchRate float64 `json:"summarization_match_rate"`
	ConcernMatchRate       float64 `json:"concern_match_rate"`
	MitigationMatchRate    float64 `json:"mitigation_match_rate"`
	GradeTolerance         float64 `json:"grade_tolerance"`
}

// Evaluator compares recorded model responses against ground truth.
type Evaluator struct {
	tolerance float64
	parser    *OutputParser
	logger    *zap.Logger
}

// NewEvaluator creates an Evaluator. Responses given as raw model text
// are parsed with SummaryLayout.
func NewEvaluator(tolerance float64, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		tolerance: tolerance,
		parser:    NewOutputParser(SummaryLayout...),
		logger:    logger.Named("evaluator"),
	}
}

// LoadTestCases reads a test_cases.json file. Every case needs an id.
func LoadTestCases(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test cases: %w", err)
	}
	var cases []TestCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("test cases must be a JSON list: %w", err)
	}
	for i, c := range cases {
		if c.ID == "" {
			return nil, fmt.Errorf("test case at index %d has no id", i)
		}
	}
	return cases, nil
}

// EvaluateCase compares response with truth.
func (e *Evaluator) EvaluateCase(id string, truth, response GroundTruth) (CaseMetrics, error) {
	want, err := gradeValue(truth.Grade)
	if err != nil {
		return CaseMetrics{}, fmt.Errorf("case %s ground truth: %w", id, err)
	}
	got, err := gradeValue(response.Grade)
	if err != nil {
		return CaseMetrics{}, fmt.Errorf("case %s response: %w", id, err)
	}

	m := CaseMetrics{
		CaseID:                  id,
		GradeError:              math.Abs(want - got),
		SummarizationMatch:      strings.TrimSpace(truth.Summarization) == strings.TrimSpace(response.Summarization),
		SummarizationSimilarity: similarity(strings.TrimSpace(truth.Summarization), strings.TrimSpace(response.Summarization)),
		ConcernMatch:            strings.TrimSpace(truth.CriticalComplianceConcern) == strings.TrimSpace(response.CriticalComplianceConcern),
		MitigationMatch:         strings.TrimSpace(truth.RequiredMitigation) == strings.TrimSpace(response.RequiredMitigation),
	}
	m.OverallPass = m.SummarizationMatch && m.ConcernMatch && m.MitigationMatch && m.GradeError < e.tolerance

	if !m.OverallPass {
		if m.Diff, err = diffVerdicts(truth, response); err != nil {
			return CaseMetrics{}, fmt.Errorf("case %s: %w", id, err)
		}
	}
	return m, nil
}

// LoadResponse reads one recorded response. The file may hold
// {"id", "response": {...}} with the fields already extracted,
// {"id", "raw_output": "..."} with model text, or model text alone, in
// which case the id is taken from the file name.
func (e *Evaluator) LoadResponse(path string) (string, GroundTruth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", GroundTruth{}, err
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var envelope struct {
		ID        string       `json:"id"`
		Response  *GroundTruth `json:"response"`
		RawOutput string       `json:"raw_output"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return id, e.fromRaw(string(data)), nil
	}
	if envelope.ID != "" {
		id = envelope.ID
	}
	switch {
	case envelope.Response != nil:
		return id, *envelope.Response, nil
	case envelope.RawOutput != "":
		return id, e.fromRaw(envelope.RawOutput), nil
	default:
		return "", GroundTruth{}, errors.New("response file has neither response nor raw_output")
	}
}

func (e *Evaluator) fromRaw(raw string) GroundTruth {
	v := e.parser.Parse(raw)
	return GroundTruth{
		Grade:                     v.Grade,
		Summarization:             v.Summarization,
		CriticalComplianceConcern: v.CriticalComplianceConcern,
		RequiredMitigation:        v.RequiredMitigation,
	}
}

// Run evaluates every response in responsesDir against the cases in
// casesPath. Per-case metrics are written to outDir as <id>_eval.json and
// the summary as metrics.json. Unreadable responses and unknown ids are
// logged and skipped; Run fails only when nothing could be evaluated.
func (e *Evaluator) Run(casesPath, responsesDir, outDir string) (*EvaluationSummary, error) {
	cases, err := LoadTestCases(casesPath)
	if err != nil {
		return nil, err
	}
	truths := make(map[string]GroundTruth, len(cases))
	for _, c := range cases {
		if c.GroundTruth == nil {
			return nil, fmt.Errorf("test case %s missing ground_truth", c.ID)
		}
		truths[c.ID] = *c.GroundTruth
	}

	files, err := doublestar.FilepathGlob(filepath.Join(responsesDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var results []CaseMetrics
	for _, f := range files {
		id, resp, err := e.LoadResponse(f)
		if err != nil {
			e.logger.Error("failed to load response", zap.String("file", f), zap.Error(err))
			continue
		}
		truth, ok := truths[id]
		if !ok {
			e.logger.Warn("unknown test case id in response", zap.String("case_id", id))
			continue
		}
		m, err := e.EvaluateCase(id, truth, resp)
		if err != nil {
			e.logger.Error("failed to evaluate case", zap.String("case_id", id), zap.Error(err))
			continue
		}
		if err := writeJSONFile(filepath.Join(outDir, id+"_eval.json"), m); err != nil {
			return nil, err
		}
		results = append(results, m)
	}

	if len(results) == 0 {
		return nil, errors.New("no valid results to evaluate")
	}
	summary := e.Summarize(results)
	if err := writeJSONFile(filepath.Join(outDir, "metrics.json"), summary); err != nil {
		return nil, err
	}
	e.logger.Info("evaluation complete",
		zap.Int("cases", summary.TotalTests),
		zap.Float64("pass_rate", summary.PassRate))
	return &summary, nil
}

// Summarize aggregates per-case metrics.
func (e *Evaluator) Summarize(results []CaseMetrics) EvaluationSummary {
	s := EvaluationSummary{TotalTests: len(results), GradeTolerance: e.tolerance}
	if len(results) == 0 {
		return s
	}
	var gradeErr float64
	var summ, concern, mitigation int
	for _, m := range results {
		gradeErr += m.GradeError
		if m.OverallPass {
			s.Passed++
		}
		if m.SummarizationMatch {
			summ++
		}
		if m.ConcernMatch {
			concern++
		}
		if m.MitigationMatch {
			mitigation++
		}
	}
	n := float64(len(results))
	s.PassRate = float64(s.Passed) / n
	s.AvgGradeError = gradeErr / n
	s.SummarizationMatchRate = float64(summ) / n
	s.ConcernMatchRate = float64(concern) / n
	s.MitigationMatchRate = float64(mitigation) / n
	return s
}

// gradeValue reads the numerator of an "X/Y" grade.
func gradeValue(grade string) (float64, error) {
	num, _, _ := strings.Cut(strings.TrimSpace(grade), "/")
	v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid grade format %q", grade)
	}
	return v, nil
}

// similarity is 1 - levenshtein(a, b) / max rune length, in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func diffVerdicts(want, got GroundTruth) (jsondiff.Patch, error) {
	a, err := json.Marshal(want)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(got)
	if err != nil {
		return nil, err
	}
	patch, err := jsondiff.CompareJSON(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to diff verdicts: %w", err)
	}
	return patch, nil
}

func writeJSONFile(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
