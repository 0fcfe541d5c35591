// Package quality runs the post-story repair loops: a static-analysis
// pass that asks the agent to fix each dirty file, and a test pass that
// does the same for failing test files. Both loops are bounded and
// record every observation in the state store.
package quality

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/analyzer.json
var analyzerSchemaJSON []byte

//go:embed schemas/testreport.json
var testReportSchemaJSON []byte

// Finding is one analyzer diagnostic.
type Finding struct {
	File     string `json:"file"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error | warning
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// AnalyzerReport is the parsed analyzer output.
type AnalyzerReport struct {
	Findings   []Finding
	ErrorCount int
}

// DirtyFiles groups error-severity findings by file, sorted for
// deterministic repair order.
func (r *AnalyzerReport) DirtyFiles() map[string][]Finding {
	out := make(map[string][]Finding)
	for _, f := range r.Findings {
		if f.Severity == "error" {
			out[f.File] = append(out[f.File], f)
		}
	}
	return out
}

// TestCase is one test result.
type TestCase struct {
	NodeID   string  `json:"nodeid"`
	Outcome  string  `json:"outcome"` // passed | failed | error | skipped
	LongRepr string  `json:"longrepr,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// TestSummary is the aggregate test tally.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

// TestReport is the parsed test-runner output.
type TestReport struct {
	Summary TestSummary `json:"summary"`
	Tests   []TestCase  `json:"tests"`
}

// FailingFiles groups failed and errored cases by their test file (the
// node id before the "::" separator).
func (r *TestReport) FailingFiles() map[string][]TestCase {
	out := make(map[string][]TestCase)
	for _, tc := range r.Tests {
		if tc.Outcome != "failed" && tc.Outcome != "error" {
			continue
		}
		file := tc.NodeID
		if idx := strings.Index(file, "::"); idx >= 0 {
			file = file[:idx]
		}
		out[file] = append(out[file], tc)
	}
	return out
}

// sortedKeys gives a stable iteration order over a by-file grouping.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// compileSchema builds a validator from an embedded schema document.
func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validateReport checks raw JSON output against a schema before it is
// decoded, so a malformed report fails loudly instead of producing an
// empty round.
func validateReport(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("report is not json: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("report failed validation: %w", err)
	}
	return nil
}

// parseAnalyzerOutput decodes an ESLint-style JSON report: an array of
// per-file entries with message lists and error counts.
func parseAnalyzerOutput(raw []byte) (*AnalyzerReport, error) {
	var entries []struct {
		FilePath   string `json:"filePath"`
		ErrorCount int    `json:"errorCount"`
		Messages   []struct {
			RuleID   string `json:"ruleId"`
			Severity int    `json:"severity"`
			Message  string `json:"message"`
			Line     int    `json:"line"`
			Column   int    `json:"column"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode analyzer report: %w", err)
	}

	report := &AnalyzerReport{}
	for _, e := range entries {
		report.ErrorCount += e.ErrorCount
		for _, m := range e.Messages {
			severity := "warning"
			if m.Severity >= 2 {
				severity = "error"
			}
			report.Findings = append(report.Findings, Finding{
				File:     e.FilePath,
				Rule:     m.RuleID,
				Message:  m.Message,
				Severity: severity,
				Line:     m.Line,
				Column:   m.Column,
			})
		}
	}
	return report, nil
}
