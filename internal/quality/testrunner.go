package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TestRunner shells out to the configured test command and parses its
// JSON report. Like the analyzer, a non-zero exit with a parsable
// report means "tests failed", not "runner broke".
type TestRunner struct {
	command []string
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// NewTestRunner builds a runner for the given command line.
func NewTestRunner(command []string, logger *slog.Logger) (*TestRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("test runner command not configured")
	}
	schema, err := compileSchema("testreport.json", testReportSchemaJSON)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TestRunner{command: command, schema: schema, logger: logger}, nil
}

// Run executes the test suite under dir and returns the parsed report.
func (t *TestRunner) Run(ctx context.Context, dir string) (*TestReport, error) {
	args := append(append([]string(nil), t.command[1:]...), dir)
	cmd := exec.CommandContext(ctx, t.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := extractJSONObject(stdout.Bytes())
	if len(out) == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("test runner %q: %w (%s)", t.command[0], runErr, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("test runner produced no report")
	}
	if runErr != nil {
		t.logger.Debug("test runner exited non-zero with a report", "error", runErr.Error())
	}

	if err := validateReport(t.schema, out); err != nil {
		return nil, fmt.Errorf("test report: %w", err)
	}
	var report TestReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("decode test report: %w", err)
	}
	return &report, nil
}

// extractJSONObject finds the report object in mixed stdout. Test
// runners print progress dots and summaries around the JSON blob; the
// report is the outermost braced object.
func extractJSONObject(out []byte) []byte {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end <= start {
		return nil
	}
	return out[start : end+1]
}
