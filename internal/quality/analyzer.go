package quality

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// AnalyzerRunner shells out to the configured static analyzer and
// parses its JSON report. A non-zero exit is tolerated as long as the
// report parses, since analyzers exit non-zero whenever they find
// anything.
type AnalyzerRunner struct {
	command []string
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// NewAnalyzerRunner builds a runner for the given command line.
func NewAnalyzerRunner(command []string, logger *slog.Logger) (*AnalyzerRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("analyzer command not configured")
	}
	schema, err := compileSchema("analyzer.json", analyzerSchemaJSON)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzerRunner{command: command, schema: schema, logger: logger}, nil
}

// Run analyzes dir and returns the parsed report.
func (a *AnalyzerRunner) Run(ctx context.Context, dir string) (*AnalyzerReport, error) {
	args := append(append([]string(nil), a.command[1:]...), dir)
	cmd := exec.CommandContext(ctx, a.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("analyzer %q: %w (%s)", a.command[0], runErr, bytes.TrimSpace(stderr.Bytes()))
		}
		// No output and a clean exit: nothing to report.
		return &AnalyzerReport{}, nil
	}
	if runErr != nil {
		a.logger.Debug("analyzer exited non-zero with a report", "error", runErr.Error())
	}

	if err := validateReport(a.schema, out); err != nil {
		return nil, fmt.Errorf("analyzer report: %w", err)
	}
	return parseAnalyzerOutput(out)
}
