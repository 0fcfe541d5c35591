package quality

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DebugCollector gathers extra context for a failing test file. Always
// best-effort: an empty string means nothing could be collected.
type DebugCollector interface {
	Collect(ctx context.Context, file string) string
}

// debugAttachEnv enables the collector; debugCmdEnv overrides the
// command it runs (the file path is appended).
const (
	debugAttachEnv = "STORYFLOW_DEBUG_ATTACH"
	debugCmdEnv    = "STORYFLOW_DEBUG_CMD"
)

// AttachCollector shells out to a debugger attach command for a
// failure snapshot. A missing binary or a failed attach is logged at
// debug level and otherwise ignored.
type AttachCollector struct {
	command []string
	logger  *slog.Logger
}

// NewAttachCollector builds the env-gated collector. Returns nil when
// the gate is off, which callers treat as "no collector".
func NewAttachCollector(logger *slog.Logger) *AttachCollector {
	if os.Getenv(debugAttachEnv) == "" {
		return nil
	}
	command := []string{"py-spy", "dump", "--full-filenames"}
	if override := os.Getenv(debugCmdEnv); override != "" {
		command = strings.Fields(override)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachCollector{command: command, logger: logger}
}

// Collect runs the attach command against the file. Failures are
// non-fatal by contract.
func (c *AttachCollector) Collect(ctx context.Context, file string) string {
	if _, err := exec.LookPath(c.command[0]); err != nil {
		c.logger.Debug("debug collector unavailable", "command", c.command[0])
		return ""
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	args := append(append([]string(nil), c.command[1:]...), file)
	cmd := exec.CommandContext(cctx, c.command[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		c.logger.Debug("debug collector failed", "file", file, "error", err.Error())
		return ""
	}
	return strings.TrimSpace(out.String())
}
