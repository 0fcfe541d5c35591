package roles

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/persistence"
	"github.com/basket/storyflow/internal/sdk"
	"github.com/basket/storyflow/internal/shared"
	"github.com/basket/storyflow/internal/status"
)

// Executor runs one agent invocation. Satisfied by *sdk.Invoker.
type Executor interface {
	Execute(ctx context.Context, prompt string, opts sdk.ExecOptions) sdk.Result
}

// Outcome is a role's verdict on one story. Status Unknown never
// appears here; an unreadable agent answer keeps the story's current
// status so the driver can decide to retry or escalate.
type Outcome struct {
	Status status.Status
	Blob   map[string]any
}

// Runner executes roles against stories. Run never returns an error;
// every failure mode is folded into the outcome.
type Runner struct {
	executor Executor
	logger   *slog.Logger
	sdkCfg   config.SDKConfig
	agentCfg config.AgentConfig
	readFile func(string) ([]byte, error)
}

// NewRunner wires a role runner over an SDK executor.
func NewRunner(executor Executor, logger *slog.Logger, sdkCfg config.SDKConfig, agentCfg config.AgentConfig) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		executor: executor,
		logger:   logger,
		sdkCfg:   sdkCfg,
		agentCfg: agentCfg,
		readFile: os.ReadFile,
	}
}

// Run invokes the role on the story and interprets the reply. A
// successful reply is normalized to a canonical status; an answer the
// normalizer cannot place keeps the current status (no transition). Any
// SDK failure lands the story in Failed with the reason in the blob.
func (r *Runner) Run(ctx context.Context, role Role, rec *persistence.StoryRecord) Outcome {
	content, err := r.readFile(rec.StoryPath)
	if err != nil {
		return Outcome{
			Status: status.Failed,
			Blob:   map[string]any{"reason": fmt.Sprintf("read story: %v", err)},
		}
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(shared.WithRole(ctx, string(role)), traceID)

	prompt := buildPrompt(role, rec.StoryPath, rec.Status, string(content))
	res := r.executor.Execute(ctx, prompt, sdk.ExecOptions{
		Role:       string(role),
		Story:      rec.StoryPath,
		Timeout:    r.sdkCfg.Timeout(),
		MaxRetries: r.sdkCfg.MaxRetries,
		Session: sdk.Options{
			Model:     r.agentCfg.Model,
			MaxTokens: r.agentCfg.MaxTokens,
		},
	})

	if res.Failed() {
		reason := res.Reason
		if reason == "" {
			reason = string(res.Kind)
		}
		r.logger.Warn("role invocation failed",
			"trace_id", traceID,
			"role", string(role),
			"story", rec.StoryPath,
			"kind", string(res.Kind),
			"attempts", res.Attempts,
			"reason", reason)
		return Outcome{
			Status: status.Failed,
			Blob: map[string]any{
				"reason":   reason,
				"kind":     string(res.Kind),
				"attempts": res.Attempts,
			},
		}
	}

	next := interpretReply(res.Text)
	if next == status.Unknown {
		r.logger.Info("agent reply had no recognizable status, keeping current",
			"role", string(role),
			"story", rec.StoryPath,
			"status", string(rec.Status))
		return Outcome{
			Status: rec.Status,
			Blob:   map[string]any{"result": res.Text, "unrecognized": true},
		}
	}
	return Outcome{
		Status: next,
		Blob:   map[string]any{"result": res.Text, "attempts": res.Attempts},
	}
}

// interpretReply finds the status declaration in an agent reply. The
// contract puts it on the last line, but agents pad their answers, so
// the scan walks backward and prefers explicit "Status:" lines.
func interpretReply(text string) status.Status {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if st := status.Normalize(line); st != status.Unknown {
			return st
		}
		// Only the trailing non-empty line gets the free-form
		// treatment; above it, require an explicit marker.
		break
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if len(line) < 7 || !strings.EqualFold(line[:7], "status:") {
			continue
		}
		if st := status.Normalize(line); st != status.Unknown {
			return st
		}
	}
	return status.Unknown
}
