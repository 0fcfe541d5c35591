package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/storyflow/internal/bus"
	"github.com/basket/storyflow/internal/config"
	otelPkg "github.com/basket/storyflow/internal/otel"
	"github.com/basket/storyflow/internal/persistence"
	"github.com/basket/storyflow/internal/sdk"
)

// Phase status values persisted on the epic record.
const (
	PhaseCompleted = "completed"
	PhaseConcerns  = "concerns"
	PhaseFailed    = "failed"
)

// Executor runs one repair invocation. Satisfied by *sdk.Invoker.
type Executor interface {
	Execute(ctx context.Context, prompt string, opts sdk.ExecOptions) sdk.Result
}

// AnalyzerSource produces analyzer reports. Satisfied by
// *AnalyzerRunner.
type AnalyzerSource interface {
	Run(ctx context.Context, dir string) (*AnalyzerReport, error)
}

// TestSource produces test reports. Satisfied by *TestRunner.
type TestSource interface {
	Run(ctx context.Context, dir string) (*TestReport, error)
}

// QualityPhase is the bounded static-analysis repair loop. Files still
// dirty after the round budget are waived and the phase settles at
// "concerns" rather than blocking the epic.
type QualityPhase struct {
	store    *persistence.Store
	analyzer AnalyzerSource
	executor Executor
	events   *bus.Bus     // may be nil
	tracer   trace.Tracer // may be nil
	logger   *slog.Logger
	cfg      config.QualityConfig
	sdkCfg   config.SDKConfig
}

// NewQualityPhase wires the quality loop.
func NewQualityPhase(store *persistence.Store, analyzer AnalyzerSource, executor Executor, events *bus.Bus, logger *slog.Logger, cfg config.QualityConfig, sdkCfg config.SDKConfig) *QualityPhase {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityPhase{
		store:    store,
		analyzer: analyzer,
		executor: executor,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		sdkCfg:   sdkCfg,
	}
}

// WithTracer attaches a tracer; each repair round gets a span.
func (p *QualityPhase) WithTracer(t trace.Tracer) *QualityPhase {
	p.tracer = t
	return p
}

// Run analyzes, repairs, and re-analyzes until clean or out of rounds.
// The returned string is the phase status for the epic record.
func (p *QualityPhase) Run(ctx context.Context, epicID string) (string, error) {
	report, err := p.analyzer.Run(ctx, p.cfg.SourceDir)
	if err != nil {
		return "", err
	}
	dirty := report.DirtyFiles()
	if len(dirty) == 0 {
		p.logger.Info("quality phase clean on first pass", "epic", epicID)
		return PhaseCompleted, nil
	}

	for round := 1; round <= p.cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dirty, err = p.repairRound(ctx, epicID, round, dirty)
		if err != nil {
			return "", err
		}
		if len(dirty) == 0 {
			p.logger.Info("quality phase clean", "epic", epicID, "rounds", round)
			p.publishRound(bus.TopicQualityCompleted, epicID, round, 0)
			return PhaseCompleted, nil
		}
	}

	waived, err := p.store.MarkQualityWaived(ctx, epicID)
	if err != nil {
		p.logger.Warn("waive residual findings", "epic", epicID, "error", err.Error())
	}
	p.logger.Warn("quality rounds exhausted, residue waived",
		"epic", epicID, "dirty_files", len(dirty), "waived_records", waived)
	p.publishRound(bus.TopicQualityCompleted, epicID, p.cfg.Rounds, len(dirty))
	return PhaseConcerns, nil
}

// repairRound runs one repair pass over the dirty files and returns
// the files still dirty afterwards.
func (p *QualityPhase) repairRound(ctx context.Context, epicID string, round int, dirty map[string][]Finding) (map[string][]Finding, error) {
	ctx, span := otelPkg.StartSpan(ctx, p.tracer, "phase.quality.round",
		otelPkg.AttrEpicID.String(epicID),
		otelPkg.AttrPhase.String("quality"),
		otelPkg.AttrRound.Int(round))
	defer span.End()

	p.logger.Info("quality repair round",
		"epic", epicID, "round", round, "dirty_files", len(dirty))
	p.publishRound(bus.TopicQualityRound, epicID, round, len(dirty))

	for _, file := range sortedKeys(dirty) {
		findings := dirty[file]
		raw, _ := json.Marshal(findings)
		if _, err := p.store.RecordQualityResult(ctx, epicID, file, len(findings), persistence.FixPending, string(raw)); err != nil {
			p.logger.Warn("record quality finding", "file", file, "error", err.Error())
		}

		res := p.executor.Execute(ctx, repairLintPrompt(file, findings), sdk.ExecOptions{
			Role:       "quality",
			Story:      file,
			Timeout:    p.sdkCfg.Timeout(),
			MaxRetries: p.sdkCfg.MaxRetries,
		})
		if res.Failed() {
			p.logger.Warn("lint repair failed",
				"file", file, "kind", string(res.Kind), "reason", res.Reason)
		}
	}

	report, err := p.analyzer.Run(ctx, p.cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	next := report.DirtyFiles()
	for _, file := range sortedKeys(dirty) {
		if _, still := next[file]; still {
			continue
		}
		if _, err := p.store.RecordQualityResult(ctx, epicID, file, 0, persistence.FixFixed, ""); err != nil {
			p.logger.Warn("record quality fix", "file", file, "error", err.Error())
		}
	}
	return next, nil
}

func (p *QualityPhase) publishRound(topic, epicID string, round, dirtyLeft int) {
	if p.events == nil {
		return
	}
	p.events.Publish(topic, bus.PhaseRoundEvent{EpicID: epicID, Round: round, DirtyLeft: dirtyLeft})
}

// TestPhase is the bounded test repair loop. Residual failures mark the
// phase failed; there is no waiver for broken tests.
type TestPhase struct {
	store     *persistence.Store
	runner    TestSource
	executor  Executor
	collector DebugCollector // may be nil
	events    *bus.Bus       // may be nil
	tracer    trace.Tracer   // may be nil
	logger    *slog.Logger
	cfg       config.TestConfig
	sdkCfg    config.SDKConfig
}

// NewTestPhase wires the test loop.
func NewTestPhase(store *persistence.Store, runner TestSource, executor Executor, events *bus.Bus, logger *slog.Logger, cfg config.TestConfig, sdkCfg config.SDKConfig) *TestPhase {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestPhase{
		store:    store,
		runner:   runner,
		executor: executor,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		sdkCfg:   sdkCfg,
	}
}

// WithCollector attaches a best-effort debug-info collector consulted
// for each failing file before its repair prompt is built.
func (p *TestPhase) WithCollector(c DebugCollector) *TestPhase {
	p.collector = c
	return p
}

// WithTracer attaches a tracer; each repair round gets a span.
func (p *TestPhase) WithTracer(t trace.Tracer) *TestPhase {
	p.tracer = t
	return p
}

// Run executes the suite, repairs failing files, and re-runs until
// green or out of rounds.
func (p *TestPhase) Run(ctx context.Context, epicID string) (string, error) {
	report, err := p.runner.Run(ctx, p.cfg.TestDir)
	if err != nil {
		return "", err
	}
	failing := report.FailingFiles()
	if len(failing) == 0 {
		p.logger.Info("test phase green on first pass",
			"epic", epicID, "total", report.Summary.Total)
		return PhaseCompleted, nil
	}

	for round := 1; round <= p.cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		failing, err = p.repairRound(ctx, epicID, round, failing)
		if err != nil {
			return "", err
		}
		if len(failing) == 0 {
			p.logger.Info("test phase green", "epic", epicID, "rounds", round)
			p.publishRound(bus.TopicTestPhaseCompleted, epicID, round, 0)
			return PhaseCompleted, nil
		}
	}

	p.logger.Error("test rounds exhausted with failures remaining",
		"epic", epicID, "failing_files", len(failing))
	p.publishRound(bus.TopicTestPhaseCompleted, epicID, p.cfg.Rounds, len(failing))
	return PhaseFailed, nil
}

// repairRound runs one repair pass over the failing files and returns
// the files still failing afterwards.
func (p *TestPhase) repairRound(ctx context.Context, epicID string, round int, failing map[string][]TestCase) (map[string][]TestCase, error) {
	ctx, span := otelPkg.StartSpan(ctx, p.tracer, "phase.test.round",
		otelPkg.AttrEpicID.String(epicID),
		otelPkg.AttrPhase.String("test"),
		otelPkg.AttrRound.Int(round))
	defer span.End()

	p.logger.Info("test repair round",
		"epic", epicID, "round", round, "failing_files", len(failing))
	p.publishRound(bus.TopicTestRound, epicID, round, len(failing))

	for _, file := range sortedKeys(failing) {
		cases := failing[file]
		debugInfo := ""
		if p.collector != nil {
			debugInfo = p.collector.Collect(ctx, file)
		}
		if _, err := p.store.RecordTestResult(ctx, epicID, file, len(cases), persistence.FixPending, debugInfo); err != nil {
			p.logger.Warn("record test failure", "file", file, "error", err.Error())
		}

		res := p.executor.Execute(ctx, repairTestPrompt(file, cases, debugInfo), sdk.ExecOptions{
			Role:       "test",
			Story:      file,
			Timeout:    p.sdkCfg.Timeout(),
			MaxRetries: p.sdkCfg.MaxRetries,
		})
		if res.Failed() {
			p.logger.Warn("test repair failed",
				"file", file, "kind", string(res.Kind), "reason", res.Reason)
		}
	}

	report, err := p.runner.Run(ctx, p.cfg.TestDir)
	if err != nil {
		return nil, err
	}
	next := report.FailingFiles()
	for _, file := range sortedKeys(failing) {
		if _, still := next[file]; still {
			continue
		}
		if _, err := p.store.RecordTestResult(ctx, epicID, file, 0, persistence.FixFixed, ""); err != nil {
			p.logger.Warn("record test fix", "file", file, "error", err.Error())
		}
	}
	return next, nil
}

func (p *TestPhase) publishRound(topic, epicID string, round, failingLeft int) {
	if p.events == nil {
		return
	}
	p.events.Publish(topic, bus.PhaseRoundEvent{EpicID: epicID, Round: round, DirtyLeft: failingLeft})
}

// repairLintPrompt asks the agent to clear one file's diagnostics.
func repairLintPrompt(file string, findings []Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Static analysis reports %d problem(s) in %s. Fix every one of them ", len(findings), file)
	sb.WriteString("without suppressing rules or deleting functionality.\n\n")
	for _, f := range findings {
		fmt.Fprintf(&sb, "- line %d col %d [%s] %s\n", f.Line, f.Column, f.Rule, f.Message)
	}
	sb.WriteString("\nEdit the file in place and reply with a short note of what you changed.")
	return sb.String()
}

// repairTestPrompt asks the agent to make one test file pass.
func repairTestPrompt(file string, cases []TestCase, debugInfo string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The test file %s has %d failing test(s). Make them pass by fixing ", file, len(cases))
	sb.WriteString("the code under test, or the test itself if it is asserting the wrong thing.\n\n")
	for _, tc := range cases {
		fmt.Fprintf(&sb, "### %s (%s)\n", tc.NodeID, tc.Outcome)
		if tc.LongRepr != "" {
			fmt.Fprintf(&sb, "```\n%s\n```\n", tc.LongRepr)
		}
	}
	if debugInfo != "" {
		fmt.Fprintf(&sb, "\nDebugger snapshot:\n```\n%s\n```\n", debugInfo)
	}
	sb.WriteString("\nReply with a short note of what you changed.")
	return sb.String()
}
