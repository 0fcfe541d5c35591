// Package driver walks every story of an epic through the Story
// Master, Developer, and QA roles until each reaches a terminal state,
// then hands the epic to the quality pipeline. It owns the shutdown
// flag, the iteration caps, and the write-conflict retries; roles and
// the SDK below it never see process-level concerns.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/storyflow/internal/bus"
	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/epicdoc"
	otelPkg "github.com/basket/storyflow/internal/otel"
	"github.com/basket/storyflow/internal/persistence"
	"github.com/basket/storyflow/internal/roles"
	"github.com/basket/storyflow/internal/shared"
	"github.com/basket/storyflow/internal/status"
)

// StoryLister supplies the stories of an epic document. Satisfied by
// epicdoc.Lister.
type StoryLister interface {
	List(epicPath string) ([]epicdoc.Story, error)
}

// ChangeNotifier flags epic-document edits between stories. Satisfied
// by *epicdoc.Watcher.
type ChangeNotifier interface {
	Dirty() bool
}

// RoleRunner executes one role invocation. Satisfied by *roles.Runner.
type RoleRunner interface {
	Run(ctx context.Context, role roles.Role, rec *persistence.StoryRecord) roles.Outcome
}

// PhaseRunner runs one post-story phase and returns its resulting
// status string.
type PhaseRunner interface {
	Run(ctx context.Context, epicID string) (string, error)
}

// Summary is the outcome of one epic run.
type Summary struct {
	EpicID        string
	EpicPath      string
	Total         int
	Done          int
	Failed        int
	Pending       int // non-terminal at exit (shutdown or new stories)
	QualityStatus string
	TestStatus    string
	Interrupted   bool
	StrictFailed  bool
}

// ExitCode maps the summary onto the process exit code: 0 for a clean
// or waived run, 1 when any story or phase failed or stories were left
// non-terminal, 2 when the run was interrupted before finishing.
func (s *Summary) ExitCode() int {
	if s.Interrupted {
		return 2
	}
	if s.Failed > 0 || s.Pending > 0 || s.TestStatus == "failed" || s.StrictFailed {
		return 1
	}
	return 0
}

// Driver runs epics.
type Driver struct {
	store    *persistence.Store
	roles    RoleRunner
	lister   StoryLister
	notifier ChangeNotifier // may be nil
	quality  PhaseRunner    // may be nil
	tests    PhaseRunner    // may be nil
	events   *bus.Bus       // may be nil
	tracer   trace.Tracer   // may be nil
	logger   *slog.Logger
	cfg      config.DriverConfig
	shutdown atomic.Bool
}

// New wires a driver. Quality, tests, and notifier are optional.
func New(store *persistence.Store, roleRunner RoleRunner, lister StoryLister, logger *slog.Logger, cfg config.DriverConfig) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:  store,
		roles:  roleRunner,
		lister: lister,
		logger: logger,
		cfg:    cfg,
	}
}

// WithPhases attaches the quality and test phases.
func (d *Driver) WithPhases(quality, tests PhaseRunner) *Driver {
	d.quality = quality
	d.tests = tests
	return d
}

// WithNotifier attaches an epic-document change notifier.
func (d *Driver) WithNotifier(n ChangeNotifier) *Driver {
	d.notifier = n
	return d
}

// WithEvents attaches the event bus.
func (d *Driver) WithEvents(b *bus.Bus) *Driver {
	d.events = b
	return d
}

// WithTracer attaches a tracer for run, story, and role spans.
func (d *Driver) WithTracer(t trace.Tracer) *Driver {
	d.tracer = t
	return d
}

// Shutdown requests a graceful stop. The current SDK call is allowed to
// finish or observe the cancellation; no new story or role starts
// afterwards. Safe from any goroutine, typically the signal handler.
func (d *Driver) Shutdown() {
	d.shutdown.Store(true)
}

// Run processes one epic to completion. Errors are infrastructure
// failures (unreadable epic, broken store); story and agent failures
// land in the summary instead.
func (d *Driver) Run(ctx context.Context, epicPath string) (*Summary, error) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithEpicPath(ctx, epicPath), runID)
	d.logger = d.logger.With("run_id", runID)

	stories, err := d.lister.List(epicPath)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	epicID := strings.TrimSuffix(filepath.Base(epicPath), filepath.Ext(epicPath))

	ctx, span := otelPkg.StartSpan(ctx, d.tracer, "epic.run", otelPkg.AttrEpicID.String(epicID))
	defer span.End()

	if err := d.store.UpsertEpic(ctx, epicID, epicPath, len(stories)); err != nil {
		return nil, fmt.Errorf("register epic: %w", err)
	}
	queue := make([]string, 0, len(stories))
	for _, s := range stories {
		if err := d.store.UpsertStory(ctx, s.Path, epicPath, s.Status); err != nil {
			return nil, fmt.Errorf("register story %s: %w", s.Path, err)
		}
		queue = append(queue, s.Path)
	}
	if err := d.store.UpdateEpic(ctx, persistence.EpicPatch{EpicID: epicID, Status: "in_progress"}); err != nil {
		return nil, fmt.Errorf("start epic: %w", err)
	}
	d.publishEpic(bus.TopicEpicStarted, epicID, epicPath, "in_progress", len(stories), 0, 0)

	if d.cfg.RetryFailed {
		d.resetFailedStories(ctx, epicPath)
	}

	var interrupted bool
	if d.cfg.Concurrent {
		interrupted = d.runConcurrent(ctx, queue)
	} else {
		interrupted = d.runSequential(ctx, epicPath, queue)
	}

	summary := &Summary{EpicID: epicID, EpicPath: epicPath, Interrupted: interrupted}
	records, err := d.store.ListStories(ctx, epicPath, status.Unknown)
	if err != nil {
		return nil, fmt.Errorf("tally stories: %w", err)
	}
	summary.Total = len(records)
	for _, rec := range records {
		switch rec.Status {
		case status.Done:
			summary.Done++
		case status.Failed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}

	// An epic with no stories completes immediately; there is nothing
	// for the quality pipeline to repair against.
	if !interrupted && summary.Total > 0 {
		d.runPhases(ctx, epicID, summary)
	}

	epicStatus := "completed"
	switch {
	case interrupted:
		epicStatus = "in_progress"
	case summary.Failed > 0 || summary.TestStatus == "failed":
		epicStatus = "failed"
	}
	patch := persistence.EpicPatch{
		EpicID:             epicID,
		Status:             epicStatus,
		QualityPhaseStatus: summary.QualityStatus,
		TestPhaseStatus:    summary.TestStatus,
	}
	if err := d.store.UpdateEpic(ctx, patch); err != nil {
		return nil, fmt.Errorf("finish epic: %w", err)
	}
	d.publishEpic(bus.TopicEpicCompleted, epicID, epicPath, epicStatus, summary.Total, summary.Done, summary.Failed)
	return summary, nil
}

// runSequential processes the queue in document order, re-reading the
// epic between stories when the notifier flags an edit.
func (d *Driver) runSequential(ctx context.Context, epicPath string, queue []string) bool {
	seen := make(map[string]bool, len(queue))
	for _, p := range queue {
		seen[p] = true
	}
	for i := 0; i < len(queue); i++ {
		if d.shutdown.Load() {
			d.logger.Info("shutdown requested, stopping before next story", "remaining", len(queue)-i)
			return true
		}
		d.processStory(ctx, queue[i])

		if d.notifier != nil && d.notifier.Dirty() {
			queue = d.appendNewStories(ctx, epicPath, queue, seen)
		}
	}
	return d.shutdown.Load()
}

// runConcurrent processes stories with a bounded worker group. The
// document is not re-read mid-run in this mode.
func (d *Driver) runConcurrent(ctx context.Context, queue []string) bool {
	limit := d.cfg.Concurrency
	if limit < 1 {
		limit = 2
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, path := range queue {
		if d.shutdown.Load() {
			break
		}
		g.Go(func() error {
			if d.shutdown.Load() {
				return nil
			}
			d.processStory(gctx, path)
			return nil
		})
	}
	_ = g.Wait()
	return d.shutdown.Load()
}

// appendNewStories re-reads the epic and queues stories it has not seen
// yet.
func (d *Driver) appendNewStories(ctx context.Context, epicPath string, queue []string, seen map[string]bool) []string {
	stories, err := d.lister.List(epicPath)
	if err != nil {
		d.logger.Warn("re-read epic after edit", "error", err.Error())
		return queue
	}
	added := 0
	for _, s := range stories {
		if seen[s.Path] {
			continue
		}
		if err := d.store.UpsertStory(ctx, s.Path, epicPath, s.Status); err != nil {
			d.logger.Warn("register appended story", "story", s.Path, "error", err.Error())
			continue
		}
		seen[s.Path] = true
		queue = append(queue, s.Path)
		added++
	}
	if added > 0 {
		d.logger.Info("picked up stories appended to epic", "added", added)
		epicID := strings.TrimSuffix(filepath.Base(epicPath), filepath.Ext(epicPath))
		if err := d.store.UpsertEpic(ctx, epicID, epicPath, len(stories)); err != nil {
			d.logger.Warn("refresh epic total", "error", err.Error())
		}
	}
	return queue
}

func (d *Driver) resetFailedStories(ctx context.Context, epicPath string) {
	failed, err := d.store.ListStories(ctx, epicPath, status.Failed)
	if err != nil {
		d.logger.Warn("list failed stories for retry", "error", err.Error())
		return
	}
	for _, rec := range failed {
		resumed, err := d.store.ResetFailedStory(ctx, rec.StoryPath)
		if err != nil {
			d.logger.Warn("reset failed story", "story", rec.StoryPath, "error", err.Error())
			continue
		}
		d.logger.Info("failed story reset for retry", "story", rec.StoryPath, "resumed_at", string(resumed))
	}
}

// processStory drives one story to a terminal state. Role failures and
// refused writes are folded into the story record; only the shutdown
// flag stops the loop early.
func (d *Driver) processStory(ctx context.Context, storyPath string) {
	ctx = shared.WithStoryPath(ctx, storyPath)
	ctx, span := otelPkg.StartSpan(ctx, d.tracer, "story.process", otelPkg.AttrStoryPath.String(storyPath))
	defer span.End()
	for {
		if d.shutdown.Load() {
			return
		}
		rec, err := d.store.GetStory(ctx, storyPath)
		if err != nil {
			d.logger.Error("read story", "story", storyPath, "error", err.Error())
			return
		}
		if status.Terminal(rec.Status) {
			return
		}

		if rec.Status == status.ReadyForDone && !d.cfg.FinalizeWithDev {
			d.writeOutcome(ctx, rec, roles.Outcome{Status: status.Done}, "finalize", rec.Iteration)
			continue
		}

		role, ok := d.roleFor(rec.Status)
		if !ok {
			d.logger.Error("no role for status", "story", storyPath, "status", string(rec.Status))
			return
		}

		roleCtx, roleSpan := otelPkg.StartSpan(ctx, d.tracer, "role.invoke",
			otelPkg.AttrRole.String(string(role)),
			otelPkg.AttrStatus.String(string(rec.Status)),
			otelPkg.AttrIteration.Int(rec.Iteration))
		outcome := d.roles.Run(roleCtx, role, rec)
		roleSpan.SetAttributes(otelPkg.AttrStatus.String(string(outcome.Status)))
		roleSpan.End()
		iteration := d.nextIteration(rec, outcome)
		if iteration >= d.cfg.IterationCap && !status.Terminal(outcome.Status) {
			reason := fmt.Sprintf("no terminal progress after %d iterations", iteration)
			d.logger.Warn("iteration cap reached", "story", storyPath, "iterations", iteration)
			d.writeOutcome(ctx, rec, roles.Outcome{
				Status: status.Failed,
				Blob:   map[string]any{"reason": reason},
			}, string(role), iteration)
			return
		}
		d.writeOutcome(ctx, rec, outcome, string(role), iteration)
	}
}

// roleFor picks the acting role, honoring the finalize-with-dev option
// for stories QA already passed.
func (d *Driver) roleFor(st status.Status) (roles.Role, bool) {
	if st == status.ReadyForDone && d.cfg.FinalizeWithDev {
		return roles.Developer, true
	}
	return roles.ForStatus(st)
}

// nextIteration computes the persisted iteration counter: reset on
// forward progress, incremented when the story spins in place or QA
// sends it back.
func (d *Driver) nextIteration(rec *persistence.StoryRecord, outcome roles.Outcome) int {
	if outcome.Status == rec.Status {
		return rec.Iteration + 1
	}
	if rec.Status == status.ReadyForReview && outcome.Status == status.InProgress {
		// A concerns round-trip is progress of a kind, but unbounded
		// review cycles must still hit the cap.
		return rec.Iteration + 1
	}
	return 0
}

// writeOutcome persists one outcome with bounded version-conflict
// retries. The role is never re-invoked for a conflict; only the write
// is repeated against the refreshed version.
func (d *Driver) writeOutcome(ctx context.Context, rec *persistence.StoryRecord, outcome roles.Outcome, phase string, iteration int) {
	patch := persistence.StoryPatch{
		StoryPath:       rec.StoryPath,
		Status:          outcome.Status,
		Phase:           phase,
		Iteration:       &iteration,
		ExpectedVersion: rec.Version,
	}
	if qa := qaResult(rec.Status, outcome.Status); qa != "" {
		patch.QAResult = &qa
	}
	if reason, ok := outcome.Blob["reason"].(string); ok && outcome.Status == status.Failed {
		patch.ErrorMessage = &reason
	}

	retries := d.cfg.StoreWriteRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		_, err := d.store.UpdateStory(ctx, patch)
		if err == nil {
			return
		}
		if errors.Is(err, persistence.ErrVersionConflict) && attempt < retries {
			fresh, readErr := d.store.GetStory(ctx, rec.StoryPath)
			if readErr != nil {
				d.logger.Error("refresh story after conflict", "story", rec.StoryPath, "error", readErr.Error())
				return
			}
			patch.ExpectedVersion = fresh.Version
			d.logger.Debug("store write conflict, retrying",
				"story", rec.StoryPath, "attempt", attempt, "version", fresh.Version)
			continue
		}
		if errors.Is(err, persistence.ErrInvalidTransition) {
			// The agent answered a status the state machine refuses.
			// Treated like an unrecognizable answer: the story spins
			// and the iteration cap catches it.
			d.logger.Warn("refused transition",
				"story", rec.StoryPath,
				"from", string(rec.Status),
				"to", string(outcome.Status))
			iter := rec.Iteration + 1
			spin := persistence.StoryPatch{
				StoryPath: rec.StoryPath,
				Status:    rec.Status,
				Phase:     phase,
				Iteration: &iter,
			}
			if _, spinErr := d.store.UpdateStory(ctx, spin); spinErr != nil {
				d.logger.Error("record refused transition", "story", rec.StoryPath, "error", spinErr.Error())
			}
			return
		}
		d.logger.Error("write story outcome", "story", rec.StoryPath, "error", err.Error())
		return
	}
	d.logger.Error("write retries exhausted", "story", rec.StoryPath, "retries", retries)
}

// qaResult derives the persisted QA verdict from a review transition.
func qaResult(from, to status.Status) string {
	if from != status.ReadyForReview {
		return ""
	}
	switch to {
	case status.ReadyForDone, status.Done:
		return string(status.ProcQAPass)
	case status.InProgress:
		return string(status.ProcQAConcerns)
	case status.Failed:
		return string(status.ProcQAFail)
	default:
		return ""
	}
}

// runPhases executes the quality and test loops after all stories are
// terminal. Phase errors degrade the phase status; they never abort the
// run.
func (d *Driver) runPhases(ctx context.Context, epicID string, summary *Summary) {
	if d.quality != nil {
		st, err := d.quality.Run(ctx, epicID)
		if err != nil {
			d.logger.Error("quality phase", "epic", epicID, "error", err.Error())
			st = "concerns"
		}
		summary.QualityStatus = st
		if st == "concerns" && d.cfg.Strict {
			summary.StrictFailed = true
		}
	}
	if d.tests != nil {
		st, err := d.tests.Run(ctx, epicID)
		if err != nil {
			d.logger.Error("test phase", "epic", epicID, "error", err.Error())
			st = "failed"
		}
		summary.TestStatus = st
	}
}

func (d *Driver) publishEpic(topic, epicID, epicPath, epicStatus string, total, done, failed int) {
	if d.events == nil {
		return
	}
	d.events.Publish(topic, bus.EpicEvent{
		EpicID:    epicID,
		EpicPath:  epicPath,
		Status:    epicStatus,
		Total:     total,
		Completed: done,
		Failed:    failed,
	})
}
