package driver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/epicdoc"
	"github.com/basket/storyflow/internal/persistence"
	"github.com/basket/storyflow/internal/roles"
	"github.com/basket/storyflow/internal/status"
)

type fakeLister struct {
	mu      sync.Mutex
	stories []epicdoc.Story
}

func (l *fakeLister) List(string) ([]epicdoc.Story, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]epicdoc.Story(nil), l.stories...), nil
}

func (l *fakeLister) set(stories []epicdoc.Story) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stories = stories
}

type fakeRoles struct {
	mu    sync.Mutex
	fn    func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome
	calls int
}

func (f *fakeRoles) Run(ctx context.Context, role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(role, rec)
}

func (f *fakeRoles) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePhase struct {
	status string
	err    error
	ran    bool
}

func (p *fakePhase) Run(ctx context.Context, epicID string) (string, error) {
	p.ran = true
	return p.status, p.err
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "driver.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func defaultCfg() config.DriverConfig {
	return config.Default().Driver
}

func testDriver(t *testing.T, store *persistence.Store, roleRunner RoleRunner, lister StoryLister, cfg config.DriverConfig) *Driver {
	t.Helper()
	return New(store, roleRunner, lister, slog.New(slog.DiscardHandler), cfg)
}

// happyPathRoles walks the canonical chain one step per invocation.
func happyPathRoles() *fakeRoles {
	return &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		switch role {
		case roles.StoryMaster:
			return roles.Outcome{Status: status.ReadyForDevelopment}
		case roles.Developer:
			return roles.Outcome{Status: status.ReadyForReview}
		case roles.QA:
			return roles.Outcome{Status: status.ReadyForDone}
		}
		return roles.Outcome{Status: rec.Status}
	}}
}

func TestRunHappyPath(t *testing.T) {
	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{
		{Path: "s1.md", Status: status.Draft},
		{Path: "s2.md", Status: status.ReadyForDevelopment},
	}}

	d := testDriver(t, store, happyPathRoles(), lister, defaultCfg())
	summary, err := d.Run(context.Background(), "docs/epic-1.md")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Done != 2 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 2 done", summary)
	}
	if summary.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", summary.ExitCode())
	}

	rec, err := store.GetStory(context.Background(), "s1.md")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != status.Done {
		t.Errorf("s1 status = %q, want Done", rec.Status)
	}
	if rec.QAResult != "qa_pass" {
		t.Errorf("s1 qa_result = %q, want qa_pass", rec.QAResult)
	}

	epic, err := store.GetEpic(context.Background(), "epic-1")
	if err != nil {
		t.Fatal(err)
	}
	if epic.Status != "completed" || epic.CompletedStories != 2 {
		t.Errorf("epic = %+v, want completed with 2 stories", epic)
	}
}

func TestRunForwardJump(t *testing.T) {
	// The Story Master lands the story two states ahead; the pipeline
	// accepts the jump and picks up at QA.
	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		switch role {
		case roles.StoryMaster:
			return roles.Outcome{Status: status.ReadyForReview}
		case roles.QA:
			return roles.Outcome{Status: status.ReadyForDone}
		}
		t.Errorf("unexpected role %q for status %q", role, rec.Status)
		return roles.Outcome{Status: status.Failed}
	}}

	summary, err := testDriver(t, store, roleRunner, lister, defaultCfg()).Run(context.Background(), "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Done != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if roleRunner.callCount() != 2 {
		t.Errorf("role calls = %d, want 2 (sm, qa)", roleRunner.callCount())
	}
}

func TestRunQAConcernsRoundTrip(t *testing.T) {
	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.ReadyForReview}}}
	reviews := 0
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		switch role {
		case roles.QA:
			reviews++
			if reviews == 1 {
				return roles.Outcome{Status: status.InProgress}
			}
			return roles.Outcome{Status: status.ReadyForDone}
		case roles.Developer:
			return roles.Outcome{Status: status.ReadyForReview}
		}
		return roles.Outcome{Status: rec.Status}
	}}

	summary, err := testDriver(t, store, roleRunner, lister, defaultCfg()).Run(context.Background(), "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Done != 1 {
		t.Fatalf("summary = %+v, want story done after rework", summary)
	}
	rec, _ := store.GetStory(context.Background(), "s1.md")
	if rec.QAResult != "qa_pass" {
		t.Errorf("qa_result = %q, want final qa_pass", rec.QAResult)
	}
}

func TestRunIterationCap(t *testing.T) {
	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.ReadyForDevelopment}}}
	// The agent never produces a recognizable status.
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		return roles.Outcome{Status: rec.Status, Blob: map[string]any{"unrecognized": true}}
	}}

	cfg := defaultCfg()
	cfg.IterationCap = 3
	summary, err := testDriver(t, store, roleRunner, lister, cfg).Run(context.Background(), "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}
	if summary.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", summary.ExitCode())
	}
	if roleRunner.callCount() != 3 {
		t.Errorf("role calls = %d, want 3 (cap)", roleRunner.callCount())
	}
	rec, _ := store.GetStory(context.Background(), "s1.md")
	if rec.Status != status.Failed {
		t.Errorf("status = %q, want Failed", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestRunConcurrentWithOneFailure(t *testing.T) {
	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{
		{Path: "a.md", Status: status.Draft},
		{Path: "b.md", Status: status.Draft},
		{Path: "c.md", Status: status.Draft},
	}}
	happy := happyPathRoles()
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		if rec.StoryPath == "b.md" {
			return roles.Outcome{Status: status.Failed, Blob: map[string]any{"reason": "deadline 2m0s exceeded"}}
		}
		return happy.fn(role, rec)
	}}

	cfg := defaultCfg()
	cfg.Concurrent = true
	cfg.Concurrency = 2
	summary, err := testDriver(t, store, roleRunner, lister, cfg).Run(context.Background(), "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Done != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 2 done 1 failed", summary)
	}
	if summary.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", summary.ExitCode())
	}
	epic, _ := store.GetEpic(context.Background(), "e")
	if epic.Status != "failed" {
		t.Errorf("epic status = %q, want failed", epic.Status)
	}
}

func TestRunShutdownBetweenStories(t *testing.T) {
	store := openStore(t)
	stories := []epicdoc.Story{
		{Path: "s1.md", Status: status.Draft},
		{Path: "s2.md", Status: status.Draft},
		{Path: "s3.md", Status: status.Draft},
		{Path: "s4.md", Status: status.Draft},
		{Path: "s5.md", Status: status.Draft},
	}
	lister := &fakeLister{stories: stories}

	var d *Driver
	happy := happyPathRoles()
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		if rec.StoryPath == "s2.md" && role == roles.Developer {
			// Signal arrives while story 2 is mid-call.
			d.Shutdown()
		}
		return happy.fn(role, rec)
	}}
	d = testDriver(t, store, roleRunner, lister, defaultCfg())

	summary, err := d.Run(context.Background(), "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Interrupted {
		t.Fatal("summary not marked interrupted")
	}
	if summary.ExitCode() != 2 {
		t.Errorf("exit code = %d, want 2", summary.ExitCode())
	}
	for _, path := range []string{"s3.md", "s4.md", "s5.md"} {
		rec, err := store.GetStory(context.Background(), path)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != status.Draft {
			t.Errorf("%s status = %q, want untouched Draft", path, rec.Status)
		}
	}
	epic, _ := store.GetEpic(context.Background(), "e")
	if epic.Status != "in_progress" {
		t.Errorf("epic status = %q, want in_progress after interrupt", epic.Status)
	}
}

func TestRunRetryFailedReset(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}

	// Seed a prior failed run: story failed out of Ready for Review.
	if err := store.UpsertStory(ctx, "s1.md", "e.md", status.Draft); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateStory(ctx, persistence.StoryPatch{StoryPath: "s1.md", Status: status.ReadyForReview}); err != nil {
		t.Fatal(err)
	}
	msg := "agent timed out"
	if _, err := store.UpdateStory(ctx, persistence.StoryPatch{StoryPath: "s1.md", Status: status.Failed, ErrorMessage: &msg}); err != nil {
		t.Fatal(err)
	}

	var sawStatus status.Status
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		if sawStatus == status.Unknown {
			sawStatus = rec.Status
		}
		return roles.Outcome{Status: status.ReadyForDone}
	}}

	cfg := defaultCfg()
	cfg.RetryFailed = true
	summary, err := testDriver(t, store, roleRunner, lister, cfg).Run(ctx, "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if sawStatus != status.ReadyForReview {
		t.Errorf("first role saw %q, want resumed Ready for Review", sawStatus)
	}
	if summary.Done != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunWithoutRetryFailedSkipsFailedStory(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
	if err := store.UpsertStory(ctx, "s1.md", "e.md", status.Draft); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateStory(ctx, persistence.StoryPatch{StoryPath: "s1.md", Status: status.Failed}); err != nil {
		t.Fatal(err)
	}

	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		t.Error("role invoked for terminal story")
		return roles.Outcome{Status: rec.Status}
	}}
	summary, err := testDriver(t, store, roleRunner, lister, defaultCfg()).Run(ctx, "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want failed story left alone", summary)
	}
}

func TestRunPhases(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		store := openStore(t)
		lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
		quality := &fakePhase{status: "completed"}
		tests := &fakePhase{status: "completed"}
		d := testDriver(t, store, happyPathRoles(), lister, defaultCfg()).WithPhases(quality, tests)

		summary, err := d.Run(context.Background(), "e.md")
		if err != nil {
			t.Fatal(err)
		}
		if !quality.ran || !tests.ran {
			t.Error("phases not run")
		}
		if summary.ExitCode() != 0 {
			t.Errorf("exit code = %d", summary.ExitCode())
		}
		epic, _ := store.GetEpic(context.Background(), "e")
		if epic.QualityPhaseStatus != "completed" || epic.TestPhaseStatus != "completed" {
			t.Errorf("epic phases = %q/%q", epic.QualityPhaseStatus, epic.TestPhaseStatus)
		}
	})

	t.Run("test phase failure fails the run", func(t *testing.T) {
		store := openStore(t)
		lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
		d := testDriver(t, store, happyPathRoles(), lister, defaultCfg()).
			WithPhases(&fakePhase{status: "completed"}, &fakePhase{status: "failed"})

		summary, err := d.Run(context.Background(), "e.md")
		if err != nil {
			t.Fatal(err)
		}
		if summary.ExitCode() != 1 {
			t.Errorf("exit code = %d, want 1", summary.ExitCode())
		}
		epic, _ := store.GetEpic(context.Background(), "e")
		if epic.Status != "failed" {
			t.Errorf("epic status = %q, want failed", epic.Status)
		}
	})

	t.Run("quality concerns pass unless strict", func(t *testing.T) {
		store := openStore(t)
		lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
		d := testDriver(t, store, happyPathRoles(), lister, defaultCfg()).
			WithPhases(&fakePhase{status: "concerns"}, &fakePhase{status: "completed"})
		summary, err := d.Run(context.Background(), "e.md")
		if err != nil {
			t.Fatal(err)
		}
		if summary.ExitCode() != 0 {
			t.Errorf("exit code = %d, want 0 (waived)", summary.ExitCode())
		}
	})

	t.Run("strict mode fails on concerns", func(t *testing.T) {
		store := openStore(t)
		lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
		cfg := defaultCfg()
		cfg.Strict = true
		d := testDriver(t, store, happyPathRoles(), lister, cfg).
			WithPhases(&fakePhase{status: "concerns"}, &fakePhase{status: "completed"})
		summary, err := d.Run(context.Background(), "e.md")
		if err != nil {
			t.Fatal(err)
		}
		if summary.ExitCode() != 1 {
			t.Errorf("exit code = %d, want 1", summary.ExitCode())
		}
	})

	t.Run("phase error degrades status", func(t *testing.T) {
		store := openStore(t)
		lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
		d := testDriver(t, store, happyPathRoles(), lister, defaultCfg()).
			WithPhases(&fakePhase{err: errors.New("analyzer not found")}, &fakePhase{status: "completed"})
		summary, err := d.Run(context.Background(), "e.md")
		if err != nil {
			t.Fatal(err)
		}
		if summary.QualityStatus != "concerns" {
			t.Errorf("quality status = %q, want concerns", summary.QualityStatus)
		}
	})
}

type alwaysDirty struct{ fired bool }

func (n *alwaysDirty) Dirty() bool {
	if n.fired {
		return false
	}
	n.fired = true
	return true
}

func TestRunPicksUpAppendedStories(t *testing.T) {
	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}

	roleRunner := &fakeRoles{}
	happy := happyPathRoles()
	roleRunner.fn = func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		// While s1 runs, a second story lands in the document.
		lister.set([]epicdoc.Story{
			{Path: "s1.md", Status: status.Draft},
			{Path: "s2.md", Status: status.Draft},
		})
		return happy.fn(role, rec)
	}

	d := testDriver(t, store, roleRunner, lister, defaultCfg()).WithNotifier(&alwaysDirty{})
	summary, err := d.Run(context.Background(), "e.md")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 2 || summary.Done != 2 {
		t.Fatalf("summary = %+v, want both stories done", summary)
	}
	epic, _ := store.GetEpic(context.Background(), "e")
	if epic.TotalStories != 2 {
		t.Errorf("epic total = %d, want refreshed 2", epic.TotalStories)
	}
}

func TestRunEmptyEpicCompletesImmediately(t *testing.T) {
	store := openStore(t)
	lister := &fakeLister{}
	roleRunner := &fakeRoles{fn: func(role roles.Role, rec *persistence.StoryRecord) roles.Outcome {
		t.Fatal("role invoked on an empty epic")
		return roles.Outcome{}
	}}
	qual := &fakePhase{status: "completed"}
	tests := &fakePhase{status: "completed"}

	d := testDriver(t, store, roleRunner, lister, defaultCfg()).WithPhases(qual, tests)
	summary, err := d.Run(context.Background(), "docs/empty.md")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 0 || summary.Done != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want all zero", summary)
	}
	if qual.ran || tests.ran {
		t.Errorf("phases ran on an empty story list (quality=%v tests=%v)", qual.ran, tests.ran)
	}
	if summary.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", summary.ExitCode())
	}

	epic, err := store.GetEpic(context.Background(), "empty")
	if err != nil {
		t.Fatal(err)
	}
	if epic.Status != "completed" {
		t.Errorf("epic status = %q, want completed", epic.Status)
	}
	if epic.CompletedStories != 0 || epic.TotalStories != 0 {
		t.Errorf("epic counters = %d/%d, want 0/0", epic.CompletedStories, epic.TotalStories)
	}
}

func TestRunEmptyEpicDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epic.md")
	if err := os.WriteFile(path, []byte("# Epic\n\nprose only, no story sections\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := openStore(t)
	d := testDriver(t, store, happyPathRoles(), epicdoc.Lister{}, defaultCfg())
	summary, err := d.Run(context.Background(), path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 0 || summary.ExitCode() != 0 {
		t.Fatalf("summary = %+v, want empty epic to complete with exit 0", summary)
	}
}

func TestExitCodePendingWithoutInterrupt(t *testing.T) {
	s := Summary{Total: 2, Done: 1, Pending: 1}
	if got := s.ExitCode(); got != 1 {
		t.Errorf("exit code = %d, want 1 for residual non-terminal stories", got)
	}
	s.Interrupted = true
	if got := s.ExitCode(); got != 2 {
		t.Errorf("exit code = %d, want interruption to take precedence", got)
	}
}

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := openStore(t)
	lister := &fakeLister{stories: []epicdoc.Story{{Path: "s1.md", Status: status.Draft}}}
	d := testDriver(t, store, happyPathRoles(), lister, defaultCfg()).
		WithTracer(tp.Tracer("test"))
	if _, err := d.Run(context.Background(), "e.md"); err != nil {
		t.Fatal(err)
	}

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	if names["epic.run"] != 1 {
		t.Errorf("epic.run spans = %d, want 1", names["epic.run"])
	}
	if names["story.process"] != 1 {
		t.Errorf("story.process spans = %d, want 1", names["story.process"])
	}
	if names["role.invoke"] == 0 {
		t.Error("no role.invoke spans recorded")
	}
}

func TestQAResultVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		from, to status.Status
		want     string
	}{
		{"pass", status.ReadyForReview, status.ReadyForDone, string(status.ProcQAPass)},
		{"pass on done", status.ReadyForReview, status.Done, string(status.ProcQAPass)},
		{"concerns", status.ReadyForReview, status.InProgress, string(status.ProcQAConcerns)},
		{"fail", status.ReadyForReview, status.Failed, string(status.ProcQAFail)},
		{"no verdict outside review", status.InProgress, status.ReadyForReview, ""},
		{"no verdict on hold", status.ReadyForReview, status.ReadyForReview, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := qaResult(tt.from, tt.to); got != tt.want {
				t.Errorf("qaResult(%s, %s) = %q, want %q", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
