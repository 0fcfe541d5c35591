package roles

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/persistence"
	"github.com/basket/storyflow/internal/sdk"
	"github.com/basket/storyflow/internal/status"
)

type fakeExecutor struct {
	result  sdk.Result
	prompts []string
	opts    []sdk.ExecOptions
}

func (f *fakeExecutor) Execute(ctx context.Context, prompt string, opts sdk.ExecOptions) sdk.Result {
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	return f.result
}

func testRunner(exec Executor) *Runner {
	cfg := config.Default()
	r := NewRunner(exec, slog.New(slog.DiscardHandler), cfg.SDK, cfg.Agent)
	r.readFile = func(string) ([]byte, error) {
		return []byte("# Story 1.1\n\nAs a user I want things.\n"), nil
	}
	return r
}

func TestForStatus(t *testing.T) {
	tests := []struct {
		st   status.Status
		want Role
		ok   bool
	}{
		{status.Draft, StoryMaster, true},
		{status.ReadyForDevelopment, Developer, true},
		{status.InProgress, Developer, true},
		{status.ReadyForReview, QA, true},
		{status.ReadyForDone, "", false},
		{status.Done, "", false},
		{status.Failed, "", false},
		{status.Unknown, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.st), func(t *testing.T) {
			role, ok := ForStatus(tt.st)
			if role != tt.want || ok != tt.ok {
				t.Errorf("ForStatus(%q) = (%q, %v), want (%q, %v)", tt.st, role, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRunSuccessNormalizesReply(t *testing.T) {
	exec := &fakeExecutor{result: sdk.Result{
		Kind:     sdk.KindSuccess,
		Text:     "I drafted the story.\n\nStatus: Ready for Development",
		Attempts: 1,
	}}
	rec := &persistence.StoryRecord{StoryPath: "docs/stories/1.1.md", Status: status.Draft}

	out := testRunner(exec).Run(context.Background(), StoryMaster, rec)
	if out.Status != status.ReadyForDevelopment {
		t.Fatalf("status = %q, want Ready for Development", out.Status)
	}
	if len(exec.opts) != 1 || exec.opts[0].Role != "sm" {
		t.Errorf("exec opts = %+v", exec.opts)
	}
}

func TestRunQAConcerns(t *testing.T) {
	exec := &fakeExecutor{result: sdk.Result{
		Kind: sdk.KindSuccess,
		Text: "The error path is untested.\n\nStatus: In Progress",
	}}
	rec := &persistence.StoryRecord{StoryPath: "s.md", Status: status.ReadyForReview}

	out := testRunner(exec).Run(context.Background(), QA, rec)
	if out.Status != status.InProgress {
		t.Fatalf("status = %q, want In Progress (concerns)", out.Status)
	}
}

func TestRunUnrecognizedReplyKeepsStatus(t *testing.T) {
	exec := &fakeExecutor{result: sdk.Result{
		Kind: sdk.KindSuccess,
		Text: "I could not decide what to do here.",
	}}
	rec := &persistence.StoryRecord{StoryPath: "s.md", Status: status.ReadyForDevelopment}

	out := testRunner(exec).Run(context.Background(), Developer, rec)
	if out.Status != status.ReadyForDevelopment {
		t.Fatalf("status = %q, want unchanged Ready for Development", out.Status)
	}
	if out.Blob["unrecognized"] != true {
		t.Errorf("blob = %v, want unrecognized marker", out.Blob)
	}
}

func TestRunSDKFailureLandsFailed(t *testing.T) {
	tests := []struct {
		name string
		res  sdk.Result
	}{
		{"timeout", sdk.Result{Kind: sdk.KindTimeout, Reason: "deadline 2m0s exceeded", Attempts: 1}},
		{"transport", sdk.Result{Kind: sdk.KindTransport, Reason: "broken pipe", Attempts: 4}},
		{"cancelled", sdk.Result{Kind: sdk.KindUnrecoverable, Reason: sdk.ReasonCancelled, Attempts: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{result: tt.res}
			rec := &persistence.StoryRecord{StoryPath: "s.md", Status: status.ReadyForDevelopment}
			out := testRunner(exec).Run(context.Background(), Developer, rec)
			if out.Status != status.Failed {
				t.Fatalf("status = %q, want Failed", out.Status)
			}
			if out.Blob["reason"] != tt.res.Reason {
				t.Errorf("reason = %v, want %q", out.Blob["reason"], tt.res.Reason)
			}
		})
	}
}

func TestRunUnreadableStoryFile(t *testing.T) {
	exec := &fakeExecutor{result: sdk.Result{Kind: sdk.KindSuccess, Text: "Status: Done"}}
	r := testRunner(exec)
	r.readFile = func(string) ([]byte, error) { return nil, errors.New("permission denied") }

	out := r.Run(context.Background(), Developer, &persistence.StoryRecord{StoryPath: "s.md", Status: status.ReadyForDevelopment})
	if out.Status != status.Failed {
		t.Fatalf("status = %q, want Failed", out.Status)
	}
	if len(exec.prompts) != 0 {
		t.Error("agent invoked despite unreadable story")
	}
}

func TestInterpretReply(t *testing.T) {
	tests := []struct {
		name string
		text string
		want status.Status
	}{
		{"plain trailing", "work done\nStatus: Ready for Review", status.ReadyForReview},
		{"markdown bold", "all set\n**Status: Done**", status.Done},
		{"bracket tag", "[STATUS] Ready for Done", status.ReadyForDone},
		{"chinese", "已完成\n完成", status.Done},
		{"padding after status line", "Status: Ready for Review\n\nLet me know if you need anything else!", status.ReadyForReview},
		{"no status anywhere", "I wrote some code and it looks fine to me", status.Unknown},
		{"empty", "", status.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := interpretReply(tt.text); got != tt.want {
				t.Errorf("interpretReply(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
