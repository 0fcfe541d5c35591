package epicdoc

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/storyflow/internal/status"
)

func writeEpic(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "epic-1.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParse(t *testing.T) {
	path := writeEpic(t, `# Epic: Checkout flow

Some intro prose.

## Story 1.1: Add to cart
File: stories/1.1.md
Status: Ready for Development

## Story 1.2: Payment
- **Status**: In Progress
- **File**: stories/1.2.md

## Notes

Not a story.

## Story 1.3: Receipts
`)
	epic, err := Parse(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if epic.ID != "epic-1" {
		t.Errorf("id = %q", epic.ID)
	}
	if epic.Title != "Epic: Checkout flow" {
		t.Errorf("title = %q", epic.Title)
	}
	if len(epic.Stories) != 3 {
		t.Fatalf("stories = %d, want 3", len(epic.Stories))
	}

	dir := filepath.Dir(path)
	s := epic.Stories[0]
	if s.Path != filepath.Join(dir, "stories", "1.1.md") {
		t.Errorf("story 1 path = %q", s.Path)
	}
	if s.Status != status.ReadyForDevelopment {
		t.Errorf("story 1 status = %q", s.Status)
	}
	if epic.Stories[1].Status != status.InProgress {
		t.Errorf("story 2 status = %q", epic.Stories[1].Status)
	}

	// No File field: conventional path; no Status: Draft.
	s3 := epic.Stories[2]
	if s3.Status != status.Draft {
		t.Errorf("story 3 status = %q, want Draft", s3.Status)
	}
	if s3.Path != filepath.Join(dir, "stories", "1-3-receipts.md") {
		t.Errorf("story 3 path = %q", s3.Path)
	}
}

func TestParseGarbageStatusFallsBackToDraft(t *testing.T) {
	path := writeEpic(t, "## Story 2.1: X\nStatus: whatever the agent felt like\n")
	epic, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if epic.Stories[0].Status != status.Draft {
		t.Errorf("status = %q, want Draft", epic.Stories[0].Status)
	}
}

func TestParseNoStoriesIsEmptyEpic(t *testing.T) {
	path := writeEpic(t, "# Just a title\n\nprose only\n")
	epic, err := Parse(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(epic.Stories) != 0 {
		t.Errorf("stories = %d, want 0", len(epic.Stories))
	}

	stories, err := Lister{}.List(path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stories) != 0 {
		t.Errorf("listed stories = %d, want 0", len(stories))
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := Parse(filepath.Join(t.TempDir(), "nope.md")); err == nil {
		t.Fatal("expected error")
	}
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"1.1: Add to cart", "1-1-add-to-cart"},
		{"", "story"},
		{"!!!", "story"},
		{"Already-Fine", "already-fine"},
	}
	for _, tt := range tests {
		if got := slug(tt.in); got != tt.want {
			t.Errorf("slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWatcherFlagsEdits(t *testing.T) {
	path := writeEpic(t, "## Story 1.1: A\n")
	w, err := NewWatcher(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	if w.Dirty() {
		t.Fatal("dirty before any edit")
	}
	if err := os.WriteFile(path, []byte("## Story 1.1: A\n\n## Story 1.2: B\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !w.Dirty() {
		if time.Now().After(deadline) {
			t.Fatal("edit never flagged")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Dirty is consume-once.
	if w.Dirty() {
		t.Error("flag not cleared after read")
	}
}
