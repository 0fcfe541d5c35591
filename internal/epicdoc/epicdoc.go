// Package epicdoc reads epic markdown documents. An epic is a file of
// "## Story" sections, each naming (or implying) a story file and an
// initial status. The parser is line-oriented and forgiving; anything
// it cannot place is ignored rather than refused.
package epicdoc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/storyflow/internal/status"
)

// Story is one story reference inside an epic document.
type Story struct {
	Path   string
	Title  string
	Status status.Status
}

// Epic is a parsed epic document.
type Epic struct {
	ID      string
	Path    string
	Title   string
	Stories []Story
}

var storyHeading = regexp.MustCompile(`(?i)^##\s+story\b[:\s]*(.*)$`)

// fieldLine matches "Key: value" metadata lines inside a story section.
var fieldLine = regexp.MustCompile(`(?i)^\s*[-*]?\s*\*{0,2}(file|path|status)\*{0,2}\s*[:：]\s*(.+?)\s*$`)

// Parse reads the epic at path. Story sections without a File field get
// the conventional path <epic dir>/stories/<slug>.md. Sections without
// a Status field start at Draft; unrecognizable status labels also fall
// back to Draft so a typo in the document cannot wedge the pipeline.
func Parse(path string) (*Epic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open epic: %w", err)
	}
	defer f.Close()

	epic := &Epic{
		ID:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path: path,
	}
	dir := filepath.Dir(path)

	var cur *Story
	flush := func() {
		if cur == nil {
			return
		}
		if cur.Path == "" {
			cur.Path = filepath.Join(dir, "stories", slug(cur.Title)+".md")
		}
		if cur.Status == status.Unknown {
			cur.Status = status.Draft
		}
		epic.Stories = append(epic.Stories, *cur)
		cur = nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := storyHeading.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Story{Title: strings.TrimSpace(m[1])}
			continue
		}
		if strings.HasPrefix(line, "# ") && epic.Title == "" {
			epic.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			continue
		}
		if strings.HasPrefix(line, "## ") {
			// A non-story section ends the current story.
			flush()
			continue
		}
		if cur == nil {
			continue
		}
		if m := fieldLine.FindStringSubmatch(line); m != nil {
			switch strings.ToLower(m[1]) {
			case "file", "path":
				p := strings.TrimSpace(m[2])
				if !filepath.IsAbs(p) {
					p = filepath.Join(dir, p)
				}
				cur.Path = p
			case "status":
				cur.Status = status.Normalize(m[2])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read epic: %w", err)
	}
	flush()

	// A document with no story sections is a valid, empty epic. The
	// driver completes it immediately rather than treating it as an
	// infrastructure error.
	return epic, nil
}

// slug derives a filesystem-safe name from a story title.
func slug(title string) string {
	if title == "" {
		return "story"
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			sb.WriteRune('-')
		}
	}
	s := strings.Trim(sb.String(), "-")
	if s == "" {
		return "story"
	}
	return s
}

// Lister is the parser behind a re-readable interface so callers can
// pick up stories appended to the document mid-run.
type Lister struct{}

// List parses the epic and returns its stories.
func (Lister) List(epicPath string) ([]Story, error) {
	epic, err := Parse(epicPath)
	if err != nil {
		return nil, err
	}
	return epic.Stories, nil
}
