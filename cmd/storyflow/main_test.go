package main

import (
	"strings"
	"testing"

	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/driver"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{
		"-max-iterations", "7",
		"-concurrency", "4",
		"-skip-tests",
		"-strict",
		"epics/payment.md",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.epicPath != "epics/payment.md" {
		t.Errorf("epic path = %q", opts.epicPath)
	}
	if opts.maxIterations != 7 || opts.concurrency != 4 {
		t.Errorf("numeric flags = %d/%d", opts.maxIterations, opts.concurrency)
	}
	if !opts.skipTests || !opts.strict {
		t.Error("bool flags not set")
	}
}

func TestParseArgsRequiresEpicPath(t *testing.T) {
	if _, err := parseArgs([]string{"-strict"}); err == nil {
		t.Fatal("expected error without epic path")
	}
	if _, err := parseArgs([]string{"a.md", "b.md"}); err == nil {
		t.Fatal("expected error with two epic paths")
	}
}

func TestApplyOptions(t *testing.T) {
	cfg := config.Default()
	applyOptions(&cfg, cliOptions{
		dbPath:        "/tmp/x.db",
		maxIterations: 9,
		concurrency:   3,
		skipQuality:   true,
		strict:        true,
		testDir:       "spec",
	})

	if cfg.DBPath != "/tmp/x.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.Driver.IterationCap != 9 {
		t.Errorf("iteration cap = %d", cfg.Driver.IterationCap)
	}
	if !cfg.Driver.Concurrent || cfg.Driver.Concurrency != 3 {
		t.Error("concurrency flag should imply concurrent mode")
	}
	if !cfg.Quality.Skip || !cfg.Driver.Strict {
		t.Error("skip/strict not applied")
	}
	if cfg.Test.TestDir != "spec" {
		t.Errorf("test dir = %q", cfg.Test.TestDir)
	}
}

func TestApplyOptionsZeroValuesKeepConfig(t *testing.T) {
	cfg := config.Default()
	want := cfg.Driver.IterationCap
	applyOptions(&cfg, cliOptions{})
	if cfg.Driver.IterationCap != want {
		t.Errorf("iteration cap changed to %d", cfg.Driver.IterationCap)
	}
	if cfg.Driver.Concurrent {
		t.Error("concurrent enabled without flag")
	}
}

func TestRenderSummary(t *testing.T) {
	tests := []struct {
		name    string
		summary driver.Summary
		want    []string
	}{
		{
			"clean",
			driver.Summary{EpicID: "epic-1", Total: 3, Done: 3, QualityStatus: "completed", TestStatus: "completed"},
			[]string{"Epic epic-1", "completed", "3 done", "quality"},
		},
		{
			"failed",
			driver.Summary{EpicID: "epic-1", Total: 3, Done: 2, Failed: 1},
			[]string{"failed", "1 failed"},
		},
		{
			"interrupted",
			driver.Summary{EpicID: "epic-1", Total: 5, Done: 1, Pending: 4, Interrupted: true},
			[]string{"interrupted", "4 pending", "rerun the same epic to resume"},
		},
		{
			"strict",
			driver.Summary{EpicID: "epic-1", Total: 1, Done: 1, QualityStatus: "concerns", StrictFailed: true},
			[]string{"strict mode", "concerns"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderSummary(&tt.summary, false)
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("summary missing %q:\n%s", want, got)
				}
			}
			if strings.Contains(got, "\x1b[") {
				t.Error("unstyled output contains escape codes")
			}
		})
	}
}
