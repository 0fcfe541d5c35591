package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/storyflow/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "storyflow.db")
	return &cfg
}

func TestCheckAgentNilConfig(t *testing.T) {
	if got := checkAgent(context.Background(), nil); got.Status != "SKIP" {
		t.Fatalf("status = %s, want SKIP", got.Status)
	}
}

func TestCheckAgentCLIMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Runner = "cli"
	cfg.Agent.Command = []string{"no-such-agent-binary-xyz"}

	got := checkAgent(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL", got.Status)
	}
}

func TestCheckAgentAnthropicKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Runner = "anthropic"
	cfg.Agent.APIKeyEnv = "STORYFLOW_TEST_KEY"

	if got := checkAgent(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("unset key: status = %s, want FAIL", got.Status)
	}

	t.Setenv("STORYFLOW_TEST_KEY", "sk-test")
	if got := checkAgent(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("set key: status = %s, want PASS", got.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("status = %s (%s), want PASS", got.Status, got.Message)
	}
}

func TestCheckDataDir(t *testing.T) {
	cfg := testConfig(t)
	if got := checkDataDir(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s, want PASS", got.Status)
	}
}

func TestCheckPhaseTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quality.AnalyzerCommand = []string{"no-such-analyzer-xyz"}
	cfg.Test.Skip = true

	got := checkPhaseTools(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("status = %s, want WARN (detail %q)", got.Status, got.Detail)
	}
}

func TestCheckNetworkSkipsForCLIRunner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Runner = "cli"
	if got := checkNetwork(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("status = %s, want SKIP", got.Status)
	}
}

func TestRunCollectsAllChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Runner = "cli"

	d := Run(context.Background(), cfg, "test")
	if len(d.Results) != 5 {
		t.Fatalf("results = %d, want 5", len(d.Results))
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatal("system info incomplete")
	}
}
