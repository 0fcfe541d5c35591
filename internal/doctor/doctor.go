// Package doctor runs environment diagnostics before a pipeline run:
// agent availability, database health, analyzer and test-runner
// binaries, and network reachability for the configured backend.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkAgent,
		checkDatabase,
		checkDataDir,
		checkPhaseTools,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// checkAgent verifies the configured session runner can start: the CLI
// binary resolves on PATH, or the API key env var is populated.
func checkAgent(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent", Status: "SKIP", Message: "Config missing"}
	}

	switch strings.ToLower(cfg.Agent.Runner) {
	case "anthropic":
		envVar := cfg.Agent.APIKeyEnv
		if envVar == "" {
			envVar = "ANTHROPIC_API_KEY"
		}
		if os.Getenv(envVar) == "" {
			return CheckResult{
				Name:    "Agent",
				Status:  "FAIL",
				Message: fmt.Sprintf("%s not set (required for anthropic runner)", envVar),
			}
		}
		return CheckResult{Name: "Agent", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	default:
		if len(cfg.Agent.Command) == 0 {
			return CheckResult{Name: "Agent", Status: "FAIL", Message: "agent command not configured"}
		}
		bin := cfg.Agent.Command[0]
		path, err := exec.LookPath(bin)
		if err != nil {
			return CheckResult{
				Name:    "Agent",
				Status:  "FAIL",
				Message: fmt.Sprintf("%s not found on PATH", bin),
				Detail:  "Install the agent CLI or switch agent.runner to \"anthropic\"",
			}
		}
		return CheckResult{Name: "Agent", Status: "PASS", Message: fmt.Sprintf("%s resolved (%s)", bin, path)}
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListStories(ctx, "", ""); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Dir", Status: "SKIP", Message: "Config missing"}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("Create failed: %v", err)}
	}
	testFile := filepath.Join(cfg.DataDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("Unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Data Dir", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.DataDir)}
}

// checkPhaseTools verifies the analyzer and test-runner binaries for
// the enabled quality phases resolve on PATH. A missing binary for a
// skipped phase is noted but not a failure.
func checkPhaseTools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Phase Tools", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	status := "PASS"

	inspect := func(label string, command []string, skip bool) {
		if len(command) == 0 {
			details = append(details, label+": not configured")
			return
		}
		bin := command[0]
		if skip {
			details = append(details, fmt.Sprintf("%s: skipped (%s)", label, bin))
			return
		}
		if _, err := exec.LookPath(bin); err != nil {
			details = append(details, fmt.Sprintf("%s: %s missing", label, bin))
			status = "WARN"
			return
		}
		details = append(details, fmt.Sprintf("%s: %s ok", label, bin))
	}

	inspect("analyzer", cfg.Quality.AnalyzerCommand, cfg.Quality.Skip)
	inspect("tests", cfg.Test.RunnerCommand, cfg.Test.Skip)

	return CheckResult{
		Name:    "Phase Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if strings.ToLower(cfg.Agent.Runner) != "anthropic" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "CLI runner manages its own connectivity"}
	}

	const host = "api.anthropic.com"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
