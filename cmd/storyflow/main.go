// Command storyflow drives an epic of stories through the Story Master,
// Developer, and QA roles, then runs the static-analysis and test
// phases. The exit code reports the run outcome: 0 clean, 1 failed
// work, 2 interrupted or unable to start.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/storyflow/internal/audit"
	"github.com/basket/storyflow/internal/bus"
	"github.com/basket/storyflow/internal/channels"
	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/driver"
	"github.com/basket/storyflow/internal/epicdoc"
	otelPkg "github.com/basket/storyflow/internal/otel"
	"github.com/basket/storyflow/internal/persistence"
	"github.com/basket/storyflow/internal/quality"
	"github.com/basket/storyflow/internal/roles"
	"github.com/basket/storyflow/internal/sdk"
	"github.com/basket/storyflow/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// cliOptions carries the parsed command line. Flags override the config
// file, which overrides built-in defaults.
type cliOptions struct {
	epicPath        string
	configPath      string
	dbPath          string
	maxIterations   int
	retryFailed     bool
	concurrent      bool
	concurrency     int
	skipQuality     bool
	skipTests       bool
	sourceDir       string
	testDir         string
	strict          bool
	finalizeWithDev bool
	verbose         bool
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <epic.md>

Runs every story in the epic document through the role pipeline, then
the quality and test phases.

SUBCOMMANDS:
  %s doctor [-json]           Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0])
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STORYFLOW_HOME          Data directory (default: ~/.storyflow)
  STORYFLOW_DB            Database path override
  STORYFLOW_LOG_LEVEL     Log level override (debug, info, warn, error)
  ANTHROPIC_API_KEY       Required for the anthropic runner

EXIT CODES:
  0  all stories done (waived quality concerns allowed)
  1  a story failed, tests failed, or strict mode rejected concerns
  2  interrupted, or the pipeline could not start
`)
}

func parseArgs(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("storyflow", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }

	fs.StringVar(&opts.configPath, "config", "", "config file path (default: <data dir>/config.yaml)")
	fs.StringVar(&opts.dbPath, "db", "", "database path override")
	fs.IntVar(&opts.maxIterations, "max-iterations", 0, "per-story iteration cap override")
	fs.BoolVar(&opts.retryFailed, "retry-failed", false, "reset previously failed stories before the run")
	fs.BoolVar(&opts.concurrent, "concurrent", false, "process stories in parallel")
	fs.IntVar(&opts.concurrency, "concurrency", 0, "parallel story limit (implies -concurrent)")
	fs.BoolVar(&opts.skipQuality, "skip-quality", false, "skip the static-analysis phase")
	fs.BoolVar(&opts.skipTests, "skip-tests", false, "skip the test phase")
	fs.StringVar(&opts.sourceDir, "source-dir", "", "directory the analyzer inspects")
	fs.StringVar(&opts.testDir, "test-dir", "", "directory passed to the test runner")
	fs.BoolVar(&opts.strict, "strict", false, "treat waived quality concerns as failure")
	fs.BoolVar(&opts.finalizeWithDev, "finalize-with-dev", false, "route Ready for Done through one Developer pass")
	fs.BoolVar(&opts.verbose, "verbose", false, "log to the terminal as well as the log file")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fs.Usage()
		return opts, fmt.Errorf("expected exactly one epic path, got %d arguments", len(rest))
	}
	opts.epicPath = rest[0]
	return opts, nil
}

// applyOptions layers the command line over the loaded config.
func applyOptions(cfg *config.Config, opts cliOptions) {
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.maxIterations > 0 {
		cfg.Driver.IterationCap = opts.maxIterations
	}
	if opts.retryFailed {
		cfg.Driver.RetryFailed = true
	}
	if opts.concurrent || opts.concurrency > 0 {
		cfg.Driver.Concurrent = true
	}
	if opts.concurrency > 0 {
		cfg.Driver.Concurrency = opts.concurrency
	}
	if opts.skipQuality {
		cfg.Quality.Skip = true
	}
	if opts.skipTests {
		cfg.Test.Skip = true
	}
	if opts.sourceDir != "" {
		cfg.Quality.SourceDir = opts.sourceDir
	}
	if opts.testDir != "" {
		cfg.Test.TestDir = opts.testDir
	}
	if opts.strict {
		cfg.Driver.Strict = true
	}
	if opts.finalizeWithDev {
		cfg.Driver.FinalizeWithDev = true
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "storyflow: %s: %v\n", code, err)
	os.Exit(2)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if args := os.Args[1:]; len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			_, _ = parseArgs([]string{"--help"})
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	applyOptions(&cfg, opts)

	styled := isatty.IsTerminal(os.Stdout.Fd())
	quietLogs := styled && !opts.verbose

	if err := audit.Init(cfg.DataDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "epic", opts.epicPath)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	stopMetrics := metrics.Observe(eventBus)
	defer stopMetrics()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if err := audit.SetDB(store.DB()); err != nil {
		logger.Warn("audit table unavailable", "error", err)
	}
	stopAudit := audit.Attach(eventBus)
	defer stopAudit()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	var runner sdk.Runner
	switch strings.ToLower(cfg.Agent.Runner) {
	case "anthropic":
		runner = &sdk.AnthropicRunner{APIKeyEnv: cfg.Agent.APIKeyEnv}
	case "cli", "":
		runner = &sdk.CLIRunner{Command: cfg.Agent.Command, Logger: logger}
	default:
		fatalStartup(logger, "E_AGENT_RUNNER", fmt.Errorf("unknown agent runner %q", cfg.Agent.Runner))
	}
	invoker := sdk.NewInvoker(runner, eventBus, logger, cfg.SDK.BackoffBase(), cfg.SDK.BackoffCap()).
		WithTracer(otelProvider.Tracer)
	roleRunner := roles.NewRunner(invoker, logger, cfg.SDK, cfg.Agent)

	d := driver.New(store, roleRunner, epicdoc.Lister{}, logger, cfg.Driver).
		WithEvents(eventBus).
		WithTracer(otelProvider.Tracer)

	qualityPhase, testPhase, err := buildPhases(store, invoker, eventBus, otelProvider.Tracer, logger, cfg)
	if err != nil {
		fatalStartup(logger, "E_PHASE_INIT", err)
	}
	d.WithPhases(qualityPhase, testPhase)

	watcher, err := epicdoc.NewWatcher(opts.epicPath, logger)
	if err != nil {
		logger.Warn("epic watcher unavailable; stories added mid-run are picked up next run", "error", err)
	} else {
		defer watcher.Close()
		d.WithNotifier(watcher)
	}

	// First signal requests a graceful stop between stories; the second
	// cancels in-flight work outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("shutdown requested; finishing current story")
		d.Shutdown()
		<-sigCh
		logger.Warn("second signal; cancelling in-flight work")
		cancel()
	}()

	summary, err := d.Run(ctx, opts.epicPath)
	if err != nil {
		fatalStartup(logger, "E_RUN", err)
	}

	notifyChannels(ctx, &cfg, logger, summary)

	fmt.Println(renderSummary(summary, styled))
	os.Exit(summary.ExitCode())
}

// buildPhases constructs the quality and test phase runners. A skipped
// phase is returned as nil; the driver treats nil as "phase disabled".
func buildPhases(store *persistence.Store, invoker *sdk.Invoker, eventBus *bus.Bus, tracer trace.Tracer, logger *slog.Logger, cfg config.Config) (driver.PhaseRunner, driver.PhaseRunner, error) {
	var qualityPhase, testPhase driver.PhaseRunner

	if !cfg.Quality.Skip {
		analyzer, err := quality.NewAnalyzerRunner(cfg.Quality.AnalyzerCommand, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("analyzer: %w", err)
		}
		qualityPhase = quality.NewQualityPhase(store, analyzer, invoker, eventBus, logger, cfg.Quality, cfg.SDK).
			WithTracer(tracer)
	}

	if !cfg.Test.Skip {
		testRunner, err := quality.NewTestRunner(cfg.Test.RunnerCommand, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("test runner: %w", err)
		}
		phase := quality.NewTestPhase(store, testRunner, invoker, eventBus, logger, cfg.Test, cfg.SDK).
			WithTracer(tracer)
		if collector := quality.NewAttachCollector(logger); collector != nil {
			phase = phase.WithCollector(collector)
		}
		testPhase = phase
	}

	return qualityPhase, testPhase, nil
}

// notifyChannels delivers the run summary to configured channels.
// Delivery failures are logged; the run result stands.
func notifyChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger, summary *driver.Summary) {
	if !cfg.Telegram.Enabled || cfg.Telegram.Token == "" {
		return
	}
	ch, err := channels.NewTelegramChannel(cfg.Telegram, logger)
	if err != nil {
		logger.Warn("notification channel unavailable", "channel", "telegram", "error", err)
		return
	}
	if err := ch.NotifyRun(ctx, summary); err != nil {
		logger.Warn("notification delivery failed", "channel", ch.Name(), "error", err)
	}
}
