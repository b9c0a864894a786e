// stratus-ci drives the remote end-to-end test pipeline: it provisions a
// cluster per matrix variant, waits for the platform's control API, seeds
// workload, runs the test suite on the primary node, and always collects and
// polices diagnostic evidence afterwards.
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratus-cloud/stratus-ci/internal/diagnostics"
	"github.com/stratus-cloud/stratus-ci/internal/pipeline"
	"github.com/stratus-cloud/stratus-ci/internal/store"
	"github.com/stratus-cloud/stratus-ci/internal/util/gracefulshutdown"
	"github.com/stratus-cloud/stratus-ci/internal/util/logging"
)

func main() {
	fs := flag.NewFlagSet("stratus-ci", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: stratus-ci <command> [options]

Commands:
  run <variant>       Run the full pipeline for one matrix variant
  run-all             Run every configured variant concurrently
  list-variants       List the configured matrix variants
  runs                List recorded runs and their outcomes
  check-logs <file>   Evaluate the diagnostic log checks against a local file

Options (run, run-all):
  -config <path>        Config file (default: $%s)
  -metrics-addr <addr>  Serve Prometheus metrics on addr during the run

Environment Variables:
  %s      Config file path
  %s  Issue tracker token (long-lived variants)
`, ConfigPathEnvKey, ConfigPathEnvKey, TrackerTokenEnvKey)
	}

	if len(os.Args) < 2 {
		fs.Usage()
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "run":
		cmdRun(os.Args[2:])
	case "run-all":
		cmdRunAll(os.Args[2:])
	case "list-variants":
		cmdListVariants(os.Args[2:])
	case "runs":
		cmdRuns(os.Args[2:])
	case "check-logs":
		cmdCheckLogs(os.Args[2:])
	case "-h", "--help", "help":
		fs.Usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fs.Usage()
		os.Exit(1)
	}
}

// runFlags parses the flags shared by run and run-all.
func runFlags(name string, args []string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	_ = fs.Parse(args)
	return fs, configPath, metricsAddr
}

func loadOrDie(configPath string) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// cmdRun executes the pipeline for one variant.
func cmdRun(args []string) {
	fs, configPath, metricsAddr := runFlags("run", args)
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: 'run' requires a variant name\n")
		fmt.Fprintf(os.Stderr, "Usage: stratus-ci run [options] <variant>\n")
		os.Exit(1)
	}

	cfg := loadOrDie(*configPath)

	variant, err := cfg.Variant(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := setupLogging(cfg)
	gs := gracefulshutdown.New("stratus-ci")

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)
	if *metricsAddr != "" {
		serveMetrics(gs, registry, *metricsAddr)
	}

	tc, err := newToolchain(cfg, log, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := tc.runOne(gs.Context(), variant); err != nil {
		fmt.Fprintf(os.Stderr, "Run failed:\n%v\n", err)
		gs.Shutdown(1)
		return
	}

	fmt.Println("PASS")
	gs.Shutdown(0)
}

// cmdRunAll executes every configured variant concurrently.
func cmdRunAll(args []string) {
	_, configPath, metricsAddr := runFlags("run-all", args)
	cfg := loadOrDie(*configPath)

	log := setupLogging(cfg)
	gs := gracefulshutdown.New("stratus-ci")

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)
	if *metricsAddr != "" {
		serveMetrics(gs, registry, *metricsAddr)
	}

	tc, err := newToolchain(cfg, log, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := tc.runAll(gs.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "Matrix failed:\n%v\n", err)
		gs.Shutdown(1)
		return
	}

	fmt.Println("PASS")
	gs.Shutdown(0)
}

// cmdListVariants prints the configured matrix.
func cmdListVariants(args []string) {
	fs := flag.NewFlagSet("list-variants", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg := loadOrDie(*configPath)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tIMAGE\tUSER\tTOPOLOGY\tCONCURRENCY\tGROUP")

	for _, v := range cfg.Variants {
		name := v.Name
		if v.LongLived {
			name += " (long-lived)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			name, v.BaseImage, v.OSUser, v.Topology, v.Concurrency, v.Group())
	}

	_ = w.Flush()
}

// cmdRuns lists recorded runs, newest first.
func cmdRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	_ = fs.Parse(args)

	cfg := loadOrDie(*configPath)

	runs, err := store.NewJSONRunStore(cfg.RunStoreDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	records, err := runs.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		fmt.Println("No recorded runs")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tVARIANT\tSTATUS\tSTARTED\tBUNDLE")

	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Variant, r.Status,
			r.StartedAt.Format("2006-01-02 15:04:05"), r.BundlePath)
	}

	_ = w.Flush()
}

// cmdCheckLogs evaluates the diagnostic checks against a local log file.
// The configuration is optional: without one the built-in policy applies.
func cmdCheckLogs(args []string) {
	fs := flag.NewFlagSet("check-logs", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (optional)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: 'check-logs' requires a log file\n")
		fmt.Fprintf(os.Stderr, "Usage: stratus-ci check-logs [options] <file>\n")
		os.Exit(1)
	}

	checks, err := resolveChecks(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read log file: %v\n", err)
		os.Exit(1)
	}

	verdicts, checkErr := diagnostics.RunChecks(data, checks)
	for _, v := range verdicts {
		status := "PASS"
		if !v.Passed {
			status = "FAIL"
		}
		fmt.Printf("%s  %s: %s\n", status, v.Check, v.Detail)
	}

	if checkErr != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg *Config) logr.Logger {
	if cfg.DevelopmentMode {
		return logging.SetupDevelopment()
	}
	return logging.SetupDefault()
}
