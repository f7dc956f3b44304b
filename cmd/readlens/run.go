package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/readlens/readlens/internal/alignments"
	"github.com/readlens/readlens/internal/config"
	"github.com/readlens/readlens/internal/confine"
	"github.com/readlens/readlens/internal/observability"
	"github.com/readlens/readlens/internal/sandbox"
	"github.com/readlens/readlens/internal/session"
	"github.com/readlens/readlens/internal/storage"
)

// Exit codes for the run command.
const (
	ExitSuccess     = 0
	ExitScriptError = 1
	ExitTimeout     = 2
	ExitSetupError  = 3
)

var (
	runScriptPath string
	runDataRoot   string
	runConfigPath string
	runQuestion   string
	runMaxSeconds int
	runJSONOut    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a script file inside the sandbox",
	Long: `Run a Lua script against a confined data directory.
The script sees the host functions (ls, read_file, write_file, peek,
read_info, bam_mods, window_reads, seq_table, continue_thinking) plus
a question binding, and cannot reach outside the data root.

Examples:
  readlens run -s analyze.lua --root ./run_data
  readlens run -s analyze.lua --root ./run_data --max-seconds 60 --json

Exit codes:
  0  success
  1  script raised an error
  2  time limit exceeded
  3  setup failure`,
	RunE: runScript,
}

func init() {
	runCmd.Flags().StringVarP(&runScriptPath, "script", "s", "", "script file to execute (required)")
	runCmd.Flags().StringVar(&runDataRoot, "root", ".", "data directory the script is confined to")
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "path to YAML config file")
	runCmd.Flags().StringVarP(&runQuestion, "question", "q", "", "question text bound into the script")
	runCmd.Flags().IntVar(&runMaxSeconds, "max-seconds", 0, "override wall-clock limit in seconds")
	runCmd.Flags().BoolVar(&runJSONOut, "json", false, "print the result value as JSON")

	_ = runCmd.MarkFlagRequired("script")
}

func runScript(_ *cobra.Command, _ []string) error {
	if runScriptPath == "" {
		return fmt.Errorf("script is required: use -s flag")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitSetupError)
	}
	if runDataRoot != "." || cfg.Root == "" {
		cfg.Root = runDataRoot
	}

	source, err := os.ReadFile(runScriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading script: %v\n", err)
		os.Exit(ExitSetupError)
	}

	guard, err := confine.New(cfg.Root, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitSetupError)
	}

	limits := cfg.Sandbox.Limits(config.RequestedLimits{MaxSeconds: runMaxSeconds})

	metrics := observability.NewMetricsCollector()
	var tracingCfg *observability.TracingConfig
	if cfg.Observability != nil && cfg.Observability.Tracing != nil {
		t := cfg.Observability.Tracing
		tracingCfg = &observability.TracingConfig{
			Enabled:     t.Enabled,
			Endpoint:    t.Endpoint,
			Insecure:    t.Insecure,
			ServiceName: t.ServiceName,
		}
	}
	tracing, err := observability.NewTracerSetup(tracingCfg)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	bridge, err := sandbox.New(sandbox.Config{
		Guard:    guard,
		Provider: alignments.Unavailable{},
		Limits:   limits,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracing.Tracer(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitSetupError)
	}

	var store session.TranscriptStore
	if cfg.Store != "" {
		s, err := storage.Open(cfg.Store, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: opening store: %v\n", err)
			os.Exit(ExitSetupError)
		}
		defer s.Close()
		store = s
	}

	sess, err := session.New(session.Config{
		Runner:  bridge,
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitSetupError)
	}
	defer sess.Close()

	outcome, err := sess.Send(context.Background(), runQuestion, string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitSetupError)
	}

	if !outcome.Completed() {
		fmt.Fprintln(os.Stderr, "Error: run was cancelled before completing")
		os.Exit(ExitScriptError)
	}
	res := outcome.Result
	if res.Prints != "" {
		fmt.Print(res.Prints)
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", res.Err.Kind, res.Err.Message)
		if res.IsTimeout {
			os.Exit(ExitTimeout)
		}
		os.Exit(ExitScriptError)
	}
	if res.HasValue {
		if runJSONOut {
			b, _ := json.MarshalIndent(res.Value, "", "  ")
			fmt.Println(string(b))
		} else {
			fmt.Printf("%v\n", res.Value)
		}
	}
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "[result truncated to fit the output budget]")
	}
	os.Exit(ExitSuccess)
	return nil
}
