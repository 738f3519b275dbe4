package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/contentflow/contentflow/engine/approval"
	"github.com/contentflow/contentflow/engine/config"
	"github.com/contentflow/contentflow/engine/observability"
	"github.com/contentflow/contentflow/engine/pipeline"
	"github.com/contentflow/contentflow/engine/session"
)

var (
	flagInput         string
	flagAutoApprove   bool
	flagOutputDir     string
	flagSessionDir    string
	flagMaxIterations int
	flagRateLimit     int
	flagMaxAPICalls   int
	flagOTLPEndpoint  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new pipeline run",
	Long: `Start a fresh pipeline run from the given input sources.

Examples:
  # Interactive run with console approval prompts
  contentflow run -i "Acme Widget product brief ..."

  # Unattended run approving every gate
  contentflow run -i "Acme Widget product brief" --auto-approve

  # Cap total executor calls for a budget-constrained run
  contentflow run -i "brief" --max-api-calls 40`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&flagInput, "input", "i", "", "product information (required)")
	runCmd.Flags().BoolVar(&flagAutoApprove, "auto-approve", false, "approve every gate without prompting")
	runCmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "", "artifact output directory")
	runCmd.Flags().StringVar(&flagSessionDir, "session-dir", "", "session storage directory")
	runCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "iteration budget per stage")
	runCmd.Flags().IntVar(&flagRateLimit, "rate-limit", 0, "maximum executor requests per minute")
	runCmd.Flags().IntVar(&flagMaxAPICalls, "max-api-calls", 0, "lifetime executor call budget (0 = unlimited)")
	runCmd.Flags().StringVar(&flagOTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint for tracing")
	_ = runCmd.MarkFlagRequired("input")
}

func runRun(cmd *cobra.Command, _ []string) error {
	env, cleanup, err := buildEnv(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := env.orch.Run(ctx, flagInput)
	if err != nil {
		return err
	}
	return reportResult(cmd, env, result)
}

// env bundles the wired pipeline for one CLI invocation.
type env struct {
	cfg  *config.RunConfig
	orch *pipeline.Orchestrator
}

// loadRunConfig layers flag overrides on top of file and environment
// configuration. Only flags the user actually set win.
func loadRunConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("auto-approve") {
		cfg.AutoApprove = flagAutoApprove
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = flagOutputDir
	}
	if flags.Changed("session-dir") {
		cfg.SessionDir = flagSessionDir
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = flagMaxIterations
	}
	if flags.Changed("rate-limit") {
		cfg.RequestsPerMinute = flagRateLimit
	}
	if flags.Changed("max-api-calls") {
		cfg.MaxAPICalls = flagMaxAPICalls
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEnv wires the orchestrator and its collaborators from config.
func buildEnv(cmd *cobra.Command) (*env, func(), error) {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger, flush, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	cleanup := flush

	if flagOTLPEndpoint != "" {
		shutdown, err := observability.InitTracer("contentflow", flagOTLPEndpoint)
		if err != nil {
			flush()
			return nil, nil, err
		}
		cleanup = func() {
			_ = shutdown(context.Background())
			flush()
		}
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var approver approval.Approver
	if cfg.AutoApprove {
		approver = approval.AutoApprover{}
	} else {
		approver = approval.NewStdioApprover(filepath.Join(cfg.OutputDir, "reviews"))
	}

	orch, err := pipeline.New(pipeline.Options{
		Config:    cfg,
		Store:     session.NewFileStore(cfg.SessionDir),
		Limiter:   pipeline.NewLimiter(cfg, logger),
		Approver:  approver,
		Executors: defaultExecutors(),
		Logger:    logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &env{cfg: cfg, orch: orch}, cleanup, nil
}

// snapshotRetention is how long failed-run snapshots are kept once a
// later run completes.
const snapshotRetention = 30 * 24 * time.Hour

// reportResult prints the terminal outcome and, on completion, writes
// the approved artifacts to the output directory.
func reportResult(cmd *cobra.Command, env *env, result *pipeline.Result) error {
	out := cmd.OutOrStdout()
	cfg := env.cfg

	switch result.Status {
	case pipeline.StatusCompleted:
		fmt.Fprintf(out, "Pipeline completed. Session: %s\n", result.SessionID)
		if err := writeArtifacts(cfg.OutputDir, result.Session); err != nil {
			return err
		}
		fmt.Fprintf(out, "Artifacts written to %s\n", cfg.OutputDir)
		env.orch.CleanupSnapshots(snapshotRetention)
	default:
		fmt.Fprintf(out, "Pipeline stopped: %s\n", result.Status)
		if result.Feedback != "" {
			fmt.Fprintf(out, "Reviewer feedback: %s\n", result.Feedback)
		}
		fmt.Fprintf(out, "Resume with: contentflow resume %s\n", result.SessionID)
	}
	return nil
}

// writeArtifacts persists the session's approved artifacts as markdown
// files named by their gate order.
func writeArtifacts(dir string, sess *session.Session) error {
	artifacts := []struct {
		name    string
		content *string
	}{
		{"01_product_analysis.md", sess.ProductAnalysis},
		{"02_persona_library.md", sess.PersonaLibrary},
		{"03_content_strategy.md", sess.ContentStrategy},
		{"04_generated_content.md", sess.GeneratedContent},
		{"05_final_content.md", sess.FinalContent},
	}
	for _, a := range artifacts {
		if a.content == nil {
			continue
		}
		path := filepath.Join(dir, a.name)
		if err := os.WriteFile(path, []byte(*a.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
