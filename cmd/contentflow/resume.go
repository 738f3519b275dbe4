package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted pipeline run",
	Long: `Resume a persisted session from the first unapproved gate. Stages
whose terminal gate is already approved are skipped entirely.

Examples:
  contentflow resume 20260831_142201
  contentflow resume 20260831_142201 --auto-approve`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&flagAutoApprove, "auto-approve", false, "approve every gate without prompting")
	resumeCmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "", "artifact output directory")
	resumeCmd.Flags().StringVar(&flagSessionDir, "session-dir", "", "session storage directory")
	resumeCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "iteration budget per stage")
	resumeCmd.Flags().IntVar(&flagRateLimit, "rate-limit", 0, "maximum executor requests per minute")
	resumeCmd.Flags().IntVar(&flagMaxAPICalls, "max-api-calls", 0, "lifetime executor call budget (0 = unlimited)")
	resumeCmd.Flags().StringVar(&flagOTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint for tracing")
}

func runResume(cmd *cobra.Command, args []string) error {
	env, cleanup, err := buildEnv(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := env.orch.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	return reportResult(cmd, env, result)
}
