// ContentFlow CLI
//
// Drives the human-in-the-loop content pipeline: three fixed stages,
// five approval gates, durable sessions that survive interrupts.
//
// Usage:
//
//	contentflow run -i "product brief text"
//	contentflow resume 20260831_142201
//	contentflow status
package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// configPath is the optional YAML config file for the run.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "contentflow",
	Short: "Human-in-the-loop content generation pipeline",
	Long: `contentflow runs a three-stage content pipeline with five human
approval gates between stages. Progress is persisted after every gate
approval, so an interrupted run can always be resumed by session id.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}

// zapLogger adapts a zap SugaredLogger to the engine logger interfaces.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *zapLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *zapLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *zapLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }

// newLogger builds a console logger at the configured level. The
// returned flush function is best-effort.
func newLogger(level string) (*zapLogger, func(), error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, nil, err
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return &zapLogger{s: z.Sugar()}, func() { _ = z.Sync() }, nil
}
