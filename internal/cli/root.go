// Package cli implements the guardrail command line: the HTTP server, the
// batch scanner, the rule linter and the ground-truth evaluator.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ahrav/go-guardrail/internal/application"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// NewRootCmd builds the guardrail command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "guardrail",
		Short: "LLM compliance guardrail",
		Long: `guardrail evaluates prompts against configurable compliance rules
using an LLM as the judge, and suggests a compliant rewrite when a rule fails.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newScanCmd(&configPath))
	root.AddCommand(newLintCmd())
	root.AddCommand(newEvaluateCmd(&configPath))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment and builds the process
// logger from the resulting level.
func loadConfig(path string) (*application.AppConfig, *zap.Logger, error) {
	cfg, err := application.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
