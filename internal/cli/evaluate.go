package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/application"
)

func newEvaluateCmd(configPath *string) *cobra.Command {
	var (
		casesPath    string
		responsesDir string
		outDir       string
		tolerance    float64
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Compare recorded responses against ground truth",
		Long: `Reads test_cases.json and the recorded responses in --responses, writes
<id>_eval.json per case and metrics.json to --out, and prints the summary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if !cmd.Flags().Changed("tolerance") {
				tolerance = cfg.Evaluation.GradeTolerance
			}

			summary, err := application.NewEvaluator(tolerance, logger).Run(casesPath, responsesDir, outDir)
			if err != nil {
				return err
			}
			logger.Info("evaluation written", zap.String("out", outDir))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().StringVar(&casesPath, "cases", "test_cases.json", "Ground-truth test cases")
	cmd.Flags().StringVar(&responsesDir, "responses", "raw_responses", "Directory of recorded responses")
	cmd.Flags().StringVarP(&outDir, "out", "o", "evaluation_results", "Directory receiving the results")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 1e-6, "Maximum grade error for a pass")
	return cmd
}

// writeJSONFile writes v to path as indented JSON.
func writeJSONFile(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
