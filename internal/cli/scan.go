package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/api"
	"github.com/ahrav/go-guardrail/internal/application"
	"github.com/ahrav/go-guardrail/internal/domain"
)

type scanFlags struct {
	useCase    string
	promptFile string
	documents  []string
	casesFile  string
	filter     string
	id         string
	outDir     string
}

func newScanCmd(configPath *string) *cobra.Command {
	var f scanFlags

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan prompts in-process and write one response file per prompt",
		Long: `Runs the orchestrator without the HTTP server.

Either scan a single prompt:
  guardrail scan --prompt-file prompt.txt --document policy.md --out responses/

or every case of a test_cases.json list of {id, prompt, documents}:
  guardrail scan --cases test_cases.json --out raw_responses/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (f.promptFile == "") == (f.casesFile == "") {
				return errors.New("exactly one of --prompt-file or --cases is required")
			}

			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cases, err := f.cases()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			useCase := f.useCase
			if useCase == "" {
				useCase = cfg.DefaultUseCase
			}
			return runBatch(ctx, rt.orch, useCase, f.filter, cases, f.outDir, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVarP(&f.useCase, "use-case", "u", "", "Use case id (defaults to the configured default)")
	cmd.Flags().StringVarP(&f.promptFile, "prompt-file", "p", "", "File holding a single prompt")
	cmd.Flags().StringArrayVarP(&f.documents, "document", "d", nil, "Document file for --prompt-file; repeatable")
	cmd.Flags().StringVar(&f.casesFile, "cases", "", "test_cases.json with {id, prompt, documents} entries")
	cmd.Flags().StringVar(&f.filter, "filter", "", "Rule filter expression, e.g. 'include: PC1, PC2'")
	cmd.Flags().StringVar(&f.id, "id", "scan", "Output name for --prompt-file")
	cmd.Flags().StringVarP(&f.outDir, "out", "o", "raw_responses", "Directory receiving <id>.json responses")
	return cmd
}

// cases turns the flags into the list of prompts to scan.
func (f scanFlags) cases() ([]application.TestCase, error) {
	if f.casesFile != "" {
		return application.LoadTestCases(f.casesFile)
	}

	prompt, err := os.ReadFile(f.promptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt: %w", err)
	}
	docs := make([]string, 0, len(f.documents))
	for _, path := range f.documents {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		docs = append(docs, string(data))
	}
	return []application.TestCase{{ID: f.id, Prompt: string(prompt), Documents: docs}}, nil
}

// runBatch scans every case and writes its response to outDir/<id>.json.
// A failing case is reported and skipped; the batch fails if any case did.
func runBatch(
	ctx context.Context,
	scanner api.Scanner,
	useCase, filter string,
	cases []application.TestCase,
	outDir string,
	out io.Writer,
	logger *zap.Logger,
) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	var failed []string
	for _, c := range cases {
		uc := useCase
		if c.UseCaseID != "" {
			uc = c.UseCaseID
		}
		resp, err := scanner.Scan(ctx, uc, domain.ScanRequest{
			Prompt:    c.Prompt,
			Documents: c.Documents,
			Filter:    filter,
			RequestID: c.ID,
		})
		if err != nil {
			logger.Error("scan failed", zap.String("case_id", c.ID), zap.Error(err))
			fmt.Fprintf(out, "FAIL %s: %v\n", c.ID, err)
			failed = append(failed, c.ID)
			continue
		}

		path := filepath.Join(outDir, filepath.Base(c.ID)+".json")
		if err := writeJSONFile(path, resp); err != nil {
			return err
		}
		fmt.Fprintf(out, "ok   %s: %d rules, %d failed -> %s\n",
			c.ID, len(resp.Detailed), len(resp.FailuresSummary), path)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d scans failed: %s", len(failed), len(cases), strings.Join(failed, ", "))
	}
	return nil
}
