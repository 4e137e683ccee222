package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-guardrail/internal/application"
)

const defaultLintGlob = "rules/**/*.yaml"

func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint [glob...]",
		Short: "Validate rule files",
		Long: `Loads every rule file matching the globs and reports each one that
fails to parse or violates the rule schema. Globs support ** and default to
` + defaultLintGlob + `.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{defaultLintGlob}
			}
			return lint(cmd, args, cmd.OutOrStdout())
		},
	}
}

func lint(cmd *cobra.Command, globs []string, out io.Writer) error {
	var files []string
	for _, g := range globs {
		matches, err := doublestar.FilepathGlob(g)
		if err != nil {
			return fmt.Errorf("bad glob %q: %w", g, err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	files = slices.Compact(files)
	if len(files) == 0 {
		return fmt.Errorf("no rule files match %v", globs)
	}

	conds, err := application.NewConditionEngine()
	if err != nil {
		return err
	}
	loader, err := application.NewRuleSetLoader(conds, nil)
	if err != nil {
		return err
	}

	failures := 0
	for _, f := range files {
		rs, err := loader.Load(cmd.Context(), f)
		if err != nil {
			failures++
			fmt.Fprintf(out, "FAIL %s: %v\n", f, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d rules)\n", f, rs.Len())
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d rule files invalid", failures, len(files))
	}
	return nil
}
