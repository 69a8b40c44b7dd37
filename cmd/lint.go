package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ruleforge/detect"
	"ruleforge/sigma"
)

var lintStrict bool

var lintCmd = &cobra.Command{
	Use:   "lint [files...]",
	Short: "Validate rule files without loading them",
	Long: `Lint parses, schema-checks, and compiles each rule file, reporting
syntax errors, undefined selection references, unsafe regex patterns, and
metadata warnings. Exit status is non-zero when any file fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLint,
}

func init() {
	lintCmd.Flags().BoolVar(&lintStrict, "strict", false, "treat schema violations and warnings as failures")
	rootCmd.AddCommand(lintCmd)
}

func runLint(cmd *cobra.Command, args []string) error {
	parser := sigma.NewParser()
	parser.Strict = lintStrict
	compiler := detect.NewCompiler()

	failures := 0
	for _, file := range args {
		data, err := os.ReadFile(file)
		if err != nil {
			color.Red("%s: %v", file, err)
			failures++
			continue
		}

		rules, err := parser.ParseStream(data, file)
		if err != nil {
			color.Red("%s: %v", file, err)
			failures++
			continue
		}

		fileOK := true
		for _, warning := range parser.Warnings() {
			color.Yellow("%s: warning: %s", file, warning.String())
			if lintStrict {
				fileOK = false
			}
		}
		for _, rule := range rules {
			if _, err := compiler.Compile(rule); err != nil {
				color.Red("%s: %v", file, err)
				fileOK = false
			}
		}
		if !fileOK {
			failures++
			continue
		}
		color.Green("%s: ok (%d rule(s))", file, len(rules))
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d file(s) failed lint", failures, len(args))
	}
	return nil
}
