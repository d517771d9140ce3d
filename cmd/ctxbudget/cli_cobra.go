package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "ctxbudget",
		Short: "Context budget engine: bounded session contexts and progressive context assembly",
		Long: strings.TrimSpace(`ctxbudget manages what an AI assistant is allowed to see under hard limits.

Sessions hold a bounded working set of files (admission control); the assemble
command turns a corpus dump into a leveled, relevance-ranked, budget-capped
context block.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newAssembleCommand())
	root.AddCommand(newShellCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newAssembleCommand() *cobra.Command {
	var (
		corpusPath string
		corpusText string
		query      string
		budget     int
		reserved   float64
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble a budget-capped context block from a corpus",
		Long:  "Derive leveled context items from a corpus dump, score them against a query, and greedily select within the token budget.",
		Example: strings.Join([]string{
			"  ctxbudget assemble --corpus repo_dump.txt --query \"auth middleware\"",
			"  ctxbudget assemble --text \"10 files. Key Files: main.py\" --query main.py --budget 200",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if corpusPath == "" && corpusText == "" {
				return fmt.Errorf("one of --corpus or --text is required")
			}
			if strings.TrimSpace(query) == "" {
				return fmt.Errorf("--query is required")
			}
			return runAssemble(corpusPath, corpusText, query, budget, reserved, debug)
		},
	}

	cmd.Flags().StringVarP(&corpusPath, "corpus", "c", "", "Path to the corpus dump file")
	cmd.Flags().StringVarP(&corpusText, "text", "t", "", "Inline corpus text (alternative to --corpus)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Natural-language query to rank against")
	cmd.Flags().IntVarP(&budget, "budget", "b", 0, "Total token budget (default from config)")
	cmd.Flags().Float64VarP(&reserved, "reserved", "r", 0, "Fraction reserved for the model response (default from config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func newShellCommand() *cobra.Command {
	var (
		userID string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session shell (create sessions, admit files, assemble context)",
		Example: strings.Join([]string{
			"  ctxbudget shell",
			"  ctxbudget shell --user alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(userID, debug)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User ID owning shell sessions")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
