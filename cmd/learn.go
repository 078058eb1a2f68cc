package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caselens/citeminer/internal/model"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Inspect the learning store",
	Long:  "Commands for viewing learned citation patterns, confidence thresholds, and reporter aliases.",
}

// -- learn status --

var learnStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show learning store summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		learnStore, err := initLearning()
		if err != nil {
			return err
		}

		stats := learnStore.Summary()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Learned patterns:\t%d\n", stats.PatternCount)
		_, _ = fmt.Fprintf(w, "Reporter aliases:\t%d\n", stats.AliasCount)
		_, _ = fmt.Fprintf(w, "Held-out samples:\t%d\n", stats.SampleCount)
		_ = w.Flush()

		if len(stats.Thresholds) == 0 {
			return nil
		}
		fmt.Println("\nConfidence thresholds:")
		methods := make([]string, 0, len(stats.Thresholds))
		for m := range stats.Thresholds {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, m := range methods {
			_, _ = fmt.Fprintf(w, "  %s:\t%.2f\n", m, stats.Thresholds[m])
		}
		_ = w.Flush()
		return nil
	},
}

// -- learn patterns --

var learnPatternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List learned citation patterns",
	RunE: func(cmd *cobra.Command, _ []string) error {
		learnStore, err := initLearning()
		if err != nil {
			return err
		}

		patterns := learnStore.LearnedPatterns()
		if len(patterns) == 0 {
			fmt.Fprintln(os.Stderr, "No learned patterns.")
			return nil
		}

		formatPatterns(os.Stdout, patterns)
		return nil
	},
}

// -- learn aliases --

var learnAliasesCmd = &cobra.Command{
	Use:   "aliases",
	Short: "List learned reporter aliases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		learnStore, err := initLearning()
		if err != nil {
			return err
		}

		aliases := learnStore.Aliases()
		if len(aliases) == 0 {
			fmt.Fprintln(os.Stderr, "No reporter aliases.")
			return nil
		}

		canonicals := make([]string, 0, len(aliases))
		for c := range aliases {
			canonicals = append(canonicals, c)
		}
		sort.Strings(canonicals)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CANONICAL\tVARIANTS")
		for _, c := range canonicals {
			variants := aliases[c]
			sort.Strings(variants)
			_, _ = fmt.Fprintf(w, "%s\t%v\n", c, variants)
		}
		_ = w.Flush()
		return nil
	},
}

// -- learn compact --

var learnCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Evict ineffective patterns and rotate the failure archive",
	RunE: func(cmd *cobra.Command, _ []string) error {
		learnStore, err := initLearning()
		if err != nil {
			return err
		}

		maxArchive, _ := cmd.Flags().GetInt64("max-archive-bytes")
		evicted, err := learnStore.Compact(maxArchive)
		if err != nil {
			return err
		}

		fmt.Printf("Evicted %d ineffective pattern(s).\n", evicted)
		return nil
	},
}

func init() {
	learnCompactCmd.Flags().Int64("max-archive-bytes", 10<<20, "rotate the failure archive past this size (0 disables)")

	learnCmd.AddCommand(learnStatusCmd)
	learnCmd.AddCommand(learnCompactCmd)
	learnCmd.AddCommand(learnPatternsCmd)
	learnCmd.AddCommand(learnAliasesCmd)
	rootCmd.AddCommand(learnCmd)
}

// formatPatterns writes a tabular list of learned patterns to w.
func formatPatterns(out io.Writer, patterns []model.PatternLearning) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATTERN\tSUCCESS\tFAILURE\tRATE\tUPDATED")

	for _, p := range patterns {
		expr := p.Pattern
		if len(expr) > 48 {
			expr = expr[:45] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%s\n",
			expr,
			p.SuccessCount,
			p.FailureCount,
			p.SuccessRate(),
			p.LastUpdated.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
