package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/caselens/citeminer/internal/model"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Extract citations from a document and print the result as JSON",
	Long:  "Runs one analysis pass inline: reads opinion text from a file, a URL, or stdin, extracts and clusters citations, optionally verifies them, and writes the result to stdout.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		url, _ := cmd.Flags().GetString("url")
		skipVerify, _ := cmd.Flags().GetBool("skip-verification")
		skipCluster, _ := cmd.Flags().GetBool("skip-clustering")

		req := model.AnalyzeRequest{
			Options: model.AnalyzeOptions{
				SkipVerification: skipVerify,
				SkipClustering:   skipCluster,
			},
		}
		switch {
		case url != "":
			req.Type = model.SourceURL
			req.URL = url
		case len(args) == 1:
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return eris.Wrap(err, "analyze: read input file")
			}
			req.Type = model.SourceText
			req.Text = string(raw)
		default:
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return eris.Wrap(err, "analyze: read stdin")
			}
			req.Type = model.SourceText
			req.Text = string(raw)
		}

		if err := env.Resolver.Validate(req); err != nil {
			return err
		}
		text, err := env.Resolver.Resolve(ctx, req)
		if err != nil {
			return err
		}

		result, outcome := env.Pipeline.Analyze(ctx, text, req, nil)
		env.Pipeline.Learn(outcome)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	analyzeCmd.Flags().String("url", "", "fetch the document from a URL instead of a file")
	analyzeCmd.Flags().Bool("skip-verification", false, "skip external citation verification")
	analyzeCmd.Flags().Bool("skip-clustering", false, "skip parallel citation clustering")
	rootCmd.AddCommand(analyzeCmd)
}
