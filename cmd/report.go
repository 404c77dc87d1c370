package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/analytics"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Content performance reports",
}

var reportExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Aggregate and export a content performance report",
	Long: "Aggregates engagement, attributed inquiries and experiment winners over --window and writes " +
		"the report as JSON, CSV or XLSX. A cancelled run resumes from its checkpoint on the next call " +
		"with the same window.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		windowStr, _ := cmd.Flags().GetString("window")
		out, _ := cmd.Flags().GetString("out")
		formatStr, _ := cmd.Flags().GetString("format")

		window, err := analytics.ParseWindow(windowStr, time.Now())
		if err != nil {
			return err
		}
		format, err := analytics.ParseFormat(formatStr, out)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Aggregator.Aggregate(ctx, window)
		if err != nil {
			return err
		}

		if out == "" {
			switch format {
			case analytics.FormatCSV:
				return analytics.WriteCSV(os.Stdout, rep)
			case analytics.FormatXLSX:
				return analytics.WriteXLSX(os.Stdout, rep)
			default:
				return analytics.WriteJSON(os.Stdout, rep)
			}
		}

		if err := analytics.Export(rep, out, format); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s report for %d content pieces to %s\n", format, rep.Totals.ContentPieces, out)
		return nil
	},
}

func init() {
	reportExportCmd.Flags().String("window", "30d", `reporting window: "30d", "12h" or "FROM..TO"`)
	reportExportCmd.Flags().String("format", "", "json, csv or xlsx (default from --out extension, else json)")
	reportExportCmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	reportCmd.AddCommand(reportExportCmd)
	rootCmd.AddCommand(reportCmd)
}
