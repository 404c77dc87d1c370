package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/ingest"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <event-batch>",
	Short: "Classify an engagement event batch and attribute the resulting inquiries",
	Long: "Loads engagement events from a local file, an http(s):// URL or an ftp:// URL (JSON, JSON lines, " +
		"CSV, XLSX or a ZIP bundle of those), stores them, classifies them and attributes accepted inquiries.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{validateAnnotation: "classify"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, true, true)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, err := env.Opener.LoadEvents(ctx, args[0])
		if err != nil {
			return err
		}
		logRejected(batch.Rejected)

		res, err := env.processEvents(ctx, "batch", batch.Items)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			*pipelineResult
			Rejected []ingest.Rejected `json:"rejected,omitempty"`
		}{res, batch.Rejected}); err != nil {
			return err
		}

		if res.Partial() || len(batch.Rejected) > 0 {
			return errPartial
		}
		return nil
	},
}

func logRejected(rejected []ingest.Rejected) {
	for _, r := range rejected {
		zap.L().Warn("rejected record",
			zap.String("source", r.Source),
			zap.Int("row", r.Row),
			zap.String("reason", r.Reason),
		)
	}
	if len(rejected) > 0 {
		fmt.Fprintf(os.Stderr, "%d record(s) rejected\n", len(rejected))
	}
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}
