package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Import content metadata",
}

var contentImportCmd = &cobra.Command{
	Use:   "import <content-feed>",
	Short: "Import a content metadata feed",
	Long: "Reads content pieces from a local file or URL (JSON, CSV, XLSX or ZIP), assigns pieces that " +
		"name a running experiment, and stores them. Published content is immutable: known ids are skipped.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, err := env.Opener.LoadContent(ctx, args[0])
		if err != nil {
			return err
		}
		logRejected(batch.Rejected)

		_, res, err := env.Importer.Import(ctx, batch.Items)
		if err != nil {
			return err
		}
		if err := writeJSON(res); err != nil {
			return err
		}
		if len(batch.Rejected) > 0 || res.Skipped > 0 {
			return errPartial
		}
		return nil
	},
}

var contentSyncCmd = &cobra.Command{
	Use:         "sync",
	Short:       "Sync published content from the Notion content calendar",
	Annotations: map[string]string{validateAnnotation: "sync"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var since time.Time
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			t, err := time.Parse("2006-01-02", s)
			if err != nil {
				return eris.Wrapf(err, "content sync: --since %q (want YYYY-MM-DD)", s)
			}
			since = t
		}

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := initNotionSource(env).Sync(ctx, since)
		if err != nil {
			return err
		}
		if err := writeJSON(res); err != nil {
			return err
		}
		if res.Skipped > 0 {
			return errPartial
		}
		return nil
	},
}

func init() {
	contentSyncCmd.Flags().String("since", "", "only pages published on or after this date (YYYY-MM-DD)")
	contentCmd.AddCommand(contentImportCmd)
	contentCmd.AddCommand(contentSyncCmd)
	rootCmd.AddCommand(contentCmd)
}
