package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check pipeline health once",
	Long: "Collects a health snapshot over monitoring.lookback_window_hours and evaluates the alert " +
		"thresholds. With --send, triggered alerts are posted to monitoring.webhook_url.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		lookback, _ := cmd.Flags().GetInt("lookback")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(env.Store, env.breakers()...).Collect(ctx, lookback)
		if err != nil {
			return err
		}
		alerts := env.Alerter.Evaluate(snap)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if err := writeJSON(struct {
				Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
				Alerts   []monitoring.Alert          `json:"alerts"`
			}{snap, alerts}); err != nil {
				return err
			}
		} else {
			printSnapshot(snap, alerts)
		}

		if send, _ := cmd.Flags().GetBool("send"); send && len(alerts) > 0 {
			sent := env.Alerter.SendAlerts(ctx, alerts)
			fmt.Fprintf(os.Stderr, "Sent %d of %d alert(s)\n", sent, len(alerts))
		}
		if len(alerts) > 0 {
			return errPartial
		}
		return nil
	},
}

func printSnapshot(snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	fmt.Printf("Window:          last %dh\n", snap.LookbackHours)
	if snap.StoreError != "" {
		fmt.Printf("Store:           unreachable (%s)\n", snap.StoreError)
	}
	fmt.Printf("Candidates:      %d\n", snap.CandidatesTotal)
	fmt.Printf("Unscored rate:   %.1f%%\n", snap.UnscoredRate*100)
	fmt.Printf("Review backlog:  %d\n", snap.ReviewBacklog)
	fmt.Printf("Retry backlog:   %d\n", snap.RetryBacklog)

	if len(snap.TierCounts) > 0 {
		tiers := make([]string, 0, len(snap.TierCounts))
		for t := range snap.TierCounts {
			tiers = append(tiers, t)
		}
		sort.Strings(tiers)

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tCOUNT")
		for _, t := range tiers {
			fmt.Fprintf(w, "%s\t%d\n", t, snap.TierCounts[t])
		}
		_ = w.Flush()
	}

	fmt.Println()
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return
	}
	for _, a := range alerts {
		fmt.Printf("[%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
}

func init() {
	monitorCmd.Flags().Int("lookback", 0, "lookback window in hours (default from config)")
	monitorCmd.Flags().Bool("send", false, "post triggered alerts to the monitoring webhook")
	monitorCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(monitorCmd)
}
