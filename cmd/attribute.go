package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/attribution"
)

var attributeCmd = &cobra.Command{
	Use:   "attribute [inquiry-id]",
	Short: "Attribute an inquiry to the content that produced it",
	Long: "Computes the time-decayed attribution of one inquiry, or of every queued inquiry with " +
		"--all-pending. --value records a manually confirmed consultation value first.",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{validateAnnotation: "notify"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		allPending, _ := cmd.Flags().GetBool("all-pending")
		asJSON, _ := cmd.Flags().GetBool("json")
		switch {
		case allPending && len(args) > 0:
			return eris.New("attribute: pass an inquiry id or --all-pending, not both")
		case !allPending && len(args) == 0:
			return eris.New("attribute: an inquiry id or --all-pending is required")
		case allPending && cmd.Flags().Changed("value"):
			return eris.New("attribute: --value applies to a single inquiry")
		}

		env, err := initEnv(ctx, false, true)
		if err != nil {
			return err
		}
		defer env.Close()

		if allPending {
			res, err := env.Ledger.AttributePending(ctx, cfg.Attribution.BatchSize)
			if err != nil {
				return err
			}
			if err := writeJSON(res); err != nil {
				return err
			}
			if res.Partial() {
				return errPartial
			}
			return nil
		}

		var out *attribution.Outcome
		if cmd.Flags().Changed("value") {
			value, _ := cmd.Flags().GetFloat64("value")
			out, err = env.Ledger.SetManualValue(ctx, args[0], value)
		} else {
			out, err = env.Ledger.Attribute(ctx, args[0])
		}
		if err != nil {
			return err
		}

		if asJSON {
			if err := writeJSON(out); err != nil {
				return err
			}
		} else {
			printOutcome(out)
		}
		if out.Ambiguous {
			return errPartial
		}
		return nil
	},
}

func printOutcome(out *attribution.Outcome) {
	rec := out.Record
	fmt.Printf("Inquiry:   %s (v%d)\n", rec.InquiryID, rec.Version)
	fmt.Printf("Tier:      %s\n", rec.Tier)
	fmt.Printf("Value:     %.2f (%s)\n", rec.EstimatedValue, rec.ValueSource)
	fmt.Printf("Touches:   %d in %d days\n", rec.TouchCount, rec.WindowDays)
	fmt.Printf("Written:   %t\n", out.Written)
	if out.Ambiguous {
		fmt.Println("Status:    ambiguous (queued for review)")
	}
	if out.Alerted {
		fmt.Println("Alert:     sent")
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTENT\tWEIGHT\tVALUE")
	for _, t := range rec.Touches {
		fmt.Fprintf(w, "%s\t%.4f\t%.2f\n", t.ContentID, t.Weight, t.Weight*rec.EstimatedValue)
	}
	_ = w.Flush()
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	attributeCmd.Flags().Bool("all-pending", false, "attribute every queued inquiry")
	attributeCmd.Flags().Float64("value", 0, "manually confirmed consultation value")
	attributeCmd.Flags().Bool("json", false, "print the record as JSON")
	rootCmd.AddCommand(attributeCmd)
}
