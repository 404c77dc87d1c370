package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/attribution"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the needs-review queue",
	Long:  "Unscored and borderline inquiries and ambiguous attributions wait here for a human decision.",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		items, err := env.Store.ListReviewItems(ctx, store.ReviewFilter{
			Kind:            model.ReviewKind(kind),
			IncludeResolved: all,
			Limit:           limit,
		})
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No review items.")
			return nil
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tREF\tCREATED\tRESOLVED\tSUMMARY")
		for _, it := range items {
			resolved := "-"
			if it.ResolvedAt != nil {
				resolved = it.ResolvedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				it.ID, it.Kind, it.RefID, it.CreatedAt.Format("2006-01-02 15:04"), resolved, truncate(it.Summary, 60))
		}
		return w.Flush()
	},
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <item-id>",
	Short: "Resolve a review item",
	Long: "Resolves an item. Inquiry items take --tier (hot, warm, cold or rejected); the decision is " +
		"recorded as a new candidate version and accepted tiers are attributed. Attribution items " +
		"optionally take --value, a confirmed consultation value.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{validateAnnotation: "notify"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, true)
		if err != nil {
			return err
		}
		defer env.Close()

		tier, _ := cmd.Flags().GetString("tier")
		note, _ := cmd.Flags().GetString("note")
		var value *float64
		if cmd.Flags().Changed("value") {
			v, _ := cmd.Flags().GetFloat64("value")
			value = &v
		}

		msg, err := env.resolveReview(ctx, args[0], tier, note, value)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

// resolveReview applies a reviewer's decision to the item's inquiry and
// marks the item resolved.
func (e *appEnv) resolveReview(ctx context.Context, id, tierStr, note string, value *float64) (string, error) {
	item, err := e.Store.GetReviewItem(ctx, id)
	if err != nil {
		return "", err
	}
	if item.ResolvedAt != nil {
		return "", eris.Errorf("review item %s was already resolved", id)
	}

	var msg string
	switch item.Kind {
	case model.ReviewUnscored, model.ReviewBorderline:
		if value != nil {
			return "", eris.New("--value applies to attribution items")
		}
		if tierStr == "" {
			return "", eris.Errorf("review item %s needs --tier", id)
		}
		tier, err := model.ParseTier(tierStr)
		if err != nil {
			return "", err
		}
		cand, err := e.Classifier.Override(ctx, item.RefID, tier, note)
		if err != nil {
			return "", err
		}
		msg = fmt.Sprintf("Inquiry %s set to %s (v%d)", cand.InquiryID, cand.Tier, cand.Version)
		out, err := e.Ledger.Attribute(ctx, cand.InquiryID)
		switch {
		case errors.Is(err, attribution.ErrNotAccepted):
		case err != nil:
			return "", err
		case cand.Accepted():
			msg += fmt.Sprintf(", attributed %.2f", out.Record.EstimatedValue)
		case out.Written:
			msg += fmt.Sprintf(", attribution v%d voided", out.Record.Version)
		}
	case model.ReviewAttributionAmbiguous:
		if tierStr != "" {
			return "", eris.New("--tier applies to inquiry items")
		}
		msg = fmt.Sprintf("Attribution of %s accepted", item.RefID)
		if value != nil {
			out, err := e.Ledger.SetManualValue(ctx, item.RefID, *value)
			if err != nil {
				return "", err
			}
			msg = fmt.Sprintf("Attribution of %s valued at %.2f (v%d)", item.RefID, out.Record.EstimatedValue, out.Record.Version)
		}
	default:
		return "", eris.Errorf("review item %s has unknown kind %q", id, item.Kind)
	}

	if err := e.Store.ResolveReviewItem(ctx, id, time.Now().UTC()); err != nil {
		return "", eris.Wrap(err, "resolve review item")
	}
	return msg, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	reviewListCmd.Flags().String("kind", "", "filter by kind (unscored, borderline, attribution_ambiguous)")
	reviewListCmd.Flags().Bool("all", false, "include resolved items")
	reviewListCmd.Flags().Int("limit", 100, "maximum items")
	reviewListCmd.Flags().Bool("json", false, "print items as JSON")

	reviewResolveCmd.Flags().String("tier", "", "tier decision for inquiry items")
	reviewResolveCmd.Flags().String("note", "", "reviewer note")
	reviewResolveCmd.Flags().Float64("value", 0, "confirmed consultation value for attribution items")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
	rootCmd.AddCommand(reviewCmd)
}
