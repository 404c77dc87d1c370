package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/experiment"
	"github.com/sells-group/leadflow/internal/model"
)

var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp"},
	Short:   "Manage content experiments",
	Long:    "Commands for registering, running, evaluating and archiving content experiments.",
}

// -- experiment list --

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		exps, err := env.Engine.List(ctx, model.ExperimentStatus(status))
		if err != nil {
			return eris.Wrap(err, "experiment list")
		}
		if len(exps) == 0 {
			fmt.Fprintln(os.Stderr, "No experiments found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMETRIC\tVARIANTS\tMIN SAMPLE\tCREATED")
		for _, e := range exps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				e.ID, e.Status, e.Metric, len(e.Variants), e.MinSamplePerVariant,
				e.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

// -- experiment create --

var experimentCreateCmd = &cobra.Command{
	Use:   "create [definition.yaml]",
	Short: "Register experiments from YAML definitions",
	Long: "Registers the experiment in the given definition file as a draft. Without an argument every " +
		"definition in experiment.definitions_dir is registered; ids that already exist are skipped.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var defs []*model.Experiment
		if len(args) == 1 {
			def, err := experiment.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			defs = append(defs, def)
		} else {
			if cfg.Experiment.DefinitionsDir == "" {
				return configError(eris.New("experiment create: pass a definition file or set experiment.definitions_dir"))
			}
			var err error
			defs, err = experiment.LoadDefinitions(cfg.Experiment.DefinitionsDir)
			if err != nil {
				return err
			}
		}

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, def := range defs {
			if len(args) == 0 {
				if _, err := env.Engine.Get(ctx, def.ID); err == nil {
					zap.L().Debug("experiment already registered", zap.String("experiment_id", def.ID))
					continue
				} else if !errors.Is(err, model.ErrNotFound) {
					return err
				}
			}
			if err := env.Engine.Create(ctx, def); err != nil {
				return err
			}
			fmt.Printf("Created %s (min %d per variant)\n", def.ID, def.MinSamplePerVariant)
		}
		return nil
	},
}

// -- experiment start --

var experimentStartCmd = &cobra.Command{
	Use:   "start <experiment-id>",
	Short: "Start a draft experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := env.Engine.Start(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Experiment %s is %s\n", exp.ID, exp.Status)
		return nil
	},
}

// -- experiment status --

var experimentStatusCmd = &cobra.Command{
	Use:   "status <experiment-id>",
	Short: "Show an experiment and its current evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		exp, res, err := env.Engine.Status(ctx, args[0])
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(struct {
				Experiment *model.Experiment        `json:"experiment"`
				Result     *model.StatisticalResult `json:"result,omitempty"`
			}{exp, res})
		}
		printExperiment(exp, res)
		return nil
	},
}

// -- experiment conclude --

var experimentConcludeCmd = &cobra.Command{
	Use:   "conclude <experiment-id>",
	Short: "Apply the stopping rule to a running experiment",
	Long: "Concludes the experiment when a variant is significantly better. Otherwise it keeps running, " +
		"unless --end is given or its end date has passed, in which case it is marked inconclusive.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		end, _ := cmd.Flags().GetBool("end")
		exp, err := env.Engine.Conclude(ctx, args[0], end)
		if err != nil {
			return err
		}
		printExperiment(exp, exp.Result)
		return nil
	},
}

// -- experiment archive --

var experimentArchiveCmd = &cobra.Command{
	Use:   "archive <experiment-id>",
	Short: "Archive a finished experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := env.Engine.Archive(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Experiment %s is %s\n", exp.ID, exp.Status)
		return nil
	},
}

// -- experiment assign --

var experimentAssignCmd = &cobra.Command{
	Use:   "assign <experiment-id> <content-id>",
	Short: "Assign a content piece to a variant",
	Long: "Assigns the content piece using the experiment's method. --variant records a variant already " +
		"chosen by the scheduling system. An existing assignment is returned unchanged.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, false, false)
		if err != nil {
			return err
		}
		defer env.Close()

		variant, _ := cmd.Flags().GetString("variant")
		segment, _ := cmd.Flags().GetString("segment")
		a, err := env.Engine.AssignOrGet(ctx, experiment.AssignRequest{
			ExperimentID: args[0],
			ContentID:    args[1],
			Segment:      segment,
			VariantTag:   variant,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%s)\n", a.ContentID, a.Variant, a.Method)
		return nil
	},
}

func printExperiment(exp *model.Experiment, res *model.StatisticalResult) {
	fmt.Printf("Experiment:  %s\n", exp.ID)
	fmt.Printf("Status:      %s\n", exp.Status)
	if exp.Hypothesis != "" {
		fmt.Printf("Hypothesis:  %s\n", exp.Hypothesis)
	}
	fmt.Printf("Metric:      %s (%s test, alpha %.3f, power %.2f)\n", exp.Metric, exp.Test, exp.Alpha, exp.Power)
	fmt.Printf("Min sample:  %d per variant\n", exp.MinSamplePerVariant)
	if res == nil {
		return
	}

	fmt.Printf("Outcome:     %s\n", res.Outcome)
	if res.Winner != nil {
		fmt.Printf("Winner:      %s (lift %+.1f%%)\n", *res.Winner, res.Lift*100)
	}
	if res.PValue != nil {
		fmt.Printf("p-value:     %.4f  CI [%.4f, %.4f]\n", *res.PValue, res.CILow, res.CIHigh)
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tN\tMEAN")
	for _, name := range exp.VariantNames() {
		fmt.Fprintf(w, "%s\t%d\t%.4f\n", name, res.SampleSizes[name], res.VariantMeans[name])
	}
	_ = w.Flush()

	if len(res.Comparisons) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VARIANT\tVS\tLIFT\tP\tSIGNIFICANT")
		for _, c := range res.Comparisons {
			fmt.Fprintf(w, "%s\t%s\t%+.1f%%\t%.4f\t%t\n", c.Variant, c.Control, c.Lift*100, c.PValue, c.Significant)
		}
		_ = w.Flush()
	}
}

func init() {
	experimentListCmd.Flags().String("status", "", "filter by status (draft, running, concluded, inconclusive, archived)")
	experimentStatusCmd.Flags().Bool("json", false, "print the experiment and result as JSON")
	experimentConcludeCmd.Flags().Bool("end", false, "end the experiment even without a significant result")
	experimentAssignCmd.Flags().String("variant", "", "variant already chosen by the scheduling system")
	experimentAssignCmd.Flags().String("segment", "", "audience segment for segment-based assignment")

	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentCreateCmd)
	experimentCmd.AddCommand(experimentStartCmd)
	experimentCmd.AddCommand(experimentStatusCmd)
	experimentCmd.AddCommand(experimentConcludeCmd)
	experimentCmd.AddCommand(experimentArchiveCmd)
	experimentCmd.AddCommand(experimentAssignCmd)
	rootCmd.AddCommand(experimentCmd)
}
