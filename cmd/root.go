package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/config"
)

// Exit codes.
const (
	exitOK      = 0
	exitPartial = 1
	exitConfig  = 2
)

var cfg *config.Config

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

// errPartial is returned when a run finished but left work for review or a
// later retry pass.
var errPartial = errors.New("completed with items queued for review or retry")

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitPartial
}

// validateAnnotation names the config.Validate mode a command needs.
const validateAnnotation = "validate"

func validateMode(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if m, ok := c.Annotations[validateAnnotation]; ok {
			return m
		}
	}
	return ""
}

var rootCmd = &cobra.Command{
	Use:   "leadflow",
	Short: "Social engagement to qualified lead pipeline",
	Long: "Classifies social engagement into inquiry candidates, attributes inquiries to the content that " +
		"produced them, runs content experiments and exports performance reports.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return configError(fmt.Errorf("load config: %w", err))
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return configError(fmt.Errorf("init logger: %w", err))
		}
		if err := cfg.Validate(validateMode(cmd)); err != nil {
			return configError(err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
