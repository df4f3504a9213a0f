package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/internal/replay"
)

var validateScenario string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and, optionally, a scenario",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateScenario, "scenario", "", "scenario file to check")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK (%d plugins)\n", len(cfg.Plugins))

	if validateScenario == "" {
		return nil
	}
	sc, err := replay.Load(validateScenario)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Scenario OK (%d tabs, %d steps)\n", len(sc.Tabs), len(sc.Steps))
	return nil
}
