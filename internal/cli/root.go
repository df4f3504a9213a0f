package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/internal/config"
	"github.com/harun/autotrack/internal/logger"
	"github.com/harun/autotrack/pkg/autotrack"
)

const version = autotrack.Version

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autotrack",
	Short: "Autotrack - analytics plugins for page interaction tracking",
	Long: `Autotrack attaches tracking plugins to browser tabs and sends the
resulting Measurement Protocol hits. Plugins can be replayed against
scripted scenarios or attached to live tabs of a local Chrome.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.autotrack/autotrack.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the --log-level flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.Logging.Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}
