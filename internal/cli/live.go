package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/internal/daemon"
	"github.com/harun/autotrack/pkg/page/rodpage"
)

var (
	liveDuration       time.Duration
	liveStatusInterval time.Duration
)

var liveCmd = &cobra.Command{
	Use:   "live <url>...",
	Short: "Track live tabs in a local Chrome",
	Long: `Live launches Chrome (or attaches to browser.control_url), opens one tab
per URL and attaches the configured plugins. It runs until interrupted,
stopped with "autotrack stop", or --duration elapses.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLive,
}

func init() {
	liveCmd.Flags().DurationVar(&liveDuration, "duration", 0, "stop after this long (0 runs until interrupted)")
	liveCmd.Flags().DurationVar(&liveStatusInterval, "status-interval", daemon.DefaultStatusInterval, "how often to log tab status")
	rootCmd.AddCommand(liveCmd)
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	pid := daemon.NewPIDFile(cfg.DataDir)
	if err := pid.Acquire(); err != nil {
		return err
	}
	defer pid.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if liveDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, liveDuration)
		defer cancel()
	}

	d, err := daemon.New(cfg, log.Component("daemon"))
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Stop(context.Background())
		return err
	}
	defer func() {
		if err := d.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	browser, err := rodpage.Launch(rodpage.LaunchOptions{
		Headless:   cfg.Browser.Headless,
		NoSandbox:  cfg.Browser.NoSandbox,
		ChromePath: cfg.Browser.ChromePath,
		ControlURL: cfg.Browser.ControlURL,
	})
	if err != nil {
		return err
	}
	defer browser.Close()

	for _, u := range args {
		rp, err := browser.Open(u)
		if err != nil {
			return err
		}
		p, err := rodpage.New(rp, rodpage.Options{Logger: log.Component("rodpage")})
		if err != nil {
			return fmt.Errorf("failed to bridge %s: %w", u, err)
		}
		defer p.Close()
		tab, err := d.OpenTab(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tracking %s (tab %s)\n", u, tab.ID)
	}

	d.Run(ctx, liveStatusInterval)
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
	return nil
}
