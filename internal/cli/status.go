package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a live session is running",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pid := daemon.NewPIDFile(cfg.DataDir)

	if !pid.Running() {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	n, err := pid.PID()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", n)
	if info, err := os.Stat(pid.Path()); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
