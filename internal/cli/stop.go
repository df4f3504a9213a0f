package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/internal/daemon"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running live session",
	Long: `Stop sends SIGTERM to the live session and waits for it to shut down,
killing it once --timeout passes.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait before killing")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pid := daemon.NewPIDFile(cfg.DataDir)

	if !pid.Running() {
		_ = pid.Release()
		fmt.Fprintln(out, "Not running")
		return nil
	}
	if err := pid.Signal(); err != nil {
		return fmt.Errorf("failed to signal: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !pid.Running() {
			_ = pid.Release()
			fmt.Fprintln(out, "Stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	n, err := pid.PID()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(n)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = pid.Release()
	fmt.Fprintln(out, "Killed")
	return nil
}
