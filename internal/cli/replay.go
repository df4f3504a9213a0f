package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/autotrack/internal/daemon"
	"github.com/harun/autotrack/internal/replay"
	"github.com/harun/autotrack/pkg/hit"
)

var replaySend bool

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.json>",
	Short: "Replay a scripted scenario through the configured plugins",
	Long: `Replay opens the scenario's tabs on a simulated clock, attaches the
configured plugins and applies each step in order. Every hit is printed
as one JSON line. With --send the hits are also delivered through the
configured transport.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replaySend, "send", false, "also deliver hits through the configured transport")
	rootCmd.AddCommand(replayCmd)
}

type hitLine struct {
	Time      time.Time  `json:"time"`
	HitType   string     `json:"hitType"`
	Transport string     `json:"transport,omitempty"`
	Payload   string     `json:"payload"`
	Fields    hit.Fields `json:"fields"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := replay.Load(args[0])
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	opts := replay.Options{Logger: log.Zerolog()}
	if replaySend {
		opts.Forward = daemon.NewTransport(cfg.Transport, log.Zerolog())
	}
	res, err := replay.Run(cmd.Context(), cfg, sc, opts)
	if res != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, h := range res.Hits {
			if encErr := enc.Encode(hitLine{
				Time:      h.Time,
				HitType:   h.HitType,
				Transport: h.TransportMethod,
				Payload:   h.Payload,
				Fields:    h.Fields,
			}); encErr != nil {
				return encErr
			}
		}
	}
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	log.Info().Str("scenario", sc.Name).Int("hits", len(res.Hits)).Dur("elapsed", res.Elapsed).Msg("Replay finished")
	return nil
}
