package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warprelay/internal/config"
	"github.com/BioHazard786/warprelay/internal/signaling"
	"github.com/BioHazard786/warprelay/internal/ui"
)

var (
	flagFormat   string
	flagWatch    bool
	flagInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show devices, rooms and transfers on a relay",
	Long: `Fetch a snapshot from a running relay's /stats endpoint.

Examples:
  warprelay status
  warprelay status --server https://relay.example.com --format markdown
  warprelay status --watch --interval 1s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(flagServer)
		if err != nil {
			return err
		}
		fetch := func(ctx context.Context) (signaling.Stats, error) {
			return fetchStats(ctx, cfg.StatsURL())
		}

		if flagWatch {
			return ui.RunWatch(cfg.ServerURL, fetch, flagInterval)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var stats signaling.Stats
		if flagFormat == ui.FormatTable {
			stop := ui.RunConnectionSpinner("Fetching relay stats...")
			stats, err = fetch(ctx)
			stop()
		} else {
			stats, err = fetch(ctx)
		}
		if err != nil {
			return err
		}
		if err := ui.RenderStats(os.Stdout, stats, flagFormat); err != nil {
			return err
		}
		if msg, ok := poolWarning(stats); ok && flagFormat == ui.FormatTable {
			ui.PrintWarning(msg)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&flagFormat, "format", "f", ui.FormatTable, "Output format: table, markdown or csv")
	statusCmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "Keep refreshing in a live view")
	statusCmd.Flags().DurationVar(&flagInterval, "interval", 2*time.Second, "Refresh period for --watch")
	rootCmd.AddCommand(statusCmd)
}

// poolWarning flags a relay that has no display names left to hand out.
func poolWarning(stats signaling.Stats) (string, bool) {
	if stats.NamesFree > 0 {
		return "", false
	}
	return fmt.Sprintf("Name pool exhausted with %d devices online; new registrations will fail", len(stats.Peers)), true
}

func fetchStats(ctx context.Context, url string) (signaling.Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return signaling.Stats{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return signaling.Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return signaling.Stats{}, fmt.Errorf("fetch stats: unexpected status %s", resp.Status)
	}
	var stats signaling.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return signaling.Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}
