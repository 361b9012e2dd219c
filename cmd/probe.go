package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warprelay/internal/config"
	"github.com/BioHazard786/warprelay/internal/relayclient"
	"github.com/BioHazard786/warprelay/internal/signaling"
	"github.com/BioHazard786/warprelay/internal/ui"
)

var (
	flagDeviceID  string
	flagMsgpack   bool
	flagSystemDNS bool
	flagTimeout   time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect to a relay as a device and show what it sees",
	Long: `Connect to a relay, register as a device and print the assigned name and
the other devices currently online.

Examples:
  warprelay probe
  warprelay probe --server wss://relay.example.com --msgpack`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(flagServer)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
		defer cancel()
		return probe(ctx, cfg)
	},
}

func init() {
	probeCmd.Flags().StringVar(&flagDeviceID, "id", "", "Device id to register (default: random)")
	probeCmd.Flags().BoolVar(&flagMsgpack, "msgpack", false, "Use the msgpack wire codec")
	probeCmd.Flags().BoolVar(&flagSystemDNS, "system-dns", false, "Only use the system resolver")
	probeCmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "Give up after this long")
	rootCmd.AddCommand(probeCmd)
}

func probe(ctx context.Context, cfg *config.ClientConfig) error {
	opts := relayclient.Options{SystemDNS: flagSystemDNS}
	if flagMsgpack {
		opts.Subprotocol = signaling.SubprotocolMsgpack
	}
	deviceID := flagDeviceID
	if deviceID == "" {
		deviceID = "probe-" + uuid.NewString()
	}

	stop := ui.RunConnectionSpinner("Connecting to relay...")
	client, err := relayclient.Dial(ctx, cfg.WebSocketURL(), opts)
	stop()
	if err != nil {
		return err
	}
	defer client.Close()
	ui.PrintSuccessf("Connected to %s", cfg.ServerURL)

	id, err := client.Register(ctx, deviceID, map[string]any{"platform": "cli"})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	msg, err := client.Await(ctx, signaling.TypeDevices)
	if err != nil {
		return fmt.Errorf("device list: %w", err)
	}
	var list signaling.DeviceList
	if err := msg.Decode(&list); err != nil {
		return fmt.Errorf("device list: %w", err)
	}

	fmt.Println(ui.IdentityView(id, list.Devices))
	ui.PrintInfof("Connected with %s codec", client.Codec().Name())
	return nil
}
