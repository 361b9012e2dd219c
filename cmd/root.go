package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warprelay/internal/ui"
	"github.com/BioHazard786/warprelay/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warprelay",
	Short: "Signaling and relay server for browser and CLI file sharing",
	Long: `warprelay lets devices discover each other, gather in rooms identified by a
short numeric code, negotiate WebRTC connections and, when a direct connection
is not possible, relay file chunks through the server.`,
	Version: version.Version,
}

var flagServer string

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Relay base URL for client commands (env: RELAY_URL)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Interrupts cancel the command's context so serve can shut down gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
