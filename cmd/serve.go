package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/warprelay/internal/config"
	"github.com/BioHazard786/warprelay/internal/logging"
	"github.com/BioHazard786/warprelay/internal/metrics"
	"github.com/BioHazard786/warprelay/internal/server"
	"github.com/BioHazard786/warprelay/internal/signaling"
	"github.com/BioHazard786/warprelay/internal/version"
)

var serveOpts config.Options
var flagValidateSignals bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the signaling and relay server.

Every flag can also be set through the environment variable named in its
help text. Flags win over the environment.

Examples:
  warprelay serve
  warprelay serve --addr :9000 --transfer-mode buffered
  LOG_FORMAT=json warprelay serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := serveOpts
		if cmd.Flags().Changed("validate-signals") {
			v := flagValidateSignals
			opts.ValidateSignals = &v
		}
		return serve(cmd.Context(), opts)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.ListenAddr, "addr", "", "Listen address (env: RELAY_ADDR, default :8080)")
	f.StringVar(&serveOpts.TransferMode, "transfer-mode", "", "passthrough or buffered (env: TRANSFER_MODE, default passthrough)")
	f.DurationVar(&serveOpts.SweepInterval, "sweep-interval", 0, "Dead connection sweep period (env: SWEEP_INTERVAL, default 60s)")
	f.DurationVar(&serveOpts.TransferIdleTimeout, "transfer-idle-timeout", 0, "Discard transfers idle this long (env: TRANSFER_IDLE_TIMEOUT, default 2m)")
	f.Int64Var(&serveOpts.MaxBufferedBytes, "max-buffered-bytes", 0, "Per-transfer buffer cap in buffered mode (env: MAX_BUFFERED_BYTES, default 256MiB)")
	f.IntVar(&serveOpts.MaxTransferChunks, "max-transfer-chunks", 0, "Largest totalChunks a transfer may announce (env: MAX_TRANSFER_CHUNKS, default 1048576)")
	f.Int64Var(&serveOpts.MaxMessageBytes, "max-message-bytes", 0, "Largest inbound websocket frame (env: MAX_MESSAGE_BYTES, default 1MiB)")
	f.Float64Var(&serveOpts.MessagesPerSecond, "messages-per-second", 0, "Per-connection inbound rate limit (env: MESSAGES_PER_SECOND, default 200)")
	f.IntVar(&serveOpts.SendQueueSize, "send-queue", 0, "Per-connection outbound queue length (env: SEND_QUEUE_SIZE, default 256)")
	f.BoolVar(&flagValidateSignals, "validate-signals", config.DefaultValidateSignals, "Reject unparsable SDP and ICE candidates (env: VALIDATE_SIGNALS)")
	f.DurationVar(&serveOpts.ShutdownTimeout, "shutdown-timeout", 0, "Graceful shutdown limit (env: SHUTDOWN_TIMEOUT, default 10s)")

	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(slog.LevelInfo)
	m := metrics.New()

	hubOpts := cfg.HubOptions()
	hubOpts.Logger = logger
	hubOpts.Metrics = m
	hub := signaling.NewHub(hubOpts)
	srv := server.New(cfg.ListenAddr, hub, m, cfg.ClientOptions(), logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("starting relay",
		"version", version.Version,
		"addr", ln.Addr().String(),
		"transfer_mode", cfg.TransferMode,
		"sweep_interval", cfg.SweepInterval,
		"validate_signals", cfg.ValidateSignals,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
