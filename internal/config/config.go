package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BioHazard786/warprelay/internal/signaling"
)

// Default configuration values
const (
	DefaultListenAddr          = ":8080"
	DefaultTransferMode        = signaling.ModePassthrough
	DefaultSweepInterval       = 60 * time.Second
	DefaultTransferIdleTimeout = 2 * time.Minute
	DefaultMaxBufferedBytes    = 256 << 20
	DefaultMaxTransferChunks   = signaling.DefaultMaxChunks
	DefaultMaxMessageBytes     = 1 << 20
	DefaultMessagesPerSecond   = 200
	DefaultSendQueueSize       = 256
	DefaultValidateSignals     = true
	DefaultShutdownTimeout     = 10 * time.Second

	DefaultServerURL = "http://localhost:8080"
)

// Config holds the relay server configuration
type Config struct {
	ListenAddr string

	TransferMode        signaling.Mode
	TransferIdleTimeout time.Duration
	MaxBufferedBytes    int64
	MaxTransferChunks   int

	SweepInterval time.Duration

	// Per-connection limits
	MaxMessageBytes   int64
	MessagesPerSecond float64
	SendQueueSize     int

	ValidateSignals bool
	ShutdownTimeout time.Duration
}

// Options for loading config with CLI flag overrides. Zero values (and a nil
// ValidateSignals) mean the flag was not given.
type Options struct {
	ListenAddr          string
	TransferMode        string
	TransferIdleTimeout time.Duration
	MaxBufferedBytes    int64
	MaxTransferChunks   int
	SweepInterval       time.Duration
	MaxMessageBytes     int64
	MessagesPerSecond   float64
	SendQueueSize       int
	ValidateSignals     *bool
	ShutdownTimeout     time.Duration
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = opts.ListenAddr
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = os.Getenv("RELAY_ADDR")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	mode := opts.TransferMode
	if mode == "" {
		mode = os.Getenv("TRANSFER_MODE")
	}
	if mode == "" {
		mode = string(DefaultTransferMode)
	}
	m, err := signaling.ParseMode(strings.ToLower(mode))
	if err != nil {
		return nil, fmt.Errorf("transfer mode: %w", err)
	}
	cfg.TransferMode = m

	var errs []error
	pick := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	cfg.TransferIdleTimeout, err = duration(opts.TransferIdleTimeout, "TRANSFER_IDLE_TIMEOUT", DefaultTransferIdleTimeout)
	pick(err)
	cfg.SweepInterval, err = duration(opts.SweepInterval, "SWEEP_INTERVAL", DefaultSweepInterval)
	pick(err)
	cfg.ShutdownTimeout, err = duration(opts.ShutdownTimeout, "SHUTDOWN_TIMEOUT", DefaultShutdownTimeout)
	pick(err)
	cfg.MaxBufferedBytes, err = integer(opts.MaxBufferedBytes, "MAX_BUFFERED_BYTES", DefaultMaxBufferedBytes)
	pick(err)
	chunks, err := integer(int64(opts.MaxTransferChunks), "MAX_TRANSFER_CHUNKS", DefaultMaxTransferChunks)
	pick(err)
	cfg.MaxTransferChunks = int(chunks)
	cfg.MaxMessageBytes, err = integer(opts.MaxMessageBytes, "MAX_MESSAGE_BYTES", DefaultMaxMessageBytes)
	pick(err)
	queue, err := integer(int64(opts.SendQueueSize), "SEND_QUEUE_SIZE", DefaultSendQueueSize)
	pick(err)
	cfg.SendQueueSize = int(queue)
	cfg.MessagesPerSecond, err = rateValue(opts.MessagesPerSecond, "MESSAGES_PER_SECOND", DefaultMessagesPerSecond)
	pick(err)
	cfg.ValidateSignals, err = boolean(opts.ValidateSignals, "VALIDATE_SIGNALS", DefaultValidateSignals)
	pick(err)
	if len(errs) > 0 {
		return nil, errs[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	case c.TransferIdleTimeout < 0:
		return fmt.Errorf("transfer idle timeout must not be negative, got %s", c.TransferIdleTimeout)
	case c.MaxBufferedBytes < 0:
		return fmt.Errorf("max buffered bytes must not be negative, got %d", c.MaxBufferedBytes)
	case c.MaxTransferChunks <= 0:
		return fmt.Errorf("max transfer chunks must be positive, got %d", c.MaxTransferChunks)
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("send queue size must be positive, got %d", c.SendQueueSize)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// HubOptions converts the config into the hub's options.
func (c *Config) HubOptions() signaling.Options {
	return signaling.Options{
		TransferMode:        c.TransferMode,
		MaxBufferedBytes:    c.MaxBufferedBytes,
		MaxTransferChunks:   c.MaxTransferChunks,
		TransferIdleTimeout: c.TransferIdleTimeout,
		SweepInterval:       c.SweepInterval,
		ValidateSignals:     c.ValidateSignals,
	}
}

// ClientOptions converts the config into per-connection options. A zero
// rate disables limiting.
func (c *Config) ClientOptions() signaling.ClientOptions {
	rate := c.MessagesPerSecond
	if rate == 0 {
		rate = -1
	}
	return signaling.ClientOptions{
		MaxMessageSize:    c.MaxMessageBytes,
		SendQueueSize:     c.SendQueueSize,
		MessagesPerSecond: rate,
	}
}

// ClientConfig is what the status and probe commands need to reach a relay.
type ClientConfig struct {
	ServerURL string
}

// LoadClient resolves the relay URL: flag > RELAY_URL > default.
func LoadClient(serverURL string) (*ClientConfig, error) {
	if serverURL == "" {
		serverURL = os.Getenv("RELAY_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("relay url: missing host in %q", serverURL)
	}
	return &ClientConfig{ServerURL: strings.TrimRight(serverURL, "/")}, nil
}

// StatsURL returns the HTTP URL of the relay's /stats endpoint.
func (c *ClientConfig) StatsURL() string {
	return c.endpoint("/stats", map[string]string{"ws": "http", "wss": "https"})
}

// WebSocketURL returns the ws(s) URL of the relay's /ws endpoint.
func (c *ClientConfig) WebSocketURL() string {
	return c.endpoint("/ws", map[string]string{"http": "ws", "https": "wss"})
}

func (c *ClientConfig) endpoint(path string, schemes map[string]string) string {
	u, _ := url.Parse(c.ServerURL)
	if s, ok := schemes[u.Scheme]; ok {
		u.Scheme = s
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func duration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return d, nil
	}
	return def, nil
}

func integer(flag int64, env string, def int64) (int64, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return n, nil
	}
	return def, nil
}

func rateValue(flag float64, env string, def float64) (float64, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		if f < 0 {
			return 0, fmt.Errorf("%s: must not be negative", env)
		}
		return f, nil
	}
	return def, nil
}

func boolean(flag *bool, env string, def bool) (bool, error) {
	if flag != nil {
		return *flag, nil
	}
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", env, err)
		}
		return b, nil
	}
	return def, nil
}
