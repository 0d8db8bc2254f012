// Package config loads server configuration from environment variables
// and command-line flags (flags win) and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "DRIFTLINE_LISTEN_ADDR"
	envVarLogFormat       = "DRIFTLINE_LOG_FORMAT"
	envVarLogLevel        = "DRIFTLINE_LOG_LEVEL"
	envVarShutdownTimeout = "DRIFTLINE_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Shared anonymous bearer credential. Empty disables auth (dev).
	envVarAuthToken = "AUTH_TOKEN"

	// Store selection.
	envVarStoreBackend = "STORE_BACKEND"
	envVarDynamoTable  = "DYNAMO_TABLE"

	// Expiry knobs.
	envVarSignalTTL   = "SIGNAL_TTL"
	envVarMessageTTL  = "MESSAGE_TTL"
	envVarWaitingTTL  = "WAITING_TTL"
	envVarIdentityTTL = "IDENTITY_TTL"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StoreBackend selects where shared matchmaking state lives.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreDynamoDB StoreBackend = "dynamodb"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins feeds the CORS layer. Empty means allow all,
	// matching the anonymous, account-free nature of the service.
	AllowedOrigins []string

	AuthToken string

	StoreBackend StoreBackend
	DynamoTable  string

	SignalTTL   time.Duration
	MessageTTL  time.Duration
	WaitingTTL  time.Duration
	IdentityTTL time.Duration
}

// Load builds a Config from the environment and args. args is the
// command line after the program name (typically os.Args[1:]).
func Load(args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOr(envVarListenAddr, DefaultListenAddr),
		LogFormat:       LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,
		AuthToken:       os.Getenv(envVarAuthToken),
		StoreBackend:    StoreMemory,
		DynamoTable:     os.Getenv(envVarDynamoTable),
	}

	if v := os.Getenv(envVarLogFormat); v != "" {
		cfg.LogFormat = LogFormat(v)
	}
	if v := os.Getenv(envVarLogLevel); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarLogLevel, err)
		}
		cfg.LogLevel = level
	}
	if v := os.Getenv(envVarShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarShutdownTimeout, err)
		}
		cfg.ShutdownTimeout = d
	}
	if v := os.Getenv(envVarAllowedOrigins); v != "" {
		cfg.AllowedOrigins = splitCommaList(v)
	}
	if v := os.Getenv(envVarStoreBackend); v != "" {
		cfg.StoreBackend = StoreBackend(v)
	}
	for _, ttl := range []struct {
		envVar string
		dst    *time.Duration
	}{
		{envVarSignalTTL, &cfg.SignalTTL},
		{envVarMessageTTL, &cfg.MessageTTL},
		{envVarWaitingTTL, &cfg.WaitingTTL},
		{envVarIdentityTTL, &cfg.IdentityTTL},
	} {
		if v := os.Getenv(ttl.envVar); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", ttl.envVar, err)
			}
			*ttl.dst = d
		}
	}

	fs := flag.NewFlagSet("driftline-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP listen address")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	store := fs.String("store", string(cfg.StoreBackend), "state store backend: memory or dynamodb")
	fs.StringVar(&cfg.DynamoTable, "dynamo-table", cfg.DynamoTable, "DynamoDB table name (store=dynamodb)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.LogFormat = LogFormat(*logFormat)
	cfg.StoreBackend = StoreBackend(*store)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreDynamoDB:
		if c.DynamoTable == "" {
			return fmt.Errorf("%s is required when %s=dynamodb", envVarDynamoTable, envVarStoreBackend)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	for _, ttl := range []struct {
		name string
		d    time.Duration
	}{
		{envVarSignalTTL, c.SignalTTL},
		{envVarMessageTTL, c.MessageTTL},
		{envVarWaitingTTL, c.WaitingTTL},
		{envVarIdentityTTL, c.IdentityTTL},
	} {
		if ttl.d < 0 {
			return fmt.Errorf("%s must not be negative", ttl.name)
		}
	}
	return nil
}

// NewLogger builds the process logger from the configured format and
// level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func parseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unsupported log level %q", v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
