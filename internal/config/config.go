package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// envVarPort is the documented public interface: the server listens on
	// this port, default 4000.
	envVarPort       = "PORT"
	envVarListenHost = "PAIRING_RELAY_LISTEN_HOST"

	envVarLogFormat       = "PAIRING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PAIRING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PAIRING_RELAY_SHUTDOWN_TIMEOUT"

	envVarPairingCodeTTL = "PAIRING_CODE_TTL"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarSTUNServers    = "STUN_SERVERS"

	// WebSocket relay hardening.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueFrames      = "SIGNALING_SEND_QUEUE_FRAMES"
)

const (
	DefaultPort           = 4000
	DefaultShutdown       = 15 * time.Second
	DefaultPairingCodeTTL = 5 * time.Minute

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueFrames      = 256

	DefaultSTUNServer = "stun:stun.l.google.com:19302"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config holds the full runtime configuration of the relay.
type Config struct {
	ListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// PairingCodeTTL is the validity window of an issued pairing code,
	// fixed at issuance.
	PairingCodeTTL time.Duration

	// AllowedOrigins restricts browser access to the websocket endpoint.
	// Empty means same-host only; a single "*" allows any origin.
	AllowedOrigins []string

	// STUNServers is the ICE server list handed to call peers.
	STUNServers []string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueFrames      int
}

// Load builds a Config from the process environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		LogFormat: LogFormatText,
		LogLevel:  slog.LevelInfo,

		ShutdownTimeout: DefaultShutdown,
		PairingCodeTTL:  DefaultPairingCodeTTL,

		STUNServers: []string{DefaultSTUNServer},

		WSIdleTimeout:        DefaultWSIdleTimeout,
		WSPingInterval:       DefaultWSPingInterval,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		SendQueueFrames:      DefaultSendQueueFrames,
	}

	port := DefaultPort
	if raw, ok := lookup(envVarPort); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 1 || n > 65535 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarPort, raw)
		}
		port = n
	}
	host := envOrDefault(lookup, envVarListenHost, "")
	cfg.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))

	switch format := LogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText))); format {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = format
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envVarLogFormat, format)
	}

	if raw, ok := lookup(envVarLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := parseLogLevel(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown); err != nil {
		return Config{}, err
	}
	if cfg.PairingCodeTTL, err = envDurationOrDefault(lookup, envVarPairingCodeTTL, DefaultPairingCodeTTL); err != nil {
		return Config{}, err
	}
	if cfg.PairingCodeTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarPairingCodeTTL)
	}

	cfg.AllowedOrigins = splitList(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if stun := splitList(envOrDefault(lookup, envVarSTUNServers, "")); len(stun) > 0 {
		cfg.STUNServers = stun
	}

	if cfg.WSIdleTimeout, err = envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval >= cfg.WSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}

	if cfg.SendQueueFrames, err = envIntOrDefault(lookup, envVarSendQueueFrames, DefaultSendQueueFrames); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueFrames <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarSendQueueFrames)
	}

	return cfg, nil
}

// ICEServers returns the configured STUN servers as a pion ICE server list.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNServers}}
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
