package feed

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default client configuration values.
const (
	// DefaultKeepaliveTime is the default interval for transport keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 1 * time.Second

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 30 * time.Second

	// DefaultEventChannelSize is the default buffer size for the event channel.
	DefaultEventChannelSize = 256

	// DefaultMaxMessageSize is the default maximum gRPC message size.
	// Events are small; this is generous headroom.
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultHealthCheckInterval is the interval between staleness checks.
	DefaultHealthCheckInterval = 15 * time.Second

	// DefaultStaleTimeout is how long without messages before the client
	// tears the stream down and redials. Must exceed the server's
	// heartbeat interval or idle streams churn.
	DefaultStaleTimeout = 60 * time.Second
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("feed endpoint is required")
	ErrInvalidConfig = errors.New("invalid feed configuration")
)

// Config holds the configuration for the feed client.
type Config struct {
	// Endpoint is the gRPC address of the feed server (host:port).
	// Required.
	Endpoint string

	// Token is the shared authentication token, sent as x-token
	// metadata. Can use environment variable expansion with ${VAR_NAME}.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// FromSeq is the first sequence number to request on the initial
	// subscribe. Zero subscribes live only. Reconnects resume from the
	// last delivered event regardless.
	FromSeq uint64

	// Kinds limits the subscription to the listed event kinds.
	// Empty subscribes to everything.
	Kinds []EventKind

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// EventChannelSize is the buffer size of the Events channel.
	EventChannelSize int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// HealthCheckInterval is how often to check stream staleness.
	HealthCheckInterval time.Duration

	// StaleTimeout is how long without messages before reconnecting.
	StaleTimeout time.Duration

	// Headers are additional metadata pairs to send with the subscribe
	// call. Useful for custom authentication schemes.
	Headers map[string]string

	// OnEvent is called for each delivered event (optional).
	// Called synchronously from the receive loop - should not block.
	OnEvent func(*Event)

	// OnConnect is called when a connection is established (optional).
	OnConnect func()

	// OnDisconnect is called when the connection is lost (optional).
	// Not called on deliberate Close.
	OnDisconnect func(error)

	// OnReconnect is called when reconnection succeeds (optional).
	OnReconnect func(attempt int)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,

		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		MaxReconnects:     0, // unlimited

		EventChannelSize: DefaultEventChannelSize,
		MaxMessageSize:   DefaultMaxMessageSize,

		HealthCheckInterval: DefaultHealthCheckInterval,
		StaleTimeout:        DefaultStaleTimeout,

		Headers: make(map[string]string),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}

	if c.EventChannelSize <= 0 {
		return fmt.Errorf("%w: event channel size must be positive", ErrInvalidConfig)
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}

	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}

	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay must be >= min delay", ErrInvalidConfig)
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("%w: health check interval must be positive", ErrInvalidConfig)
	}

	if c.StaleTimeout <= 0 {
		return fmt.Errorf("%w: stale timeout must be positive", ErrInvalidConfig)
	}

	for _, k := range c.Kinds {
		if k < EventRunStarted || k > EventHeartbeat {
			return fmt.Errorf("%w: unknown event kind %d", ErrInvalidConfig, k)
		}
	}

	return nil
}

// WithDefaults returns a new config with default values applied for any
// zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = defaults.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.EventChannelSize == 0 {
		c.EventChannelSize = defaults.EventChannelSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = defaults.StaleTimeout
	}
	if c.Headers == nil {
		c.Headers = defaults.Headers
	}

	return c
}

// ExpandedToken returns the token with environment variable expansion.
// Supports ${VAR_NAME} syntax.
func (c *Config) ExpandedToken() string {
	return expandEnvVars(c.Token)
}

// expandEnvVars expands ${VAR} references in a string.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := result[start+2 : end]
		varValue := os.Getenv(varName)
		result = result[:start] + varValue + result[end+1:]
	}
	return result
}
