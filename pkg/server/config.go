package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for the relay server. Fields with env tags can
// be populated from the environment via ConfigFromEnv.
type Config struct {
	// Port is the TCP port to listen on.
	// Default: 5000.
	Port int `env:"PORT" envDefault:"5000"`

	// GracePeriod is how long an empty session survives before deletion.
	// Default: 1 hour.
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"1h"`

	// ReadTimeout is the maximum time to wait for a message from the
	// client before the connection is considered dead. Pongs reset it.
	// Default: 60 seconds.
	ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	// PingInterval is the time between heartbeat pings. Must be shorter
	// than ReadTimeout.
	// Default: 30 seconds.
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`

	// SendQueueSize is the per-connection outbound frame buffer. Frames to
	// a connection whose buffer is full are dropped rather than blocking
	// the sender.
	// Default: 256.
	SendQueueSize int `env:"SEND_QUEUE_SIZE" envDefault:"256"`

	// EventQueueSize is the router's inbound event buffer.
	// Default: 256.
	EventQueueSize int `env:"EVENT_QUEUE_SIZE" envDefault:"256"`

	// WebSocket buffer sizes.
	ReadBufferSize  int `env:"READ_BUFFER_SIZE" envDefault:"4096"`
	WriteBufferSize int `env:"WRITE_BUFFER_SIZE" envDefault:"4096"`

	// CheckOrigin decides whether to accept a WebSocket upgrade. Not
	// settable from the environment; the default accepts any origin,
	// matching the browser client's cross-origin deployment.
	CheckOrigin func(*http.Request) bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            5000,
		GracePeriod:     time.Hour,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxMessageSize:  64 * 1024,
		SendQueueSize:   256,
		EventQueueSize:  256,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// ConfigFromEnv loads a Config from the environment, falling back to the
// defaults above for unset variables.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.CheckOrigin = func(*http.Request) bool { return true }
	return cfg, nil
}

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.EventQueueSize == 0 {
		c.EventQueueSize = d.EventQueueSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	return c
}
