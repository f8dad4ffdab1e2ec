// Package config holds the host connection configuration: endpoint, API key,
// and the timing knobs that govern the framed socket, the reconnect loop, and
// the ping watchdog.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete configuration for one host connection.
type Config struct {
	// APIKey authenticates the host with the dashboard. Sent as the
	// x-api-key header on the websocket upgrade and as a bearer token on
	// REST calls.
	APIKey string `yaml:"api_key"`

	// Endpoint is the websocket URL of the dashboard.
	Endpoint string `yaml:"endpoint"`

	// ConnectTimeout bounds the dial plus the "authenticated" handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SendTimeout bounds how long a framed send waits for its ACK.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// PingTimeout bounds how long a ping waits for its ACK.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// PingInterval is how often the host controller pings a quiet connection.
	PingInterval time.Duration `yaml:"ping_interval"`

	// CloseUnresponsiveTimeout is how long pings may go unanswered before
	// the connection is closed and the reconnect loop takes over.
	CloseUnresponsiveTimeout time.Duration `yaml:"close_unresponsive_timeout"`

	// RetryInterval is the base delay between reconnect attempts and
	// between awaiting-connection checks.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// ReinitializeBatchTimeout coalesces bursts of route-registry mutations
	// into a single re-INITIALIZE_HOST.
	ReinitializeBatchTimeout time.Duration `yaml:"reinitialize_batch_timeout"`

	// ProducerCount is the number of framed-socket producer workers.
	ProducerCount int `yaml:"producer_count"`

	// SendQueueSize bounds the framed socket's outbound queue.
	SendQueueSize int `yaml:"send_queue_size"`
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("config: api_key is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("config: invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.ProducerCount < 1 {
		return fmt.Errorf("config: producer_count must be >= 1, got %d", c.ProducerCount)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("config: send_queue_size must be >= 1, got %d", c.SendQueueSize)
	}
	return nil
}

// HTTPBase derives the REST base URL from the websocket endpoint: same host,
// http(s) scheme, path /api.
func (c *Config) HTTPBase() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("config: invalid endpoint %q: %w", c.Endpoint, err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/websocket")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api"
	return u.String(), nil
}
