package config

import "time"

// DefaultEndpoint is the production dashboard websocket URL.
const DefaultEndpoint = "wss://interval.com/websocket"

// Default returns the built-in configuration defaults. APIKey has no default
// and must be supplied by the caller or the YAML file.
func Default() *Config {
	return &Config{
		Endpoint:                 DefaultEndpoint,
		ConnectTimeout:           10 * time.Second,
		SendTimeout:              3 * time.Second,
		PingTimeout:              3 * time.Second,
		PingInterval:             30 * time.Second,
		CloseUnresponsiveTimeout: 3 * time.Minute,
		RetryInterval:            3 * time.Second,
		ReinitializeBatchTimeout: 200 * time.Millisecond,
		ProducerCount:            1,
		SendQueueSize:            256,
	}
}
