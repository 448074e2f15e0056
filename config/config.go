// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxnsq/client"
	"github.com/absmach/fluxnsq/lookup"
	"github.com/absmach/fluxnsq/pool"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an NSQ producer process.
type Config struct {
	Producer  ProducerConfig  `yaml:"producer"`
	Pool      PoolConfig      `yaml:"pool"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProducerConfig holds broker connection and publishing configuration.
type ProducerConfig struct {
	Addresses []string `yaml:"addresses"` // nsqd TCP addresses, host:port

	// Sent to the broker in IDENTIFY.
	ClientID            string        `yaml:"client_id"`
	Hostname            string        `yaml:"hostname"`
	UserAgent           string        `yaml:"user_agent"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"` // -1ns disables heartbeats
	OutputBufferSize    int           `yaml:"output_buffer_size"`
	OutputBufferTimeout time.Duration `yaml:"output_buffer_timeout"`
	MsgTimeout          time.Duration `yaml:"msg_timeout"`
	SampleRate          int           `yaml:"sample_rate"`

	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
	ProxyURL        string        `yaml:"proxy_url"` // e.g. socks5://host:1080
	MaxFrameSize    uint32        `yaml:"max_frame_size"`

	ConnectionRetries int           `yaml:"connection_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	PublishRate       float64       `yaml:"publish_rate"` // messages per second, 0 = unlimited
	PublishBurst      int           `yaml:"publish_burst"`
	RatePerTopic      bool          `yaml:"rate_per_topic"`
}

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	MaxTotalPerKey int           `yaml:"max_total_per_address"`
	MaxIdlePerKey  int           `yaml:"max_idle_per_address"`
	MaxTotal       int           `yaml:"max_total"` // 0 = unbounded
	MaxWait        time.Duration `yaml:"max_wait"`
	TestOnBorrow   bool          `yaml:"test_on_borrow"`
	TestOnReturn   bool          `yaml:"test_on_return"`
}

// LookupConfig holds nsqlookupd discovery configuration.
type LookupConfig struct {
	Addresses        []string      `yaml:"addresses"` // nsqlookupd HTTP addresses, [scheme://]host:port
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"` // 0 = discover once at startup
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	Insecure        bool          `yaml:"insecure"` // plaintext gRPC to the collector
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Default returns a configuration with default values.
func Default() *Config {
	poolDefaults := pool.DefaultConfig()
	lookupDefaults := lookup.DefaultConfig()

	return &Config{
		Producer: ProducerConfig{
			Addresses:         []string{"127.0.0.1:4150"},
			UserAgent:         client.DefaultUserAgent,
			DialTimeout:       client.DefaultDialTimeout,
			WriteTimeout:      client.DefaultWriteTimeout,
			RequestTimeout:    client.DefaultRequestTimeout,
			DeliveryTimeout:   client.DefaultDeliveryTimeout,
			ValidateTimeout:   client.DefaultValidateTimeout,
			ConnectionRetries: client.DefaultConnectionRetries,
			RetryBackoff:      client.DefaultRetryBackoff,
		},
		Pool: PoolConfig{
			MaxTotalPerKey: poolDefaults.MaxTotalPerKey,
			MaxIdlePerKey:  poolDefaults.MaxIdlePerKey,
			MaxTotal:       poolDefaults.MaxTotal,
			MaxWait:        poolDefaults.MaxWait,
			TestOnBorrow:   poolDefaults.TestOnBorrow,
			TestOnReturn:   poolDefaults.TestOnReturn,
		},
		Lookup: LookupConfig{
			RequestTimeout:   lookupDefaults.RequestTimeout,
			FailureThreshold: lookupDefaults.FailureThreshold,
			ResetTimeout:     lookupDefaults.ResetTimeout,
			RefreshInterval:  time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "nsqpub",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			Insecure:        true,
			MetricsInterval: 10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Producer.Addresses) == 0 && len(c.Lookup.Addresses) == 0 {
		return fmt.Errorf("at least one of producer.addresses or lookup.addresses is required")
	}
	if _, err := c.ProducerAddresses(); err != nil {
		return err
	}
	for _, a := range c.Lookup.Addresses {
		if _, _, err := SplitLookupAddress(a); err != nil {
			return fmt.Errorf("lookup.addresses: %w", err)
		}
	}

	p := c.Producer
	if p.DialTimeout <= 0 {
		return fmt.Errorf("producer.dial_timeout must be positive")
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("producer.request_timeout must be positive")
	}
	if p.DeliveryTimeout <= 0 {
		return fmt.Errorf("producer.delivery_timeout must be positive")
	}
	if p.ValidateTimeout <= 0 {
		return fmt.Errorf("producer.validate_timeout must be positive")
	}
	if p.ConnectionRetries < 1 {
		return fmt.Errorf("producer.connection_retries must be at least 1")
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("producer.retry_backoff cannot be negative")
	}
	if p.SampleRate < 0 || p.SampleRate > 99 {
		return fmt.Errorf("producer.sample_rate must be between 0 and 99")
	}
	if p.PublishRate < 0 {
		return fmt.Errorf("producer.publish_rate cannot be negative")
	}
	if p.PublishRate > 0 && p.PublishBurst < 1 {
		return fmt.Errorf("producer.publish_burst must be at least 1 when publish_rate is set")
	}

	if c.Pool.MaxTotalPerKey < 0 || c.Pool.MaxIdlePerKey < 0 || c.Pool.MaxTotal < 0 {
		return fmt.Errorf("pool limits cannot be negative")
	}
	if c.Pool.MaxWait < 0 {
		return fmt.Errorf("pool.max_wait cannot be negative")
	}

	if len(c.Lookup.Addresses) > 0 {
		if c.Lookup.RequestTimeout <= 0 {
			return fmt.Errorf("lookup.request_timeout must be positive")
		}
		if c.Lookup.RefreshInterval < 0 {
			return fmt.Errorf("lookup.refresh_interval cannot be negative")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name required when telemetry is enabled")
		}
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsInterval <= 0 {
		return fmt.Errorf("telemetry.metrics_interval must be positive when metrics are enabled")
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// ProducerAddresses parses producer.addresses.
func (c *Config) ProducerAddresses() ([]client.Address, error) {
	addrs := make([]client.Address, 0, len(c.Producer.Addresses))
	for _, s := range c.Producer.Addresses {
		a, err := client.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("producer.addresses: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// ClientConfig builds the client configuration. Logger and callbacks are
// left for the caller to set.
func (c *Config) ClientConfig() *client.Config {
	p := c.Producer
	cfg := client.NewConfig().
		SetUserAgent(p.UserAgent).
		SetHeartbeatInterval(p.HeartbeatInterval).
		SetOutputBuffer(p.OutputBufferSize, p.OutputBufferTimeout).
		SetMsgTimeout(p.MsgTimeout).
		SetSampleRate(p.SampleRate).
		SetDialTimeout(p.DialTimeout).
		SetWriteTimeout(p.WriteTimeout).
		SetRequestTimeout(p.RequestTimeout).
		SetDeliveryTimeout(p.DeliveryTimeout).
		SetValidateTimeout(p.ValidateTimeout).
		SetProxyURL(p.ProxyURL).
		SetRetry(p.ConnectionRetries, p.RetryBackoff).
		SetPublishRate(p.PublishRate, p.PublishBurst).
		SetRatePerTopic(p.RatePerTopic)
	if p.ClientID != "" {
		cfg.SetClientID(p.ClientID)
	}
	if p.Hostname != "" {
		cfg.SetHostname(p.Hostname)
	}
	if p.MaxFrameSize > 0 {
		cfg.SetMaxFrameSize(p.MaxFrameSize)
	}
	return cfg
}

// PoolConfig builds the connection pool configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxTotalPerKey: c.Pool.MaxTotalPerKey,
		MaxIdlePerKey:  c.Pool.MaxIdlePerKey,
		MaxTotal:       c.Pool.MaxTotal,
		MaxWait:        c.Pool.MaxWait,
		TestOnBorrow:   c.Pool.TestOnBorrow,
		TestOnReturn:   c.Pool.TestOnReturn,
	}
}

// LookupConfig builds the lookup configuration. The logger is left for the
// caller to set.
func (c *Config) LookupConfig() lookup.Config {
	return lookup.Config{
		RequestTimeout:   c.Lookup.RequestTimeout,
		FailureThreshold: c.Lookup.FailureThreshold,
		ResetTimeout:     c.Lookup.ResetTimeout,
	}
}

// SplitLookupAddress splits "[scheme://]host:port" into the host (with its
// scheme, if any) and the port.
func SplitLookupAddress(s string) (string, int, error) {
	scheme := ""
	rest := s
	if i := strings.Index(s, "://"); i >= 0 {
		scheme, rest = s[:i+3], s[i+3:]
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return "", 0, fmt.Errorf("invalid lookup address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("invalid lookup address %q", s)
	}
	return scheme + host, port, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
