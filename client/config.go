// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/fluxnsq/protocol"
)

// Default values.
const (
	DefaultRequestTimeout    = 15 * time.Second
	DefaultDeliveryTimeout   = 20 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultValidateTimeout   = 5 * time.Second
	DefaultRetryBackoff      = 1 * time.Second
	DefaultConnectionRetries = 5
	DefaultKeepAlive         = 30 * time.Second
	DefaultUserAgent         = "fluxnsq/1.0"
)

// Config configures broker connections and the producer.
//
// The identify fields are sent to the broker as the IDENTIFY body. Zero
// values leave the broker's own defaults in place.
type Config struct {
	// Identify
	ClientID            string
	Hostname            string
	UserAgent           string
	HeartbeatInterval   time.Duration // -1 disables heartbeats
	OutputBufferSize    int
	OutputBufferTimeout time.Duration
	MsgTimeout          time.Duration
	SampleRate          int // 0-99

	// Connection
	DialTimeout     time.Duration
	KeepAlive       time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration // slot acquisition, flush and response waits
	DeliveryTimeout time.Duration // handing a response to the waiting caller
	ValidateTimeout time.Duration // pool validation NOP flush
	ProxyURL        string
	MaxFrameSize    uint32

	// Producer
	ConnectionRetries int
	RetryBackoff      time.Duration
	PublishRate       float64 // messages per second, 0 disables limiting
	PublishBurst      int
	RatePerTopic      bool // give every topic its own PublishRate budget

	Logger  *slog.Logger
	OnError func(error) // called for every error frame on a pooled connection
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ClientID:          hostname,
		Hostname:          hostname,
		UserAgent:         DefaultUserAgent,
		DialTimeout:       DefaultDialTimeout,
		KeepAlive:         DefaultKeepAlive,
		WriteTimeout:      DefaultWriteTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		DeliveryTimeout:   DefaultDeliveryTimeout,
		ValidateTimeout:   DefaultValidateTimeout,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		ConnectionRetries: DefaultConnectionRetries,
		RetryBackoff:      DefaultRetryBackoff,
	}
}

// SetClientID sets the client identifier sent in IDENTIFY.
func (c *Config) SetClientID(id string) *Config {
	c.ClientID = id
	return c
}

// SetHostname sets the hostname sent in IDENTIFY.
func (c *Config) SetHostname(h string) *Config {
	c.Hostname = h
	return c
}

// SetUserAgent sets the user agent sent in IDENTIFY.
func (c *Config) SetUserAgent(ua string) *Config {
	c.UserAgent = ua
	return c
}

// SetHeartbeatInterval sets the requested heartbeat interval.
func (c *Config) SetHeartbeatInterval(d time.Duration) *Config {
	c.HeartbeatInterval = d
	return c
}

// SetOutputBuffer sets the requested output buffer size and timeout.
func (c *Config) SetOutputBuffer(size int, timeout time.Duration) *Config {
	c.OutputBufferSize = size
	c.OutputBufferTimeout = timeout
	return c
}

// SetMsgTimeout sets the requested server-side message timeout.
func (c *Config) SetMsgTimeout(d time.Duration) *Config {
	c.MsgTimeout = d
	return c
}

// SetSampleRate sets the requested delivery sample rate.
func (c *Config) SetSampleRate(rate int) *Config {
	c.SampleRate = rate
	return c
}

// SetDialTimeout sets the TCP dial timeout.
func (c *Config) SetDialTimeout(d time.Duration) *Config {
	c.DialTimeout = d
	return c
}

// SetWriteTimeout sets the socket write deadline.
func (c *Config) SetWriteTimeout(d time.Duration) *Config {
	c.WriteTimeout = d
	return c
}

// SetRequestTimeout sets the bound on each phase of a synchronous command.
func (c *Config) SetRequestTimeout(d time.Duration) *Config {
	c.RequestTimeout = d
	return c
}

// SetDeliveryTimeout sets how long the read side waits to hand a response over.
func (c *Config) SetDeliveryTimeout(d time.Duration) *Config {
	c.DeliveryTimeout = d
	return c
}

// SetValidateTimeout sets the bound on pool validation.
func (c *Config) SetValidateTimeout(d time.Duration) *Config {
	c.ValidateTimeout = d
	return c
}

// SetProxyURL routes broker dials through a proxy.
func (c *Config) SetProxyURL(u string) *Config {
	c.ProxyURL = u
	return c
}

// SetMaxFrameSize sets the largest inbound frame accepted.
func (c *Config) SetMaxFrameSize(n uint32) *Config {
	c.MaxFrameSize = n
	return c
}

// SetRetry sets the connection retry budget and the backoff between retries.
func (c *Config) SetRetry(retries int, backoff time.Duration) *Config {
	c.ConnectionRetries = retries
	c.RetryBackoff = backoff
	return c
}

// SetPublishRate limits publishes per second. A rate of 0 disables limiting.
func (c *Config) SetPublishRate(perSecond float64, burst int) *Config {
	c.PublishRate = perSecond
	c.PublishBurst = burst
	return c
}

// SetRatePerTopic applies the publish rate to each topic separately instead
// of to the producer as a whole.
func (c *Config) SetRatePerTopic(perTopic bool) *Config {
	c.RatePerTopic = perTopic
	return c
}

// SetLogger sets the logger.
func (c *Config) SetLogger(l *slog.Logger) *Config {
	c.Logger = l
	return c
}

// SetOnError sets the callback for broker error frames.
func (c *Config) SetOnError(fn func(error)) *Config {
	c.OnError = fn
	return c
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial timeout must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("%w: delivery timeout must be positive", ErrInvalidConfig)
	}
	if c.ValidateTimeout <= 0 {
		return fmt.Errorf("%w: validate timeout must be positive", ErrInvalidConfig)
	}
	if c.ConnectionRetries < 1 {
		return fmt.Errorf("%w: connection retries must be at least 1", ErrInvalidConfig)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff cannot be negative", ErrInvalidConfig)
	}
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return fmt.Errorf("%w: sample rate must be between 0 and 99", ErrInvalidConfig)
	}
	if c.PublishRate < 0 {
		return fmt.Errorf("%w: publish rate cannot be negative", ErrInvalidConfig)
	}
	if c.PublishRate > 0 && c.PublishBurst < 1 {
		return fmt.Errorf("%w: publish burst must be at least 1 when rate limiting", ErrInvalidConfig)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type identifyPayload struct {
	ClientID            string `json:"client_id,omitempty"`
	Hostname            string `json:"hostname,omitempty"`
	UserAgent           string `json:"user_agent,omitempty"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	HeartbeatInterval   int64  `json:"heartbeat_interval,omitempty"`
	OutputBufferSize    int    `json:"output_buffer_size,omitempty"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout,omitempty"`
	MsgTimeout          int64  `json:"msg_timeout,omitempty"`
	SampleRate          int    `json:"sample_rate,omitempty"`
}

// identifyBody renders the IDENTIFY JSON body. Durations are sent in
// milliseconds; a negative heartbeat interval is sent as -1.
func (c *Config) identifyBody() ([]byte, error) {
	p := identifyPayload{
		ClientID:            c.ClientID,
		Hostname:            c.Hostname,
		UserAgent:           c.UserAgent,
		OutputBufferSize:    c.OutputBufferSize,
		OutputBufferTimeout: c.OutputBufferTimeout.Milliseconds(),
		MsgTimeout:          c.MsgTimeout.Milliseconds(),
		SampleRate:          c.SampleRate,
	}
	switch {
	case c.HeartbeatInterval < 0:
		p.HeartbeatInterval = -1
	case c.HeartbeatInterval > 0:
		p.HeartbeatInterval = c.HeartbeatInterval.Milliseconds()
	}
	return json.Marshal(p)
}
