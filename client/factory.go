// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"

	"github.com/absmach/fluxnsq/pool"
	"github.com/absmach/fluxnsq/protocol"
	"github.com/absmach/fluxnsq/transport"
)

var _ pool.Factory[Address, *Connection] = (*connectionFactory)(nil)

// connectionFactory creates, validates and destroys pooled connections.
type connectionFactory struct {
	cfg     *Config
	disp    *transport.Dispatcher
	metrics *metrics
	logger  *slog.Logger
}

func newConnectionFactory(cfg *Config, disp *transport.Dispatcher, m *metrics) *connectionFactory {
	return &connectionFactory{
		cfg:     cfg,
		disp:    disp,
		metrics: m,
		logger:  cfg.logger(),
	}
}

// Create dials addr and binds the configured error callback.
func (f *connectionFactory) Create(addr Address) (*Connection, error) {
	c, err := Dial(addr, f.cfg, f.disp)
	if err != nil {
		return nil, err
	}
	if f.cfg.OnError != nil {
		c.SetErrorHandler(f.cfg.OnError)
	}
	if f.metrics != nil {
		f.metrics.recordConnectionOpened(addr)
	}
	return c, nil
}

// Validate checks the connection is open and can flush a NOP within the
// validate timeout.
func (f *connectionFactory) Validate(addr Address, c *Connection) bool {
	if !c.IsConnected() {
		return false
	}
	if err := c.Command(protocol.Nop()).WaitTimeout(f.cfg.ValidateTimeout); err != nil {
		f.logger.Warn("connection failed validation",
			slog.String("address", addr.String()),
			slog.Any("error", err))
		return false
	}
	return c.IsConnected()
}

// Destroy closes the connection.
func (f *connectionFactory) Destroy(addr Address, c *Connection) {
	c.Close()
	if f.metrics != nil {
		f.metrics.recordConnectionClosed(addr)
	}
}
