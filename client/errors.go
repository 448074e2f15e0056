// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxnsq/protocol"
)

// Client errors.
var (
	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoServers     = errors.New("no servers configured")

	// Connection errors.
	ErrConnectFailed    = errors.New("connection failed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrNoConnections    = errors.New("could not acquire a connection")

	// Operation errors.
	ErrTimeout    = errors.New("operation timed out")
	ErrNotStarted = errors.New("producer not started")

	// Broker errors.
	ErrProtocol   = errors.New("broker returned an error")
	ErrBadTopic   = errors.New("bad topic")
	ErrBadMessage = errors.New("bad message")
)

// ProtocolError is an error frame returned by the broker.
type ProtocolError struct {
	Code string
	Text string
}

// NewProtocolError builds a ProtocolError from an error frame.
func NewProtocolError(f *protocol.ErrorFrame) *ProtocolError {
	return &ProtocolError{Code: f.Code(), Text: f.Message()}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return e.Text
}

// Is reports whether target is ErrProtocol or the sentinel for the error code.
func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return true
	case ErrBadTopic:
		return e.Code == protocol.ErrCodeBadTopic
	case ErrBadMessage:
		return e.Code == protocol.ErrCodeBadMessage
	default:
		return false
	}
}

func connectFailed(addr Address, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectFailed, addr, err)
}
