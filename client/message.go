// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/absmach/fluxnsq/protocol"
)

// Message is a message frame delivered by the broker.
type Message struct {
	ID        protocol.MessageID
	Attempts  uint16
	Timestamp time.Time
	Body      []byte

	// Conn is the connection the message arrived on.
	Conn *Connection
}

// newMessage converts a message frame. The timestamp is truncated to
// millisecond precision.
func newMessage(f *protocol.MessageFrame, conn *Connection) *Message {
	return &Message{
		ID:        f.ID,
		Attempts:  f.Attempts,
		Timestamp: time.UnixMilli(f.Timestamp / int64(time.Millisecond)),
		Body:      f.Body,
		Conn:      conn,
	}
}

// MessageHandler consumes messages received on a connection.
type MessageHandler interface {
	HandleMessage(msg *Message)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(msg *Message)

// HandleMessage calls f(msg).
func (f MessageHandlerFunc) HandleMessage(msg *Message) {
	f(msg)
}

// Token represents an asynchronous operation result.
type Token interface {
	Wait() error
	WaitTimeout(time.Duration) error
	Done() <-chan struct{}
	Error() error
}

// token is the default Token implementation.
type token struct {
	done chan struct{}
	err  error
}

func newToken() *token {
	return &token{
		done: make(chan struct{}),
	}
}

// completedToken returns a token that is already done with err.
func completedToken(err error) *token {
	t := newToken()
	t.complete(err)
	return t
}

func (t *token) complete(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the operation completes.
func (t *token) Wait() error {
	<-t.done
	return t.err
}

// WaitTimeout blocks until the operation completes or times out.
func (t *token) WaitTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		return ErrTimeout
	}
}

// Done returns a channel that closes when the operation completes.
func (t *token) Done() <-chan struct{} {
	return t.done
}

// Error returns the operation error (may be nil).
func (t *token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
