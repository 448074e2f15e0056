// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxnsq/protocol"
	"github.com/absmach/fluxnsq/transport"
	"github.com/google/uuid"
)

// Connection is a single broker connection. It allows at most one
// synchronous command in flight; asynchronous commands (NOP replies to
// heartbeats, pool validation) bypass the request slot.
type Connection struct {
	id     string
	addr   Address
	cfg    *Config
	logger *slog.Logger
	conn   net.Conn
	disp   *transport.Dispatcher
	state  *stateManager

	slot    chan struct{}
	pending atomic.Pointer[pendingResponse]
	writeMu sync.Mutex
	closed  chan struct{}

	mu      sync.RWMutex
	handler MessageHandler
	onError func(error)
}

// Dial connects to addr, performs the protocol handshake and registers the
// connection with disp, which owns its read side.
//
// If the broker does not answer IDENTIFY within the request timeout the
// error is logged and a closed connection is returned without error.
// Callers that pool connections must validate them before use.
func Dial(addr Address, cfg *Config, disp *transport.Dispatcher) (*Connection, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if disp == nil {
		return nil, fmt.Errorf("%w: nil dispatcher", ErrInvalidConfig)
	}
	body, err := cfg.identifyBody()
	if err != nil {
		return nil, fmt.Errorf("%w: identify body: %w", ErrInvalidConfig, err)
	}

	nc, err := transport.Dial(addr.String(), transport.DialOptions{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
		ProxyURL:  cfg.ProxyURL,
	})
	if err != nil {
		return nil, connectFailed(addr, err)
	}

	c := newConnection(addr, cfg, disp, nc)
	if err := c.handshake(body); err != nil {
		return nil, err
	}
	return c, nil
}

func newConnection(addr Address, cfg *Config, disp *transport.Dispatcher, nc net.Conn) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		addr:   addr,
		cfg:    cfg,
		logger: cfg.logger().With(slog.String("conn_id", id), slog.String("address", addr.String())),
		conn:   nc,
		disp:   disp,
		state:  newStateManager(),
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *Connection) handshake(identify []byte) error {
	if err := c.write(func() error {
		_, err := c.conn.Write(protocol.MagicV2)
		return err
	}); err != nil {
		c.conn.Close()
		return connectFailed(c.addr, err)
	}

	if err := c.disp.Attach(c.id, c.conn, c); err != nil {
		c.conn.Close()
		return connectFailed(c.addr, err)
	}
	c.state.transition(StateConnecting, StateIdentifying)

	frame, err := c.CommandAndWait(protocol.Identify(identify))
	switch {
	case errors.Is(err, ErrTimeout):
		c.logger.Error("identify timed out", slog.Duration("timeout", c.cfg.RequestTimeout))
		c.Close()
		return nil
	case err != nil:
		c.Close()
		return connectFailed(c.addr, err)
	}

	switch f := frame.(type) {
	case *protocol.ErrorFrame:
		c.Close()
		return connectFailed(c.addr, NewProtocolError(f))
	case *protocol.ResponseFrame:
		c.logger.Info("server identification", slog.String("response", f.Message()))
	}

	if !c.state.transition(StateIdentifying, StateReady) {
		return connectFailed(c.addr, ErrConnectionLost)
	}
	return nil
}

// Command writes cmd without waiting for a response. The returned token
// completes once the bytes are handed to the socket.
func (c *Connection) Command(cmd *protocol.Command) Token {
	if c.state.isClosed() {
		return completedToken(ErrConnectionClosed)
	}

	t := newToken()
	go func() {
		t.complete(c.write(func() error {
			_, err := cmd.WriteTo(c.conn)
			return err
		}))
	}()
	return t
}

func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.state.isClosed() {
		return ErrConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Debug("failed to set write deadline", slog.Any("error", err))
	}
	if err := fn(); err != nil {
		c.logger.Error("write failed", slog.Any("error", err))
		c.Close()
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

// CommandAndWait writes cmd and waits for the matching response or error
// frame. Acquiring the request slot, flushing and waiting for the response
// are each bounded by the request timeout; any timeout closes the
// connection and returns ErrTimeout.
func (c *Connection) CommandAndWait(cmd *protocol.Command) (protocol.Frame, error) {
	if c.state.isClosed() {
		return nil, ErrConnectionClosed
	}
	timeout := c.cfg.RequestTimeout

	if err := c.acquire(timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			c.timedOut("acquire", cmd)
		}
		return nil, err
	}
	defer c.release()

	p := newPendingResponse()
	c.pending.Store(p)
	defer c.pending.CompareAndSwap(p, nil)

	if err := c.Command(cmd).WaitTimeout(timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			c.timedOut("flush", cmd)
		}
		return nil, err
	}

	frame, err := p.wait(timeout, c.closed)
	if errors.Is(err, ErrTimeout) {
		c.timedOut("response", cmd)
	}
	return frame, err
}

func (c *Connection) acquire(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case c.slot <- struct{}{}:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-t.C:
		return ErrTimeout
	}
}

func (c *Connection) release() {
	<-c.slot
}

func (c *Connection) timedOut(phase string, cmd *protocol.Command) {
	c.logger.Error("command timed out, closing connection",
		slog.String("phase", phase),
		slog.String("command", cmd.Name),
		slog.Duration("timeout", c.cfg.RequestTimeout))
	c.Close()
}

// Incoming handles one frame read from the broker. It is called by the
// dispatcher on the connection's read goroutine.
func (c *Connection) Incoming(frame protocol.Frame) {
	switch f := frame.(type) {
	case *protocol.ResponseFrame:
		if f.IsHeartbeat() {
			c.logger.Debug("heartbeat received")
			c.Command(protocol.Nop())
			return
		}
		c.deliver(f)

	case *protocol.ErrorFrame:
		perr := NewProtocolError(f)
		c.logger.Warn("broker error", slog.String("code", perr.Code), slog.String("error", perr.Text))
		c.deliver(f)
		c.notifyError(perr)

	case *protocol.MessageFrame:
		h := c.messageHandler()
		if h == nil {
			c.logger.Warn("message dropped, no handler bound", slog.String("message_id", f.ID.String()))
			return
		}
		h.HandleMessage(newMessage(f, c))

	default:
		c.logger.Warn("unknown frame dropped", slog.String("frame_type", frame.Type().String()))
	}
}

func (c *Connection) deliver(f protocol.Frame) {
	p := c.pending.Swap(nil)
	if p == nil {
		c.logger.Debug("response dropped, no command pending", slog.String("frame_type", f.Type().String()))
		return
	}
	if !p.deliver(f, c.cfg.DeliveryTimeout) {
		c.logger.Error("response delivery timed out, closing connection",
			slog.Duration("timeout", c.cfg.DeliveryTimeout))
		c.Close()
	}
}

// notifyError runs the error callback. A failing callback is logged and
// never reaches the read loop.
func (c *Connection) notifyError(err error) {
	fn := c.errorHandler()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error callback panicked", slog.Any("panic", r))
		}
	}()
	fn(err)
}

// Disconnected is called by the dispatcher when the read side ends.
func (c *Connection) Disconnected(err error) {
	c.logger.Debug("read side ended", slog.Any("error", err))
	c.Close()
}

// Close closes the connection and releases any waiting caller. It is safe
// to call more than once.
func (c *Connection) Close() error {
	if !c.state.close() {
		return nil
	}
	close(c.closed)
	c.disp.Detach(c.id)
	err := c.conn.Close()
	c.logger.Debug("connection closed")
	return err
}

// IsConnected reports whether the connection is open and identified.
func (c *Connection) IsConnected() bool {
	return c.state.get() == StateReady
}

// IsRequestInProgress reports whether a synchronous command holds the request slot.
func (c *Connection) IsRequestInProgress() bool {
	return len(c.slot) > 0
}

// State returns the connection state.
func (c *Connection) State() State {
	return c.state.get()
}

// Address returns the broker address.
func (c *Connection) Address() Address {
	return c.addr
}

// ID returns the identifier the connection is registered under with the dispatcher.
func (c *Connection) ID() string {
	return c.id
}

// Config returns the connection's config.
func (c *Connection) Config() *Config {
	return c.cfg
}

// SetHandler binds the handler for message frames.
func (c *Connection) SetHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetErrorHandler binds the callback for error frames.
func (c *Connection) SetErrorHandler(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Connection) messageHandler() MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *Connection) errorHandler() func(error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onError
}
