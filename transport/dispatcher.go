// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxnsq/protocol"
)

const closeWait = 5 * time.Second

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrDuplicateID      = errors.New("connection id already attached")
	ErrHandlerPanic     = errors.New("frame handler panicked")
)

// FrameHandler consumes the frames read from one connection.
type FrameHandler interface {
	// Incoming is called for every decoded frame, in wire order, on the
	// connection's read goroutine.
	Incoming(frame protocol.Frame)
	// Disconnected is called once when the connection's stream ends, fails,
	// or the dispatcher is closed.
	Disconnected(err error)
}

// Dispatcher owns the read side of every attached connection. It keeps an
// explicit id -> handler registry, runs one read goroutine per connection and
// tears the handler down when the stream ends.
type Dispatcher struct {
	logger       *slog.Logger
	maxFrameSize uint32

	mu       sync.RWMutex
	handlers map[string]FrameHandler
	closed   bool

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A maxFrameSize of 0 selects
// protocol.DefaultMaxFrameSize.
func NewDispatcher(logger *slog.Logger, maxFrameSize uint32) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFrameSize == 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &Dispatcher{
		logger:       logger,
		maxFrameSize: maxFrameSize,
		handlers:     make(map[string]FrameHandler),
	}
}

// Attach registers h under id and starts reading frames from r.
func (d *Dispatcher) Attach(id string, r io.Reader, h FrameHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if _, exists := d.handlers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	d.handlers[id] = h
	d.wg.Add(1)
	go d.readLoop(id, r)
	return nil
}

// Detach removes the handler registered under id. It reports whether one was registered.
func (d *Dispatcher) Detach(id string) bool {
	return d.detach(id) != nil
}

func (d *Dispatcher) detach(id string) FrameHandler {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.handlers[id]
	if !ok {
		return nil
	}
	delete(d.handlers, id)
	return h
}

// Handler returns the handler registered under id.
func (d *Dispatcher) Handler(id string) (FrameHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[id]
	return h, ok
}

// Len returns the number of attached connections.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Close disconnects every attached handler and waits, bounded, for the read
// goroutines to exit. Attach fails after Close.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	handlers := d.handlers
	d.handlers = make(map[string]FrameHandler)
	d.mu.Unlock()

	for _, h := range handlers {
		h.Disconnected(ErrDispatcherClosed)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeWait):
		d.logger.Warn("dispatcher close timed out waiting for read loops",
			slog.Duration("waited", closeWait))
	}
	return nil
}

func (d *Dispatcher) readLoop(id string, r io.Reader) {
	defer d.wg.Done()

	for {
		frame, err := protocol.ReadFrame(r, d.maxFrameSize)
		if err != nil {
			d.teardown(id, err)
			return
		}

		h, ok := d.Handler(id)
		if !ok {
			d.logger.Warn("no connection registered for frame",
				slog.String("conn_id", id),
				slog.String("frame_type", frame.Type().String()))
			return
		}

		if err := deliver(h, frame); err != nil {
			d.logger.Error("frame handler failed",
				slog.String("conn_id", id),
				slog.Any("error", err))
			d.teardown(id, err)
			return
		}
	}
}

func (d *Dispatcher) teardown(id string, err error) {
	h := d.detach(id)
	if h == nil {
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		d.logger.Info("connection disconnected", slog.String("conn_id", id))
	} else {
		d.logger.Error("connection read failed",
			slog.String("conn_id", id),
			slog.Any("error", err))
	}
	h.Disconnected(err)
}

func deliver(h FrameHandler, frame protocol.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	h.Incoming(frame)
	return nil
}
