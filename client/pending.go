// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/absmach/fluxnsq/protocol"
)

// pendingResponse is the one-shot slot a synchronous command waits on.
// Exactly one frame can be delivered into it.
type pendingResponse struct {
	ch chan protocol.Frame
}

func newPendingResponse() *pendingResponse {
	return &pendingResponse{ch: make(chan protocol.Frame, 1)}
}

// deliver hands f to the waiter. It fails if a frame was already delivered
// and the waiter has not taken it within timeout.
func (p *pendingResponse) deliver(f protocol.Frame, timeout time.Duration) bool {
	select {
	case p.ch <- f:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p.ch <- f:
		return true
	case <-t.C:
		return false
	}
}

// wait blocks until a frame arrives, the connection closes, or timeout elapses.
func (p *pendingResponse) wait(timeout time.Duration, closed <-chan struct{}) (protocol.Frame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case f := <-p.ch:
		return f, nil
	case <-closed:
		// A frame may have raced the close.
		select {
		case f := <-p.ch:
			return f, nil
		default:
		}
		return nil, ErrConnectionLost
	case <-t.C:
		return nil, ErrTimeout
	}
}
