// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxnsq/protocol"
)

func TestPendingResponseDeliver(t *testing.T) {
	p := newPendingResponse()
	f := &protocol.ResponseFrame{Data: []byte("OK")}

	if !p.deliver(f, time.Second) {
		t.Fatal("expected delivery to succeed")
	}

	got, err := p.wait(time.Second, make(chan struct{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != f {
		t.Errorf("expected delivered frame, got %v", got)
	}
}

func TestPendingResponseSecondDeliveryTimesOut(t *testing.T) {
	p := newPendingResponse()
	f := &protocol.ResponseFrame{Data: []byte("OK")}

	p.deliver(f, time.Second)
	if p.deliver(f, 10*time.Millisecond) {
		t.Error("expected second delivery into an unread slot to fail")
	}
}

func TestPendingResponseWaitTimeout(t *testing.T) {
	p := newPendingResponse()

	start := time.Now()
	_, err := p.wait(20*time.Millisecond, make(chan struct{}))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("wait returned before the timeout")
	}
}

func TestPendingResponseWaitClosed(t *testing.T) {
	p := newPendingResponse()
	closed := make(chan struct{})
	close(closed)

	_, err := p.wait(time.Second, closed)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}

	// A frame that raced the close still wins.
	f := &protocol.ErrorFrame{Data: []byte("E_INVALID x")}
	p.deliver(f, time.Second)
	got, err := p.wait(time.Second, closed)
	if err != nil || got != f {
		t.Errorf("expected delivered frame, got %v, %v", got, err)
	}
}

func TestToken(t *testing.T) {
	tok := newToken()
	if tok.Error() != nil {
		t.Error("incomplete token should report no error")
	}
	if err := tok.WaitTimeout(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	go tok.complete(ErrConnectionClosed)
	if err := tok.Wait(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	<-tok.Done()
	if !errors.Is(tok.Error(), ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", tok.Error())
	}

	if err := completedToken(nil).WaitTimeout(time.Millisecond); err != nil {
		t.Errorf("expected completed token, got %v", err)
	}
}
