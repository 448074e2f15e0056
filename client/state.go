// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the connection state.
type State uint32

// Connection states.
const (
	StateConnecting State = iota
	StateIdentifying
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateConnecting)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// transition attempts to move from one state to another.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// close moves to StateClosed. It returns false if the state was already closed.
func (sm *stateManager) close() bool {
	return atomic.SwapUint32(&sm.state, uint32(StateClosed)) != uint32(StateClosed)
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
