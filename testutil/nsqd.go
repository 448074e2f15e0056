// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxnsq/protocol"
	"github.com/stretchr/testify/require"
)

var topicPattern = regexp.MustCompile(`^[.a-zA-Z0-9_-]{1,64}(#ephemeral)?$`)

// Reply is a scripted answer to one command.
type Reply struct {
	Type  protocol.FrameType
	Data  []byte
	Delay time.Duration
	// Silent suppresses the reply so the client's wait times out.
	Silent bool
	// Hangup closes the connection instead of replying.
	Hangup bool
}

// OK is the plain success reply.
func OK() *Reply {
	return &Reply{Type: protocol.FrameTypeResponse, Data: []byte(protocol.OK)}
}

// Error builds an error reply.
func Error(code, text string) *Reply {
	return &Reply{Type: protocol.FrameTypeError, Data: []byte(code + " " + text)}
}

// Responder scripts replies. Returning nil falls back to the default
// behavior: IDENTIFY and valid publishes get OK, NOP gets nothing and bad
// topics or empty bodies get the matching error.
type Responder func(cmd *protocol.Command) *Reply

// NSQD is an in-process broker speaking enough of protocol V2 to test
// producers against. It records every command it receives.
type NSQD struct {
	t  testing.TB
	ln net.Listener

	mu        sync.Mutex
	responder Responder
	commands  []*protocol.Command
	published map[string][][]byte
	conns     map[*brokerConn]struct{}
	accepted  int
	closed    bool

	wg sync.WaitGroup
}

type brokerConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *brokerConn) writeFrame(t protocol.FrameType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.Conn, t, data)
}

// NewNSQD starts a broker on a random loopback port. It is stopped when the
// test ends.
func NewNSQD(t testing.TB) *NSQD {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	n := &NSQD{
		t:         t,
		ln:        ln,
		published: make(map[string][][]byte),
		conns:     make(map[*brokerConn]struct{}),
	}
	n.wg.Add(1)
	go n.acceptLoop()
	t.Cleanup(n.Close)
	return n
}

// Addr returns the listen address in host:port form.
func (n *NSQD) Addr() string {
	return n.ln.Addr().String()
}

// Host returns the listen host.
func (n *NSQD) Host() string {
	return n.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listen port.
func (n *NSQD) Port() int {
	return n.ln.Addr().(*net.TCPAddr).Port
}

// SetResponder installs fn for subsequent commands.
func (n *NSQD) SetResponder(fn Responder) {
	n.mu.Lock()
	n.responder = fn
	n.mu.Unlock()
}

// Commands returns the commands received so far, across all connections.
func (n *NSQD) Commands() []*protocol.Command {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*protocol.Command, len(n.commands))
	copy(out, n.commands)
	return out
}

// CommandCount returns how many commands named name were received.
func (n *NSQD) CommandCount(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.commands {
		if c.Name == name {
			count++
		}
	}
	return count
}

// Published returns the bodies accepted for topic, in arrival order.
func (n *NSQD) Published(topic string) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]byte, len(n.published[topic]))
	copy(out, n.published[topic])
	return out
}

// Connections returns the number of open client connections.
func (n *NSQD) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Accepted returns the number of connections accepted since start.
func (n *NSQD) Accepted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted
}

// Heartbeat sends a heartbeat to every connection.
func (n *NSQD) Heartbeat() {
	n.Broadcast(protocol.FrameTypeResponse, []byte(protocol.Heartbeat))
}

// SendMessage pushes a message frame to every connection.
func (n *NSQD) SendMessage(msg *protocol.MessageFrame) {
	n.Broadcast(protocol.FrameTypeMessage, protocol.EncodeMessage(msg))
}

// Broadcast writes a raw frame to every connection.
func (n *NSQD) Broadcast(t protocol.FrameType, data []byte) {
	for _, c := range n.snapshot() {
		if err := c.writeFrame(t, data); err != nil {
			n.t.Logf("nsqd: broadcast to %s failed: %v", c.RemoteAddr(), err)
		}
	}
}

// DropConnections closes every open client connection.
func (n *NSQD) DropConnections() {
	for _, c := range n.snapshot() {
		c.Close()
	}
}

// Close stops the broker and closes every connection.
func (n *NSQD) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.ln.Close()
	n.DropConnections()
	n.wg.Wait()
}

func (n *NSQD) snapshot() []*brokerConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*brokerConn, 0, len(n.conns))
	for c := range n.conns {
		out = append(out, c)
	}
	return out
}

func (n *NSQD) acceptLoop() {
	defer n.wg.Done()
	for {
		nc, err := n.ln.Accept()
		if err != nil {
			return
		}

		c := &brokerConn{Conn: nc}
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			nc.Close()
			return
		}
		n.conns[c] = struct{}{}
		n.accepted++
		n.mu.Unlock()

		n.wg.Add(1)
		go n.serve(c)
	}
}

func (n *NSQD) serve(c *brokerConn) {
	defer n.wg.Done()
	defer func() {
		c.Close()
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
	}()

	magic := make([]byte, len(protocol.MagicV2))
	if _, err := io.ReadFull(c, magic); err != nil || !bytes.Equal(magic, protocol.MagicV2) {
		return
	}

	r := bufio.NewReader(c)
	for {
		cmd, err := protocol.ReadCommand(r, protocol.DefaultMaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.writeFrame(protocol.FrameTypeError, []byte(protocol.ErrCodeInvalid+" "+err.Error()))
			}
			return
		}

		reply := n.handle(cmd)
		if reply == nil || reply.Silent {
			continue
		}
		if reply.Delay > 0 {
			time.Sleep(reply.Delay)
		}
		if reply.Hangup {
			return
		}
		if err := c.writeFrame(reply.Type, reply.Data); err != nil {
			return
		}
	}
}

func (n *NSQD) handle(cmd *protocol.Command) *Reply {
	n.mu.Lock()
	n.commands = append(n.commands, cmd)
	responder := n.responder
	n.mu.Unlock()

	if responder != nil {
		if r := responder(cmd); r != nil {
			return r
		}
	}

	switch cmd.Name {
	case protocol.CmdNop:
		return nil
	case protocol.CmdIdentify:
		return OK()
	case protocol.CmdPublish:
		return n.publish(cmd, [][]byte{cmd.Body})
	case protocol.CmdMPublish:
		return n.publish(cmd, cmd.Bodies)
	default:
		return Error(protocol.ErrCodeInvalid, "invalid command "+cmd.Name)
	}
}

func (n *NSQD) publish(cmd *protocol.Command, bodies [][]byte) *Reply {
	if len(cmd.Params) != 1 {
		return Error(protocol.ErrCodeInvalid, cmd.Name+" insufficient number of parameters")
	}
	topic := cmd.Params[0]
	if !topicPattern.MatchString(topic) {
		return Error(protocol.ErrCodeBadTopic, cmd.Name+" topic name \""+topic+"\" is not valid")
	}
	if len(bodies) == 0 {
		return Error(protocol.ErrCodeBadBody, cmd.Name+" invalid body size 0")
	}
	for i, b := range bodies {
		if len(b) == 0 {
			return Error(protocol.ErrCodeBadMessage, cmd.Name+" invalid message body size 0 at index "+strconv.Itoa(i))
		}
	}

	n.mu.Lock()
	n.published[topic] = append(n.published[topic], bodies...)
	n.mu.Unlock()
	return OK()
}
