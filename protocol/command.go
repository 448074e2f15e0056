// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/absmach/fluxnsq/codec"
)

// Command names.
const (
	CmdIdentify = "IDENTIFY"
	CmdPublish  = "PUB"
	CmdMPublish = "MPUB"
	CmdNop      = "NOP"
)

// Command is one outbound protocol request.
type Command struct {
	Name   string
	Params []string
	Body   []byte
	Bodies [][]byte
}

// Identify carries the serialized client configuration.
func Identify(body []byte) *Command {
	return &Command{Name: CmdIdentify, Body: nonNil(body)}
}

// Publish publishes a single message to topic.
func Publish(topic string, body []byte) *Command {
	return &Command{Name: CmdPublish, Params: []string{topic}, Body: nonNil(body)}
}

// MultiPublish publishes bodies to topic in one round trip.
func MultiPublish(topic string, bodies [][]byte) *Command {
	if bodies == nil {
		bodies = [][]byte{}
	}
	return &Command{Name: CmdMPublish, Params: []string{topic}, Bodies: bodies}
}

// Nop is answered to heartbeats and used as a liveness check. Brokers do not reply to it.
func Nop() *Command {
	return &Command{Name: CmdNop}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Line returns the command line without the trailing newline.
func (c *Command) Line() string {
	if len(c.Params) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Params, " ")
}

func (c *Command) String() string { return c.Line() }

// Size returns the number of bytes WriteTo produces.
func (c *Command) Size() int {
	n := len(c.Line()) + 1
	switch {
	case c.Bodies != nil:
		n += 8 + c.bodiesSize()
	case c.Body != nil:
		n += 4 + len(c.Body)
	}
	return n
}

func (c *Command) bodiesSize() int {
	n := 0
	for _, b := range c.Bodies {
		n += 4 + len(b)
	}
	return n
}

// WriteTo encodes the command into a pooled buffer and writes it with a
// single call, so concurrent writers never interleave partial commands.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	buf := buffers.Get(c.Size())
	defer buffers.Put(buf)

	buf.WriteString(c.Line())
	buf.WriteByte('\n')

	switch {
	case c.Bodies != nil:
		codec.EncodeUint32(buf, uint32(4+c.bodiesSize()))
		codec.EncodeUint32(buf, uint32(len(c.Bodies)))
		for _, b := range c.Bodies {
			codec.EncodeSized(buf, b)
		}
	case c.Body != nil:
		codec.EncodeSized(buf, c.Body)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadCommand decodes one command from r. It is the broker-side half of
// WriteTo and understands IDENTIFY, PUB, MPUB and NOP.
func ReadCommand(r *bufio.Reader, maxBodySize uint32) (*Command, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, ErrMalformedCommand
	}

	fields := strings.Fields(string(line))
	cmd := &Command{Name: fields[0]}
	if len(fields) > 1 {
		cmd.Params = fields[1:]
	}

	switch cmd.Name {
	case CmdNop:
		return cmd, nil
	case CmdIdentify, CmdPublish:
		if cmd.Body, err = codec.DecodeSized(r, maxBodySize); err != nil {
			return nil, err
		}
		return cmd, nil
	case CmdMPublish:
		if cmd.Bodies, err = readBodies(r, maxBodySize); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Name)
	}
}

func readBodies(r io.Reader, maxBodySize uint32) ([][]byte, error) {
	total, err := codec.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if maxBodySize > 0 && total > maxBodySize {
		return nil, codec.ErrMaxLengthExceeded
	}
	count, err := codec.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if uint64(count)*4 > uint64(total) {
		return nil, ErrMalformedCommand
	}

	bodies := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := codec.DecodeSized(r, total)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, b)
	}
	return bodies, nil
}
