// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the NSQ V2 TCP wire format: the commands a
// client sends and the frames a broker answers with.
package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/absmach/fluxnsq/internal/bufpool"
)

// MagicV2 is written once, right after connecting and before any command.
var MagicV2 = []byte("  V2")

// Heartbeat is the response text a broker sends to check on an idle client.
const Heartbeat = "_heartbeat_"

// OK is the plain success response.
const OK = "OK"

// DefaultMaxFrameSize bounds inbound frames unless a caller picks another limit.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Encode buffers up to 1/64 of the frame limit (256KiB) are recycled;
// anything larger is a rare MPUB and is left to the GC.
var buffers = bufpool.New(DefaultMaxFrameSize / 64)

// MsgIDLength is the fixed size of a message identifier.
const MsgIDLength = 16

// Broker error codes carried at the start of an error frame.
const (
	ErrCodeInvalid       = "E_INVALID"
	ErrCodeBadBody       = "E_BAD_BODY"
	ErrCodeBadTopic      = "E_BAD_TOPIC"
	ErrCodeBadChannel    = "E_BAD_CHANNEL"
	ErrCodeBadMessage    = "E_BAD_MESSAGE"
	ErrCodePubFailed     = "E_PUB_FAILED"
	ErrCodeMPubFailed    = "E_MPUB_FAILED"
	ErrCodeRequeueFailed = "E_REQ_FAILED"
	ErrCodeFinishFailed  = "E_FIN_FAILED"
)

var (
	ErrFrameTooSmall      = errors.New("frame size smaller than frame type")
	ErrMalformedMessage   = errors.New("malformed message frame")
	ErrMalformedCommand   = errors.New("malformed command")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// FrameType tags an inbound frame.
type FrameType int32

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
	FrameTypeMessage  FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	case FrameTypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Frame is one decoded unit of the inbound stream.
type Frame interface {
	Type() FrameType
}

// ResponseFrame carries a plain response, or the heartbeat sentinel.
type ResponseFrame struct {
	Data []byte
}

func (f *ResponseFrame) Type() FrameType { return FrameTypeResponse }

// Message returns the response payload as text.
func (f *ResponseFrame) Message() string { return string(f.Data) }

// IsHeartbeat reports whether the frame is a broker heartbeat.
func (f *ResponseFrame) IsHeartbeat() bool {
	return bytes.Equal(f.Data, []byte(Heartbeat))
}

func (f *ResponseFrame) String() string { return "RESPONSE: " + f.Message() }

// ErrorFrame carries a broker error such as "E_BAD_TOPIC PUB topic name is not valid".
type ErrorFrame struct {
	Data []byte
}

func (f *ErrorFrame) Type() FrameType { return FrameTypeError }

func (f *ErrorFrame) Message() string { return string(f.Data) }

// Code returns the leading error code token.
func (f *ErrorFrame) Code() string {
	data := bytes.TrimLeft(f.Data, " \t\r\n")
	if i := bytes.IndexAny(data, " \t\r\n"); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

func (f *ErrorFrame) String() string { return "ERROR: " + f.Message() }

// MessageID identifies a delivered message.
type MessageID [MsgIDLength]byte

func (id MessageID) String() string { return hex.EncodeToString(id[:]) }

// MessageFrame is a message pushed by the broker to a subscribed client.
type MessageFrame struct {
	ID        MessageID
	Attempts  uint16
	Timestamp int64 // nanoseconds since epoch
	Body      []byte
}

func (f *MessageFrame) Type() FrameType { return FrameTypeMessage }

func (f *MessageFrame) String() string {
	return fmt.Sprintf("MESSAGE: id=%s attempts=%d size=%d", f.ID, f.Attempts, len(f.Body))
}

// UnknownFrame holds a frame with a type this client does not understand.
type UnknownFrame struct {
	FrameType FrameType
	Data      []byte
}

func (f *UnknownFrame) Type() FrameType { return f.FrameType }

func (f *UnknownFrame) String() string {
	return fmt.Sprintf("UNKNOWN: type=%d size=%d", int32(f.FrameType), len(f.Data))
}
