// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/absmach/fluxnsq/codec"
)

// message frame header: 8 byte timestamp, 2 byte attempts, 16 byte id.
const messageHeaderSize = 8 + 2 + MsgIDLength

// ReadFrame reads one size-prefixed frame. Frames with an unrecognised type
// are returned as *UnknownFrame rather than as an error. A maxSize of 0
// disables the size check.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	size, err := codec.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if size < 4 {
		return nil, ErrFrameTooSmall
	}
	if maxSize > 0 && size > maxSize {
		return nil, codec.ErrMaxLengthExceeded
	}

	ft, err := codec.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size-4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	switch t := FrameType(ft); t {
	case FrameTypeResponse:
		return &ResponseFrame{Data: data}, nil
	case FrameTypeError:
		return &ErrorFrame{Data: data}, nil
	case FrameTypeMessage:
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return &UnknownFrame{FrameType: t, Data: data}, nil
	}
}

// WriteFrame writes a frame the way a broker does.
func WriteFrame(w io.Writer, t FrameType, data []byte) error {
	buf := buffers.Get(8 + len(data))
	defer buffers.Put(buf)

	codec.EncodeUint32(buf, uint32(len(data)+4))
	codec.EncodeUint32(buf, uint32(t))
	buf.Write(data)

	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeMessage parses the payload of a message frame.
func DecodeMessage(data []byte) (*MessageFrame, error) {
	if len(data) < messageHeaderSize {
		return nil, ErrMalformedMessage
	}

	msg := &MessageFrame{
		Timestamp: int64(binary.BigEndian.Uint64(data[:8])),
		Attempts:  binary.BigEndian.Uint16(data[8:10]),
	}
	copy(msg.ID[:], data[10:messageHeaderSize])
	msg.Body = data[messageHeaderSize:]

	return msg, nil
}

// EncodeMessage is the inverse of DecodeMessage.
func EncodeMessage(msg *MessageFrame) []byte {
	var buf bytes.Buffer
	buf.Grow(messageHeaderSize + len(msg.Body))

	codec.EncodeInt64(&buf, msg.Timestamp)
	codec.EncodeUint16(&buf, msg.Attempts)
	buf.Write(msg.ID[:])
	buf.Write(msg.Body)

	return buf.Bytes()
}
