// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/absmach/fluxnsq/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRoundTrip(t *testing.T) {
	body := []byte{0x00, 'h', 'e', 'l', 'l', 'o', 0xff}

	var buf bytes.Buffer
	n, err := Publish("mytopic", body).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	cmd, err := ReadCommand(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, CmdPublish, cmd.Name)
	assert.Equal(t, []string{"mytopic"}, cmd.Params)
	assert.Equal(t, body, cmd.Body)
}

func TestPublishWireFormat(t *testing.T) {
	var buf bytes.Buffer
	_, err := Publish("t", []byte("ab")).WriteTo(&buf)
	require.NoError(t, err)

	assert.Equal(t, []byte("PUB t\n\x00\x00\x00\x02ab"), buf.Bytes())
}

func TestMultiPublishWireFormat(t *testing.T) {
	var buf bytes.Buffer
	cmd := MultiPublish("t", [][]byte{[]byte("a"), []byte("bc")})
	_, err := cmd.WriteTo(&buf)
	require.NoError(t, err)

	want := []byte("MPUB t\n" +
		"\x00\x00\x00\x0f" + // 4 (count) + (4+1) + (4+2)
		"\x00\x00\x00\x02" +
		"\x00\x00\x00\x01a" +
		"\x00\x00\x00\x02bc")
	assert.Equal(t, want, buf.Bytes())
	assert.Equal(t, len(want), cmd.Size())

	decoded, err := ReadCommand(bufio.NewReader(bytes.NewReader(want)), 0)
	require.NoError(t, err)
	assert.Equal(t, CmdMPublish, decoded.Name)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, decoded.Bodies)
}

func TestNopAndIdentify(t *testing.T) {
	var buf bytes.Buffer
	_, err := Nop().WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "NOP\n", buf.String())

	buf.Reset()
	_, err = Identify([]byte(`{"client_id":"x"}`)).WriteTo(&buf)
	require.NoError(t, err)

	cmd, err := ReadCommand(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, CmdIdentify, cmd.Name)
	assert.JSONEq(t, `{"client_id":"x"}`, string(cmd.Body))
}

func TestReadCommandRejectsUnknown(t *testing.T) {
	_, err := ReadCommand(bufio.NewReader(bytes.NewBufferString("SUB a b\n")), 0)
	assert.ErrorIs(t, err, ErrUnsupportedCommand)

	_, err = ReadCommand(bufio.NewReader(bytes.NewBufferString("\n")), 0)
	assert.ErrorIs(t, err, ErrMalformedCommand)
}

func TestReadCommandBodyLimit(t *testing.T) {
	var buf bytes.Buffer
	_, err := Publish("t", make([]byte, 64)).WriteTo(&buf)
	require.NoError(t, err)

	_, err = ReadCommand(bufio.NewReader(&buf), 32)
	assert.ErrorIs(t, err, codec.ErrMaxLengthExceeded)
}

func TestReadFrameKinds(t *testing.T) {
	msg := &MessageFrame{
		ID:        MessageID{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'},
		Attempts:  3,
		Timestamp: 1_700_000_000_123_456_789,
		Body:      []byte("payload"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeResponse, []byte(OK)))
	require.NoError(t, WriteFrame(&buf, FrameTypeResponse, []byte(Heartbeat)))
	require.NoError(t, WriteFrame(&buf, FrameTypeError, []byte("E_BAD_TOPIC PUB topic name \"x\" is not valid")))
	require.NoError(t, WriteFrame(&buf, FrameTypeMessage, EncodeMessage(msg)))
	require.NoError(t, WriteFrame(&buf, FrameType(7), []byte("??")))

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	resp, ok := f.(*ResponseFrame)
	require.True(t, ok)
	assert.Equal(t, OK, resp.Message())
	assert.False(t, resp.IsHeartbeat())

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.True(t, f.(*ResponseFrame).IsHeartbeat())

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	ef, ok := f.(*ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, ErrCodeBadTopic, ef.Code())

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, msg, f)

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	unknown, ok := f.(*UnknownFrame)
	require.True(t, ok)
	assert.Equal(t, FrameType(7), unknown.Type())
}

func TestReadFrameLimits(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 2, 0, 0}), 0)
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeResponse, make([]byte, 100)))
	_, err = ReadFrame(&buf, 50)
	assert.ErrorIs(t, err, codec.ErrMaxLengthExceeded)
}

func TestDecodeMessageTooShort(t *testing.T) {
	_, err := DecodeMessage(make([]byte, 10))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestErrorFrameCode(t *testing.T) {
	cases := map[string]string{
		"E_BAD_MESSAGE PUB message too big": ErrCodeBadMessage,
		"E_INVALID":                         ErrCodeInvalid,
		"  E_BAD_TOPIC\tx":                  ErrCodeBadTopic,
		"":                                  "",
	}
	for text, code := range cases {
		assert.Equal(t, code, (&ErrorFrame{Data: []byte(text)}).Code(), text)
	}
}

func TestEncodeBufferCeilingFollowsFrameLimit(t *testing.T) {
	assert.Equal(t, DefaultMaxFrameSize/64, buffers.MaxCap())

	// Bodies past the ceiling still encode correctly.
	body := bytes.Repeat([]byte{'x'}, buffers.MaxCap()+1)
	var buf bytes.Buffer
	_, err := Publish("big", body).WriteTo(&buf)
	require.NoError(t, err)

	cmd, err := ReadCommand(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, body, cmd.Body)
}
