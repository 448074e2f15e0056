// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegersAreBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeUint16(&buf, 0x0102))
	require.NoError(t, EncodeUint32(&buf, 0x03040506))
	require.NoError(t, EncodeInt64(&buf, 0x0708090a0b0c0d0e))

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, buf.Bytes())

	u16, err := DecodeUint16(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), u16)

	u32, err := DecodeUint32(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x03040506), u32)

	i64, err := DecodeInt64(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(0x0708090a0b0c0d0e), i64)
}

func TestDecodeSized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSized(&buf, []byte("hello")))

	got, err := DecodeSized(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	_, err = DecodeSized(bytes.NewReader(buf.Bytes()), 4)
	assert.ErrorIs(t, err, ErrMaxLengthExceeded)
}

func TestDecodeShortInput(t *testing.T) {
	_, err := DecodeUint32(bytes.NewReader([]byte{1, 2}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = DecodeSized(bytes.NewReader([]byte{0, 0, 0, 9, 'a'}), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
