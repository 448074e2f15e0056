// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrMaxLengthExceeded is returned when a size prefix announces more bytes than allowed.
var ErrMaxLengthExceeded = errors.New("max length value exceeded")

func DecodeUint16(r io.Reader) (uint16, error) {
	var num [2]byte
	if _, err := io.ReadFull(r, num[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(num[:]), nil
}

func DecodeUint32(r io.Reader) (uint32, error) {
	var num [4]byte
	if _, err := io.ReadFull(r, num[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(num[:]), nil
}

func DecodeInt64(r io.Reader) (int64, error) {
	var num [8]byte
	if _, err := io.ReadFull(r, num[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(num[:])), nil
}

// DecodeSized reads a 4-byte big-endian length followed by that many bytes.
// A max of 0 disables the length check.
func DecodeSized(r io.Reader, max uint32) ([]byte, error) {
	size, err := DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && size > max {
		return nil, ErrMaxLengthExceeded
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
