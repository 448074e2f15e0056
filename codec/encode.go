// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"io"
)

func EncodeUint16(w io.Writer, v uint16) error {
	var num [2]byte
	binary.BigEndian.PutUint16(num[:], v)
	_, err := w.Write(num[:])
	return err
}

func EncodeUint32(w io.Writer, v uint32) error {
	var num [4]byte
	binary.BigEndian.PutUint32(num[:], v)
	_, err := w.Write(num[:])
	return err
}

func EncodeInt64(w io.Writer, v int64) error {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(v))
	_, err := w.Write(num[:])
	return err
}

// EncodeSized writes len(b) as a 4-byte big-endian prefix followed by b.
func EncodeSized(w io.Writer, b []byte) error {
	if err := EncodeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}
