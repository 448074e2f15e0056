// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/absmach/fluxnsq/protocol"
	"github.com/stretchr/testify/assert"
)

func TestProtocolErrorIs(t *testing.T) {
	cases := []struct {
		frame      string
		code       string
		badTopic   bool
		badMessage bool
	}{
		{"E_BAD_TOPIC PUB topic name \"a b\" is not valid", protocol.ErrCodeBadTopic, true, false},
		{"E_BAD_MESSAGE PUB invalid message body size 0", protocol.ErrCodeBadMessage, false, true},
		{"E_PUB_FAILED PUB failed exiting", protocol.ErrCodePubFailed, false, false},
	}

	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			perr := NewProtocolError(&protocol.ErrorFrame{Data: []byte(c.frame)})
			err := fmt.Errorf("publish: %w", perr)

			assert.Equal(t, c.code, perr.Code)
			assert.Equal(t, c.frame, perr.Error())
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Equal(t, c.badTopic, errors.Is(err, ErrBadTopic))
			assert.Equal(t, c.badMessage, errors.Is(err, ErrBadMessage))
			assert.NotErrorIs(t, err, ErrTimeout)

			var target *ProtocolError
			assert.True(t, errors.As(err, &target))
		})
	}
}

func TestAddress(t *testing.T) {
	a, err := ParseAddress("127.0.0.1:4150")
	assert.NoError(t, err)
	assert.Equal(t, Address{Host: "127.0.0.1", Port: 4150}, a)
	assert.Equal(t, "127.0.0.1:4150", a.String())

	v6 := Address{Host: "::1", Port: 4150}
	assert.Equal(t, "[::1]:4150", v6.String())

	for _, bad := range []string{"localhost", ":4150", "host:0", "host:port", "host:70000"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}
