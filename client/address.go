// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"net"
	"strconv"
)

// Address identifies a broker node.
type Address struct {
	Host string
	Port int
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses a host:port string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	if host == "" {
		return Address{}, fmt.Errorf("missing host in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}
