// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxnsq/client"
	"github.com/absmach/fluxnsq/lookup"
)

type addressBook interface {
	AddAddresses(addrs ...client.Address) *client.Producer
	RemoveAddress(host string, port int) *client.Producer
}

// discoverer keeps a producer's addresses in line with what the lookup
// endpoints report for a topic. Statically configured addresses are never
// removed.
type discoverer struct {
	lookup lookup.Lookup
	book   addressBook
	topic  string
	static map[client.Address]bool
	known  map[client.Address]bool
	logger *slog.Logger
}

func newDiscoverer(l lookup.Lookup, book addressBook, topic string, static []client.Address, logger *slog.Logger) *discoverer {
	d := &discoverer{
		lookup: l,
		book:   book,
		topic:  topic,
		static: make(map[client.Address]bool, len(static)),
		known:  make(map[client.Address]bool),
		logger: logger,
	}
	for _, a := range static {
		d.static[a] = true
	}
	return d
}

// refresh queries the lookup endpoints once and returns how many brokers
// they reported. An empty answer leaves the addresses untouched.
func (d *discoverer) refresh(ctx context.Context) int {
	found := d.lookup.Lookup(ctx, d.topic)
	if len(found) == 0 {
		return 0
	}

	current := make(map[client.Address]bool, len(found))
	for _, a := range found {
		current[a] = true
		if !d.known[a] {
			d.logger.Info("broker discovered", slog.String("address", a.String()), slog.String("topic", d.topic))
		}
	}
	d.book.AddAddresses(found...)

	for a := range d.known {
		if !current[a] && !d.static[a] {
			d.logger.Info("broker no longer reported", slog.String("address", a.String()), slog.String("topic", d.topic))
			d.book.RemoveAddress(a.Host, a.Port)
		}
	}
	d.known = current
	return len(found)
}

func (d *discoverer) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}
