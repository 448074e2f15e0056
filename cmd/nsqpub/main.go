// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command nsqpub publishes newline-delimited messages read from stdin to an
// NSQ topic.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxnsq/client"
	"github.com/absmach/fluxnsq/config"
	"github.com/absmach/fluxnsq/lookup"
	"github.com/absmach/fluxnsq/otel"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	topic := flag.String("topic", "", "Topic to publish to")
	batch := flag.Int("batch", 1, "Messages per publish; more than 1 uses MPUB")
	flushInterval := flag.Duration("flush", time.Second, "Maximum time a partial batch is held")
	flag.Parse()

	if *topic == "" || *batch < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	var otelShutdown func(context.Context) error
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Telemetry, uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := newProducer(ctx, cfg, *topic, logger)
	if err != nil {
		slog.Error("Failed to start producer", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	published, err := pump(ctx, os.Stdin, p, pumpOptions{
		Topic:         *topic,
		BatchSize:     *batch,
		FlushInterval: *flushInterval,
	}, logger)

	p.Shutdown()
	slog.Info("Publisher stopped", "published", published)

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
		otelCancel()
	}

	if err != nil {
		slog.Error("Publishing failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	// Stdout may be piped; logs go to stderr.
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func newProducer(ctx context.Context, cfg *config.Config, topic string, logger *slog.Logger) (*client.Producer, error) {
	addrs, err := cfg.ProducerAddresses()
	if err != nil {
		return nil, err
	}

	ccfg := cfg.ClientConfig().
		SetLogger(logger).
		SetOnError(func(err error) {
			logger.Warn("broker returned an error", slog.Any("error", err))
		})

	p, err := client.NewProducer(ccfg)
	if err != nil {
		return nil, err
	}
	p.SetPoolConfig(cfg.PoolConfig()).AddAddresses(addrs...)

	if len(cfg.Lookup.Addresses) > 0 {
		lcfg := cfg.LookupConfig()
		lcfg.Logger = logger
		l := lookup.New(lcfg)
		for _, a := range cfg.Lookup.Addresses {
			host, port, err := config.SplitLookupAddress(a)
			if err != nil {
				return nil, err
			}
			l.AddLookupAddress(host, port)
		}

		d := newDiscoverer(l, p, topic, addrs, logger)
		found := d.refresh(ctx)
		slog.Info("Discovered brokers", "topic", topic, "count", found)
		if cfg.Lookup.RefreshInterval > 0 {
			go d.run(ctx, cfg.Lookup.RefreshInterval)
		}
	}

	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}
