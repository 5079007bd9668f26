// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Chp-receiver subscribes to every heartbeat publisher discovered in
// the given constellation group and prints the received heartbeats.
// Useful for eavesdropping on the liveness traffic of a running
// constellation.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/constellation-foundation/constellation/chirp"
	"github.com/constellation-foundation/constellation/chp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		group     = pflag.String("group", "constellation", "constellation group name")
		chirpPort = pflag.Int("chirp-port", chirp.Port, "CHIRP discovery port")
	)
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	receiver := chp.NewReceiver(func(message chp.Message) {
		fmt.Printf("%s  %-24s %-14s next in %v\n",
			message.Time.Local().Format(time.TimeOnly), message.Sender, message.State, message.Interval)
	}, logger)
	defer receiver.Close()

	beacon := chirp.NewBeacon(*group, "chp-receiver", chirp.Options{Port: *chirpPort, Logger: logger})
	beacon.RegisterDiscoverCallback(chirp.ServiceHeartbeat, func(service chirp.DiscoveredService, depart bool) {
		if depart {
			receiver.Disconnect(service.Endpoint())
			return
		}
		if err := receiver.Connect(service.Endpoint()); err != nil {
			logger.Warn("subscribing failed", "endpoint", service.Endpoint(), "error", err)
		}
	})
	if err := beacon.Start(); err != nil {
		return err
	}
	defer beacon.Close()
	beacon.SendRequest(chirp.ServiceHeartbeat)

	fmt.Printf("listening for heartbeats in group %q, ctrl-c to stop\n", *group)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	return nil
}
