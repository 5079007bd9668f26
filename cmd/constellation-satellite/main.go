// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Constellation-satellite runs a demonstration satellite. It joins the
// given constellation group, announces its control and heartbeat
// endpoints over CHIRP and then follows CSCP commands from any
// controller in the group.
//
// The demo implementation registers a set_voltage command (valid in
// ORBIT) and simulates data taking by counting frames while in RUN.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/constellation-foundation/constellation/chirp"
	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/version"
	"github.com/constellation-foundation/constellation/satellite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// demoImplementation simulates a data-taking device.
type demoImplementation struct {
	satellite.DefaultImplementation
	logger  *slog.Logger
	voltage atomic.Int64
	frames  atomic.Uint64
}

func (d *demoImplementation) Initializing(ctx context.Context, config map[string]any) error {
	d.logger.Info("initializing", "config_keys", len(config))
	return nil
}

func (d *demoImplementation) Starting(ctx context.Context, runID string) error {
	d.frames.Store(0)
	d.logger.Info("starting run", "run_id", runID)
	return nil
}

func (d *demoImplementation) Running(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.frames.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *demoImplementation) Stopping(ctx context.Context) error {
	d.logger.Info("stopping run", "frames", d.frames.Load())
	return nil
}

func run() error {
	var (
		satelliteType = pflag.String("type", "Demo", "satellite type")
		satelliteName = pflag.String("name", "one", "satellite name")
		group         = pflag.String("group", "constellation", "constellation group name")
		interval      = pflag.Duration("interval", time.Second, "heartbeat interval")
		chirpPort     = pflag.Int("chirp-port", chirp.Port, "CHIRP discovery port")
		logLevel      = pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("constellation satellite", "version", version.Version)

	beacon := chirp.NewBeacon(*group, *satelliteType+"."+*satelliteName, chirp.Options{
		Port:   *chirpPort,
		Logger: logger,
	})
	if err := beacon.Start(); err != nil {
		return err
	}
	defer beacon.Close()

	impl := &demoImplementation{logger: logger}
	sat, err := satellite.New(*satelliteType, *satelliteName, impl, satellite.Options{
		Beacon:             beacon,
		HeartbeatInterval:  *interval,
		SupportReconfigure: true,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	err = sat.Registry().Add("set_voltage", "Set the simulated output voltage.",
		[]cscp.State{cscp.StateOrbit}, 1,
		func(args []string) (string, error) {
			value, err := strconv.Atoi(args[0])
			if err != nil {
				return "", fmt.Errorf("not an integer: %q", args[0])
			}
			impl.voltage.Store(int64(value))
			return strconv.Itoa(value), nil
		})
	if err != nil {
		return err
	}
	err = sat.Registry().Add("get_voltage", "Get the simulated output voltage.",
		[]cscp.State{cscp.StateOrbit, cscp.StateRun}, 0,
		func(args []string) (string, error) {
			return strconv.FormatInt(impl.voltage.Load(), 10), nil
		})
	if err != nil {
		return err
	}

	if err := sat.Start(); err != nil {
		return err
	}
	defer sat.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("shutting down", "signal", sig.String())
	case <-sat.ShutdownRequested():
		logger.Info("shutting down", "reason", "controller request")
	}
	return nil
}
