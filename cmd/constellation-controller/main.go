// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Constellation-controller is a line-oriented controller for a
// constellation. It discovers satellites in the given group and
// drives them with CSCP commands read from standard input:
//
//	list                       connected satellites and their states
//	state                      lowest state of the constellation
//	initialize                 initialize all satellites from the config file
//	launch | land | stop       fan-out transition commands
//	start [run-id]             start a run (generates a run id if omitted)
//	reconfigure                fan-out reconfigure from the config file
//	run-id                     current run identifier
//	command <sat> <verb> [...] send a single command with string arguments
//	shutdown                   shut all satellites down
//	quit
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/constellation-foundation/constellation/chirp"
	"github.com/constellation-foundation/constellation/controller"
	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		name       = pflag.String("name", "MissionControl", "controller name")
		group      = pflag.String("group", "constellation", "constellation group name")
		configPath = pflag.String("config", "", "TOML configuration file")
		chirpPort  = pflag.Int("chirp-port", chirp.Port, "CHIRP discovery port")
		logLevel   = pflag.String("log-level", "warn", "log level (debug, info, warn, error)")
	)
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	fmt.Printf("constellation controller %s, group %q\n", version.Version, *group)

	var configuration *controller.Configuration
	if *configPath != "" {
		parsed, err := controller.ParseConfigurationFile(*configPath)
		if err != nil {
			return err
		}
		configuration = parsed
	}

	beacon := chirp.NewBeacon(*group, "Controller."+*name, chirp.Options{
		Port:   *chirpPort,
		Logger: logger,
	})
	if err := beacon.Start(); err != nil {
		return err
	}
	defer beacon.Close()

	ctl, err := controller.New(*name, controller.Options{
		Beacon: beacon,
		Logger: logger,
		UpdateHook: func(update controller.UpdateType, index int) {
			logger.Info("connection update", "type", update.String(), "index", index)
		},
		ReachedStateHook: func(state cscp.State) {
			fmt.Printf("constellation reached state %s\n", state)
		},
	})
	if err != nil {
		return err
	}
	if err := ctl.Start(); err != nil {
		return err
	}
	defer ctl.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "quit", "exit":
			return nil
		case "list":
			for _, satelliteName := range ctl.Connections() {
				state, _ := ctl.SatelliteState(satelliteName)
				fmt.Printf("  %-24s %s\n", satelliteName, state)
			}
		case "state":
			fmt.Println(ctl.LowestState())
		case "initialize":
			fanOutWithConfig(ctl, configuration, "initialize")
		case "reconfigure":
			fanOutWithConfig(ctl, configuration, "reconfigure")
		case "launch", "land", "stop", "shutdown":
			printReplies(ctl.SendCommands(words[0], nil))
		case "start":
			runID := uuid.NewString()
			if len(words) >= 2 {
				runID = words[1]
			}
			fmt.Printf("starting run %s\n", runID)
			printReplies(ctl.SendCommands("start", runID))
		case "run-id":
			fmt.Println(ctl.RunIdentifier())
		case "command":
			if len(words) < 3 {
				fmt.Println("usage: command <satellite> <verb> [args...]")
				continue
			}
			var payload any
			if len(words) > 3 {
				payload = words[3:]
			}
			reply := ctl.SendCommand(words[1], words[2], payload)
			printReply(words[1], reply)
		default:
			fmt.Printf("unknown command %q\n", words[0])
		}
	}
}

// fanOutWithConfig sends a configuration-carrying verb to every
// satellite with its merged dictionary from the configuration file.
func fanOutWithConfig(ctl *controller.Controller, configuration *controller.Configuration, verb string) {
	if configuration == nil {
		printReplies(ctl.SendCommands(verb, nil))
		return
	}
	payloads := make(map[string]any)
	for name, dictionary := range configuration.SatelliteConfigurations(ctl.Connections()) {
		payloads[name] = dictionary
	}
	printReplies(ctl.SendCommandsEach(verb, payloads))
}

func printReplies(replies map[string]cscp.Message) {
	for name, reply := range replies {
		printReply(name, reply)
	}
}

func printReply(name string, reply cscp.Message) {
	fmt.Printf("  %-24s %-14s %s\n", name, reply.Kind, reply.Verb)
}
