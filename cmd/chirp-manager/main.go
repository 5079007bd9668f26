// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

// Chirp-manager is an interactive probe for the CHIRP discovery
// layer. It joins a group and executes commands read from standard
// input:
//
//	list_registered_services
//	list_discovered_services [SERVICE]
//	register_service [SERVICE] [PORT]
//	unregister_service [SERVICE] [PORT]
//	register_callback [SERVICE]
//	request [SERVICE]
//	reset
//	quit
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/constellation-foundation/constellation/chirp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var serviceNames = map[string]chirp.ServiceIdentifier{
	"CONTROL":    chirp.ServiceControl,
	"HEARTBEAT":  chirp.ServiceHeartbeat,
	"MONITORING": chirp.ServiceMonitoring,
	"DATA":       chirp.ServiceData,
}

func parseService(words []string) chirp.ServiceIdentifier {
	if len(words) >= 2 {
		if service, known := serviceNames[strings.ToUpper(words[1])]; known {
			return service
		}
	}
	return chirp.ServiceControl
}

func parsePort(words []string) uint16 {
	if len(words) >= 3 {
		if port, err := strconv.ParseUint(words[2], 10, 16); err == nil {
			return uint16(port)
		}
	}
	return 23999
}

func run() error {
	var (
		host      = pflag.String("host", "chirp-manager", "host name to announce")
		group     = pflag.String("group", "constellation", "constellation group name")
		chirpPort = pflag.Int("chirp-port", chirp.Port, "CHIRP discovery port")
	)
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	beacon := chirp.NewBeacon(*group, *host, chirp.Options{Port: *chirpPort, Logger: logger})
	if err := beacon.Start(); err != nil {
		return err
	}
	defer beacon.Close()

	fmt.Println("commands: list_registered_services, list_discovered_services [SERVICE],")
	fmt.Println("  register_service [SERVICE] [PORT], unregister_service [SERVICE] [PORT],")
	fmt.Println("  register_callback [SERVICE], request [SERVICE], reset, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "quit", "exit":
			return nil
		case "list_registered_services":
			for _, service := range beacon.RegisteredServices() {
				fmt.Printf("  service %-10s port %5d\n", service.ServiceID, service.Port)
			}
		case "list_discovered_services":
			services := beacon.DiscoveredServices()
			if len(words) >= 2 {
				services = beacon.DiscoveredServicesFor(parseService(words))
			}
			for _, service := range services {
				fmt.Printf("  service %-10s port %5d host %s ip %s\n",
					service.ServiceID, service.Port, service.HostID, service.Address)
			}
		case "register_service":
			if beacon.RegisterService(parseService(words), parsePort(words)) {
				fmt.Printf("  registered %s on port %d\n", parseService(words), parsePort(words))
			}
		case "unregister_service":
			if beacon.UnregisterService(parseService(words), parsePort(words)) {
				fmt.Printf("  unregistered %s on port %d\n", parseService(words), parsePort(words))
			}
		case "register_callback":
			service := parseService(words)
			beacon.RegisterDiscoverCallback(service, func(discovered chirp.DiscoveredService, depart bool) {
				kind := "OFFER"
				if depart {
					kind = "DEPART"
				}
				fmt.Printf("  callback: service %-10s port %5d host %s ip %s %s\n",
					discovered.ServiceID, discovered.Port, discovered.HostID, discovered.Address, kind)
			})
			fmt.Printf("  registered callback for %s\n", service)
		case "request":
			beacon.SendRequest(parseService(words))
			fmt.Printf("  sent request for %s\n", parseService(words))
		case "reset":
			beacon.UnregisterDiscoverCallbacks()
			beacon.UnregisterServices()
			beacon.ForgetDiscoveredServices()
		default:
			fmt.Printf("unknown command %q\n", words[0])
		}
	}
	return scanner.Err()
}
