// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chirp

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/constellation-foundation/constellation/lib/testutil"
)

// Tests exchange beacons over the loopback broadcast address so they
// stay on the machine. Each test uses its own port to avoid
// cross-talk.
var testPort atomic.Int32

func init() { testPort.Store(17123) }

func testOptions(t *testing.T, port int) Options {
	t.Helper()
	return Options{
		BroadcastAddress: net.IPv4(127, 255, 255, 255),
		Port:             port,
	}
}

type discoverEvent struct {
	service DiscoveredService
	depart  bool
}

func collectDiscoveries(beacon *Beacon, service ServiceIdentifier) <-chan discoverEvent {
	events := make(chan discoverEvent, 16)
	beacon.RegisterDiscoverCallback(service, func(s DiscoveredService, depart bool) {
		events <- discoverEvent{service: s, depart: depart}
	})
	return events
}

func TestDiscoveryHandshake(t *testing.T) {
	port := int(testPort.Add(1))

	offering := NewBeacon("handshake", "Offer.host", testOptions(t, port))
	if err := offering.Start(); err != nil {
		t.Fatalf("starting offering beacon: %v", err)
	}
	defer offering.Close()

	requesting := NewBeacon("handshake", "Request.host", testOptions(t, port))
	events := collectDiscoveries(requesting, ServiceControl)
	if err := requesting.Start(); err != nil {
		t.Fatalf("starting requesting beacon: %v", err)
	}
	defer requesting.Close()

	if !offering.RegisterService(ServiceControl, 23999) {
		t.Fatal("RegisterService returned false on first registration")
	}

	requesting.SendRequest(ServiceControl)

	event := testutil.RequireReceive(t, events, 2*time.Second, "waiting for OFFER callback")
	if event.depart {
		t.Fatal("first event was a DEPART")
	}
	if event.service.HostID != offering.HostID() {
		t.Errorf("offer host = %v, want %v", event.service.HostID, offering.HostID())
	}
	if event.service.Port != 23999 {
		t.Errorf("offer port = %d, want 23999", event.service.Port)
	}
}

func TestRegisterServiceIdempotent(t *testing.T) {
	port := int(testPort.Add(1))
	beacon := NewBeacon("idem", "Host.a", testOptions(t, port))
	if err := beacon.Start(); err != nil {
		t.Fatalf("starting beacon: %v", err)
	}
	defer beacon.Close()

	beacon.RegisterService(ServiceControl, 100)
	if beacon.RegisterService(ServiceControl, 100) {
		t.Error("second RegisterService returned true")
	}
	if got := len(beacon.RegisteredServices()); got != 1 {
		t.Errorf("registered services = %d, want 1", got)
	}
}

func TestDepartOnUnregister(t *testing.T) {
	port := int(testPort.Add(1))

	offering := NewBeacon("depart", "Offer.host", testOptions(t, port))
	if err := offering.Start(); err != nil {
		t.Fatalf("starting offering beacon: %v", err)
	}
	defer offering.Close()

	watching := NewBeacon("depart", "Watch.host", testOptions(t, port))
	events := collectDiscoveries(watching, ServiceHeartbeat)
	if err := watching.Start(); err != nil {
		t.Fatalf("starting watching beacon: %v", err)
	}
	defer watching.Close()

	offering.RegisterService(ServiceHeartbeat, 4000)
	offer := testutil.RequireReceive(t, events, 2*time.Second, "waiting for OFFER")
	if offer.depart {
		t.Fatal("expected OFFER, got DEPART")
	}

	offering.UnregisterService(ServiceHeartbeat, 4000)
	depart := testutil.RequireReceive(t, events, 2*time.Second, "waiting for DEPART")
	if !depart.depart {
		t.Fatal("expected DEPART, got OFFER")
	}
	if depart.service.Port != 4000 {
		t.Errorf("depart port = %d, want 4000", depart.service.Port)
	}

	if got := len(watching.DiscoveredServicesFor(ServiceHeartbeat)); got != 0 {
		t.Errorf("discovered services after DEPART = %d, want 0", got)
	}
}

func TestDepartOnClose(t *testing.T) {
	port := int(testPort.Add(1))

	offering := NewBeacon("close", "Offer.host", testOptions(t, port))
	if err := offering.Start(); err != nil {
		t.Fatalf("starting offering beacon: %v", err)
	}

	watching := NewBeacon("close", "Watch.host", testOptions(t, port))
	events := collectDiscoveries(watching, ServiceControl)
	if err := watching.Start(); err != nil {
		t.Fatalf("starting watching beacon: %v", err)
	}
	defer watching.Close()

	offering.RegisterService(ServiceControl, 5000)
	testutil.RequireReceive(t, events, 2*time.Second, "waiting for OFFER")

	if err := offering.Close(); err != nil {
		t.Fatalf("closing offering beacon: %v", err)
	}
	depart := testutil.RequireReceive(t, events, 2*time.Second, "waiting for DEPART on close")
	if !depart.depart {
		t.Fatal("expected DEPART after close")
	}
}

func TestForeignGroupDropped(t *testing.T) {
	port := int(testPort.Add(1))

	offering := NewBeacon("group-a", "Offer.host", testOptions(t, port))
	if err := offering.Start(); err != nil {
		t.Fatalf("starting offering beacon: %v", err)
	}
	defer offering.Close()

	foreign := NewBeacon("group-b", "Watch.host", testOptions(t, port))
	events := collectDiscoveries(foreign, ServiceControl)
	if err := foreign.Start(); err != nil {
		t.Fatalf("starting foreign beacon: %v", err)
	}
	defer foreign.Close()

	offering.RegisterService(ServiceControl, 6000)
	testutil.RequireNoReceive(t, events, 500*time.Millisecond, "foreign-group OFFER must be dropped")
}

func TestOfferEndpointChangeReportedAsDepartOffer(t *testing.T) {
	port := int(testPort.Add(1))

	offering := NewBeacon("rebind", "Offer.host", testOptions(t, port))
	if err := offering.Start(); err != nil {
		t.Fatalf("starting offering beacon: %v", err)
	}
	defer offering.Close()

	watching := NewBeacon("rebind", "Watch.host", testOptions(t, port))
	events := collectDiscoveries(watching, ServiceControl)
	if err := watching.Start(); err != nil {
		t.Fatalf("starting watching beacon: %v", err)
	}
	defer watching.Close()

	offering.RegisterService(ServiceControl, 7000)
	first := testutil.RequireReceive(t, events, 2*time.Second, "waiting for initial OFFER")
	if first.depart || first.service.Port != 7000 {
		t.Fatalf("unexpected first event: %+v", first)
	}

	// The same host re-announces the service on a different port: the
	// watcher must see DEPART(old) then OFFER(new).
	offering.RegisterService(ServiceControl, 7001)
	second := testutil.RequireReceive(t, events, 2*time.Second, "waiting for DEPART of old endpoint")
	if !second.depart || second.service.Port != 7000 {
		t.Fatalf("expected DEPART of port 7000, got %+v", second)
	}
	third := testutil.RequireReceive(t, events, 2*time.Second, "waiting for OFFER of new endpoint")
	if third.depart || third.service.Port != 7001 {
		t.Fatalf("expected OFFER of port 7001, got %+v", third)
	}
}

func TestRepeatedOfferIsSilent(t *testing.T) {
	port := int(testPort.Add(1))

	offering := NewBeacon("rep", "Offer.host", testOptions(t, port))
	if err := offering.Start(); err != nil {
		t.Fatalf("starting offering beacon: %v", err)
	}
	defer offering.Close()

	watching := NewBeacon("rep", "Watch.host", testOptions(t, port))
	events := collectDiscoveries(watching, ServiceControl)
	if err := watching.Start(); err != nil {
		t.Fatalf("starting watching beacon: %v", err)
	}
	defer watching.Close()

	offering.RegisterService(ServiceControl, 8000)
	testutil.RequireReceive(t, events, 2*time.Second, "waiting for OFFER")

	// A REQUEST triggers a re-OFFER of the same endpoint; the cache
	// refreshes silently.
	watching.SendRequest(ServiceControl)
	testutil.RequireNoReceive(t, events, 500*time.Millisecond, "unchanged OFFER must not fire callbacks")
}
