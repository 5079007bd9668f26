// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package chp

import (
	"strings"
	"testing"
	"time"

	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/clock"
	"github.com/constellation-foundation/constellation/lib/testutil"
)

// newTestManager builds a manager on a fake clock whose interrupts are
// collected on a channel. Heartbeats are injected directly via
// processHeartbeat so no sockets are involved in the liveness logic.
func newTestManager(t *testing.T, fake *clock.FakeClock) (*Manager, <-chan string) {
	t.Helper()
	interrupts := make(chan string, 8)
	manager, err := NewManager("Watcher.one",
		func() cscp.State { return cscp.StateOrbit },
		func(reason string) { interrupts <- reason },
		ManagerOptions{Clock: fake, Logger: quietLogger()},
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager, interrupts
}

func TestManagerReplenishesLivesOnHealthyHeartbeat(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager, _ := newTestManager(t, fake)

	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateOrbit, Interval: time.Second})

	remotes := manager.Remotes()
	remote, known := remotes["Cam.top"]
	if !known {
		t.Fatal("remote not created on first heartbeat")
	}
	if remote.Lives != MaxLives {
		t.Errorf("lives = %d, want %d", remote.Lives, MaxLives)
	}

	// Miss a heartbeat, then recover: lives must return to MaxLives.
	fake.Advance(1100 * time.Millisecond)
	manager.checkRemotes()
	if lives := manager.Remotes()["Cam.top"].Lives; lives != MaxLives-1 {
		t.Fatalf("lives after one miss = %d, want %d", lives, MaxLives-1)
	}

	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateOrbit, Interval: time.Second})
	if lives := manager.Remotes()["Cam.top"].Lives; lives != MaxLives {
		t.Errorf("lives after recovery = %d, want %d", lives, MaxLives)
	}
}

func TestManagerLivesMonotonicBetweenHeartbeats(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager, interrupts := newTestManager(t, fake)

	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateRun, Interval: time.Second})

	previous := MaxLives
	for i := 0; i < MaxLives; i++ {
		fake.Advance(1100 * time.Millisecond)
		manager.checkRemotes()
		lives := manager.Remotes()["Cam.top"].Lives
		if lives > previous {
			t.Fatalf("lives increased from %d to %d without a heartbeat", previous, lives)
		}
		previous = lives
	}
	if previous != 0 {
		t.Fatalf("lives after %d misses = %d, want 0", MaxLives, previous)
	}

	reason := testutil.RequireReceive(t, interrupts, 2*time.Second, "waiting for liveness interrupt")
	if !strings.Contains(reason, "No signs of life") {
		t.Errorf("interrupt reason = %q, want it to contain %q", reason, "No signs of life")
	}

	// Dead is dead: further checks must not interrupt again.
	fake.Advance(5 * time.Second)
	manager.checkRemotes()
	testutil.RequireNoReceive(t, interrupts, 200*time.Millisecond, "second interrupt for a dead remote")
}

func TestManagerMissRequiresCheckSeparation(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager, _ := newTestManager(t, fake)

	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateOrbit, Interval: time.Second})

	// Two checks in quick succession past the deadline subtract only
	// one life: LastChecked gates the second.
	fake.Advance(1100 * time.Millisecond)
	manager.checkRemotes()
	manager.checkRemotes()
	if lives := manager.Remotes()["Cam.top"].Lives; lives != MaxLives-1 {
		t.Errorf("lives = %d, want %d after back-to-back checks", lives, MaxLives-1)
	}
}

func TestManagerErrorStateInterruptsOnce(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager, interrupts := newTestManager(t, fake)

	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateError, Interval: time.Second})

	// The watchdog wakes on the heartbeat notification; no clock
	// advance is needed for the failure-state interrupt.
	reason := testutil.RequireReceive(t, interrupts, 2*time.Second, "waiting for ERROR interrupt")
	if !strings.Contains(reason, "ERROR") {
		t.Errorf("interrupt reason = %q, want it to name ERROR", reason)
	}

	testutil.Eventually(t, func() bool {
		return manager.Remotes()["Cam.top"].Lives == 0
	}, 2*time.Second, 10*time.Millisecond, "lives not zeroed after ERROR interrupt")

	// Further ERROR heartbeats must not interrupt again and must not
	// replenish lives.
	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateError, Interval: time.Second})
	manager.checkRemotes()
	testutil.RequireNoReceive(t, interrupts, 300*time.Millisecond, "second interrupt for repeated ERROR")
	if lives := manager.Remotes()["Cam.top"].Lives; lives != 0 {
		t.Errorf("lives = %d, want 0 while in ERROR", lives)
	}
}

func TestManagerSafeStateInterrupts(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager, interrupts := newTestManager(t, fake)

	manager.processHeartbeat(Message{Sender: "Dut.x", Time: fake.Now(), State: cscp.StateSafe, Interval: time.Second})

	reason := testutil.RequireReceive(t, interrupts, 2*time.Second, "waiting for SAFE interrupt")
	if !strings.Contains(reason, "SAFE") {
		t.Errorf("interrupt reason = %q, want it to name SAFE", reason)
	}
}

func TestManagerRemoteState(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	manager, _ := newTestManager(t, fake)

	if _, known := manager.RemoteState("Cam.top"); known {
		t.Error("RemoteState reported an unknown remote")
	}

	manager.processHeartbeat(Message{Sender: "Cam.top", Time: fake.Now(), State: cscp.StateInit, Interval: time.Second})
	state, known := manager.RemoteState("Cam.top")
	if !known || state != cscp.StateInit {
		t.Errorf("RemoteState = %v, %v, want INIT, true", state, known)
	}
}
