// Copyright 2026 The Constellation Authors
// SPDX-License-Identifier: Apache-2.0

package satellite

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/constellation-foundation/constellation/chirp"
	"github.com/constellation-foundation/constellation/cscp"
	"github.com/constellation-foundation/constellation/lib/testutil"
)

var testChirpPort atomic.Int32

func init() { testChirpPort.Store(27123) }

func newTestBeacon(t *testing.T, group string) *chirp.Beacon {
	t.Helper()
	beacon := chirp.NewBeacon(group, testutil.UniqueID("Test.host"), chirp.Options{
		BroadcastAddress: net.IPv4(127, 255, 255, 255),
		Port:             int(testChirpPort.Add(1)),
		Logger:           quietLogger(),
	})
	if err := beacon.Start(); err != nil {
		t.Fatalf("starting beacon: %v", err)
	}
	t.Cleanup(func() { beacon.Close() })
	return beacon
}

func newTestSatellite(t *testing.T) *Satellite {
	t.Helper()
	sat, err := New("Cam", "top", newRecordingImpl(), Options{
		Beacon: newTestBeacon(t, testutil.UniqueID("group")),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sat.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sat.Close() })
	return sat
}

func dialControl(t *testing.T, port uint16) zmq4.Socket {
	t.Helper()
	req := zmq4.NewReq(context.Background())
	if err := req.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", port)); err != nil {
		t.Fatalf("dialing control socket: %v", err)
	}
	t.Cleanup(func() { req.Close() })
	return req
}

func roundtrip(t *testing.T, req zmq4.Socket, message cscp.Message) cscp.Message {
	t.Helper()
	frames, err := message.Frames()
	if err != nil {
		t.Fatalf("assembling request: %v", err)
	}
	if err := req.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		t.Fatalf("sending request: %v", err)
	}
	raw, err := req.Recv()
	if err != nil {
		t.Fatalf("receiving reply: %v", err)
	}
	reply, err := cscp.FromFrames(raw.Frames)
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	return reply
}

func command(t *testing.T, req zmq4.Socket, verb string, payload any) cscp.Message {
	t.Helper()
	message := cscp.NewRequest("Test.controller", verb)
	if payload != nil {
		withPayload, err := message.WithPayload(payload)
		if err != nil {
			t.Fatalf("attaching payload: %v", err)
		}
		message = withPayload
	}
	return roundtrip(t, req, message)
}

// driveToState polls get_state until the wanted steady state is
// reached; transitional callbacks complete asynchronously.
func driveToState(t *testing.T, req zmq4.Socket, want cscp.State) {
	t.Helper()
	testutil.Eventually(t, func() bool {
		return command(t, req, "get_state", nil).Verb == want.String()
	}, 3*time.Second, 5*time.Millisecond, "waiting for state "+want.String())
}

func TestSatelliteIdentityVerbs(t *testing.T) {
	sat := newTestSatellite(t)
	req := dialControl(t, sat.ControlPort())

	if reply := command(t, req, "get_name", nil); reply.Kind != cscp.KindSuccess || reply.Verb != "Cam.top" {
		t.Errorf("get_name = %v %q", reply.Kind, reply.Verb)
	}
	if reply := command(t, req, "get_version", nil); reply.Kind != cscp.KindSuccess || reply.Verb == "" {
		t.Errorf("get_version = %v %q", reply.Kind, reply.Verb)
	}
	if reply := command(t, req, "get_state", nil); reply.Kind != cscp.KindSuccess || reply.Verb != "NEW" {
		t.Errorf("get_state = %v %q, want SUCCESS NEW", reply.Kind, reply.Verb)
	}
	// Verbs match case-insensitively.
	if reply := command(t, req, "GET_NAME", nil); reply.Kind != cscp.KindSuccess || reply.Verb != "Cam.top" {
		t.Errorf("GET_NAME = %v %q", reply.Kind, reply.Verb)
	}
}

func TestSatelliteLifecycleAndConfig(t *testing.T) {
	sat := newTestSatellite(t)
	req := dialControl(t, sat.ControlPort())

	// get_config before initialization is refused.
	if reply := command(t, req, "get_config", nil); reply.Kind != cscp.KindInvalid {
		t.Errorf("get_config from NEW = %v, want INVALID", reply.Kind)
	}

	if reply := command(t, req, "initialize", map[string]any{"device": "/dev/ttyUSB0"}); reply.Kind != cscp.KindSuccess {
		t.Fatalf("initialize = %v %q", reply.Kind, reply.Verb)
	}
	driveToState(t, req, cscp.StateInit)

	reply := command(t, req, "get_config", nil)
	if reply.Kind != cscp.KindSuccess {
		t.Fatalf("get_config = %v %q", reply.Kind, reply.Verb)
	}
	config, err := reply.DictionaryPayload()
	if err != nil {
		t.Fatalf("DictionaryPayload: %v", err)
	}
	if config["device"] != "/dev/ttyUSB0" {
		t.Errorf("config = %v, want device=/dev/ttyUSB0", config)
	}

	if reply := command(t, req, "launch", nil); reply.Kind != cscp.KindSuccess {
		t.Fatalf("launch = %v %q", reply.Kind, reply.Verb)
	}
	driveToState(t, req, cscp.StateOrbit)

	// get_run_id outside RUN is refused.
	if reply := command(t, req, "get_run_id", nil); reply.Kind != cscp.KindInvalid {
		t.Errorf("get_run_id from ORBIT = %v, want INVALID", reply.Kind)
	}

	if reply := command(t, req, "start", "run-2026-001"); reply.Kind != cscp.KindSuccess {
		t.Fatalf("start = %v %q", reply.Kind, reply.Verb)
	}
	driveToState(t, req, cscp.StateRun)

	if reply := command(t, req, "get_run_id", nil); reply.Kind != cscp.KindSuccess || reply.Verb != "run-2026-001" {
		t.Errorf("get_run_id = %v %q, want run-2026-001", reply.Kind, reply.Verb)
	}
	if reply := command(t, req, "get_run_start_time", nil); reply.Kind != cscp.KindSuccess || reply.Verb == "" {
		t.Errorf("get_run_start_time = %v %q", reply.Kind, reply.Verb)
	}

	if reply := command(t, req, "stop", nil); reply.Kind != cscp.KindSuccess {
		t.Fatalf("stop = %v %q", reply.Kind, reply.Verb)
	}
	driveToState(t, req, cscp.StateOrbit)

	if reply := command(t, req, "land", nil); reply.Kind != cscp.KindSuccess {
		t.Fatalf("land = %v %q", reply.Kind, reply.Verb)
	}
	driveToState(t, req, cscp.StateInit)
}

func TestSatelliteCommandGating(t *testing.T) {
	sat := newTestSatellite(t)
	var voltage atomic.Int64
	err := sat.Registry().Add("set_voltage", "Set the output voltage.", []cscp.State{cscp.StateOrbit}, 1,
		func(args []string) (string, error) {
			value, err := strconv.Atoi(args[0])
			if err != nil {
				return "", err
			}
			voltage.Store(int64(value))
			return strconv.Itoa(value), nil
		})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	req := dialControl(t, sat.ControlPort())

	// From NEW the command is registered but not valid: INVALID.
	if reply := command(t, req, "set_voltage", []string{"5"}); reply.Kind != cscp.KindInvalid {
		t.Errorf("set_voltage from NEW = %v, want INVALID", reply.Kind)
	}

	command(t, req, "initialize", nil)
	driveToState(t, req, cscp.StateInit)
	command(t, req, "launch", nil)
	driveToState(t, req, cscp.StateOrbit)

	reply := command(t, req, "set_voltage", []string{"5"})
	if reply.Kind != cscp.KindSuccess {
		t.Fatalf("set_voltage in ORBIT = %v %q, want SUCCESS", reply.Kind, reply.Verb)
	}
	payload, err := reply.StringPayload()
	if err != nil {
		t.Fatalf("StringPayload: %v", err)
	}
	if payload != "5" {
		t.Errorf("payload = %q, want 5", payload)
	}
	if voltage.Load() != 5 {
		t.Errorf("voltage = %d, want 5", voltage.Load())
	}

	// No arguments: INCOMPLETE.
	if reply := command(t, req, "set_voltage", nil); reply.Kind != cscp.KindIncomplete {
		t.Errorf("set_voltage without args = %v, want INCOMPLETE", reply.Kind)
	}

	// Unregistered command: UNKNOWN.
	if reply := command(t, req, "set_current", nil); reply.Kind != cscp.KindUnknown {
		t.Errorf("set_current = %v, want UNKNOWN", reply.Kind)
	}
}

func TestSatelliteGetCommandsListsUserCommands(t *testing.T) {
	sat := newTestSatellite(t)
	if err := sat.Registry().Add("set_voltage", "Set the output voltage.", []cscp.State{cscp.StateOrbit}, 1,
		func(args []string) (string, error) { return args[0], nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	req := dialControl(t, sat.ControlPort())

	reply := command(t, req, "get_commands", nil)
	if reply.Kind != cscp.KindSuccess {
		t.Fatalf("get_commands = %v", reply.Kind)
	}
	commands, err := reply.DictionaryPayload()
	if err != nil {
		t.Fatalf("DictionaryPayload: %v", err)
	}
	if _, exists := commands["set_voltage"]; !exists {
		t.Error("get_commands missing set_voltage")
	}
	if _, exists := commands["initialize"]; !exists {
		t.Error("get_commands missing standard verb initialize")
	}
}

func TestSatelliteRejectsNonRequests(t *testing.T) {
	sat := newTestSatellite(t)
	req := dialControl(t, sat.ControlPort())

	reply := roundtrip(t, req, cscp.New("Test.controller", cscp.KindSuccess, "get_state"))
	if reply.Kind != cscp.KindError {
		t.Errorf("non-request = %v, want ERROR", reply.Kind)
	}
}

func TestSatelliteReconfigureGating(t *testing.T) {
	// Without opt-in, reconfigure is NOTIMPLEMENTED.
	sat := newTestSatellite(t)
	req := dialControl(t, sat.ControlPort())
	if reply := command(t, req, "reconfigure", nil); reply.Kind != cscp.KindNotImplemented {
		t.Errorf("reconfigure = %v, want NOTIMPLEMENTED", reply.Kind)
	}

	// With opt-in, reconfigure works in ORBIT and merges the partial
	// configuration.
	supporting, err := New("Cam", "bottom", newRecordingImpl(), Options{
		Beacon:             newTestBeacon(t, testutil.UniqueID("group")),
		Logger:             quietLogger(),
		SupportReconfigure: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := supporting.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { supporting.Close() })
	reqSupporting := dialControl(t, supporting.ControlPort())

	command(t, reqSupporting, "initialize", map[string]any{"a": "1"})
	driveToState(t, reqSupporting, cscp.StateInit)
	command(t, reqSupporting, "launch", nil)
	driveToState(t, reqSupporting, cscp.StateOrbit)

	if reply := command(t, reqSupporting, "reconfigure", map[string]any{"b": "2"}); reply.Kind != cscp.KindSuccess {
		t.Fatalf("reconfigure = %v %q", reply.Kind, reply.Verb)
	}
	driveToState(t, reqSupporting, cscp.StateOrbit)

	config, err := command(t, reqSupporting, "get_config", nil).DictionaryPayload()
	if err != nil {
		t.Fatalf("DictionaryPayload: %v", err)
	}
	if config["a"] != "1" || config["b"] != "2" {
		t.Errorf("config after reconfigure = %v, want a=1 b=2", config)
	}
}

func TestSatelliteShutdownGating(t *testing.T) {
	sat := newTestSatellite(t)
	req := dialControl(t, sat.ControlPort())

	command(t, req, "initialize", nil)
	driveToState(t, req, cscp.StateInit)
	command(t, req, "launch", nil)
	driveToState(t, req, cscp.StateOrbit)

	if reply := command(t, req, "shutdown", nil); reply.Kind != cscp.KindInvalid {
		t.Errorf("shutdown from ORBIT = %v, want INVALID", reply.Kind)
	}

	command(t, req, "land", nil)
	driveToState(t, req, cscp.StateInit)

	if reply := command(t, req, "shutdown", nil); reply.Kind != cscp.KindSuccess {
		t.Errorf("shutdown from INIT = %v, want SUCCESS", reply.Kind)
	}
	testutil.RequireClosed(t, sat.ShutdownRequested(), 2*time.Second, "shutdown request signal")
}
