package main

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
)

func init() { obs.SetOutput(io.Discard) }

func TestPairingTokenSingleUse(t *testing.T) {
	s := newServerState()
	tok, err := s.createPairingToken("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 32 {
		t.Fatalf("token %q", tok)
	}
	user, err := s.consumePairingToken(tok)
	if err != nil || user != "alice" {
		t.Fatalf("consume = %q, %v", user, err)
	}
	if _, err := s.consumePairingToken(tok); !errors.Is(err, errUnknownToken) {
		t.Fatalf("second consume err = %v", err)
	}

	expired, _ := s.createPairingToken("bob", -time.Second)
	if _, err := s.consumePairingToken(expired); !errors.Is(err, errUnknownToken) {
		t.Fatalf("expired consume err = %v", err)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s := newServerState()
	d1, _ := s.registerDevice("hw-a", "alice", "linux")
	d2, _ := s.registerDevice("hw-b", "bob", "android")
	if d1.ID != 1 || d1.Name != "device-1" || d2.ID != 2 {
		t.Fatalf("devices = %+v %+v", d1, d2)
	}
	again, _ := s.registerDevice("hw-a", "carol", "darwin")
	if again.ID != 1 || again.Username != "carol" {
		t.Fatalf("re-register = %+v", again)
	}
	if got, err := s.lookupDevice("hw-a"); err != nil || got.Platform != "darwin" {
		t.Fatalf("lookup = %+v, %v", got, err)
	}
	list, _ := s.listDevices()
	if len(list) != 2 || list[0].HardwareID != "hw-a" {
		t.Fatalf("list = %+v", list)
	}
	if err := s.removeDevice("hw-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.lookupDevice("hw-a"); !errors.Is(err, errUnknownDevice) {
		t.Fatalf("lookup after remove err = %v", err)
	}
	if err := s.removeDevice("hw-a"); !errors.Is(err, errUnknownDevice) {
		t.Fatalf("second remove err = %v", err)
	}
}

func testAgent(id int, hw string) *agentSession {
	return &agentSession{device: Device{ID: id, Name: "device-" + strconv.Itoa(id), HardwareID: hw}, tunnels: make(map[string]*tunnel)}
}

func TestAgentRegistry(t *testing.T) {
	s := newServerState()
	a2 := testAgent(2, "hw-2")
	a1 := testAgent(1, "hw-1")
	s.registerAgent(a2)
	s.registerAgent(a1)

	cases := []struct {
		name string
		want *agentSession
	}{
		{"", a1},
		{"device-2", a2},
		{"device-9", nil},
	}
	for _, tc := range cases {
		if got := s.getAgent(tc.name); got != tc.want {
			t.Errorf("getAgent(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}

	replacement := testAgent(2, "hw-2")
	if old := s.registerAgent(replacement); old != a2 {
		t.Fatal("replaced session not returned")
	}
	// Removing the stale session must not unregister its replacement.
	s.removeAgent(a2)
	if s.getAgent("device-2") != replacement {
		t.Fatal("replacement lost")
	}
	if got := s.onlineAgents(); len(got) != 2 || got[0] != a1 {
		t.Fatalf("online = %v", got)
	}
}

func TestPendingRemovedWithAgent(t *testing.T) {
	s := newServerState()
	a := testAgent(1, "hw-1")
	other := testAgent(2, "hw-2")
	s.registerAgent(a)
	s.registerAgent(other)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s.setPending(newPending("p1", kindTunnel, a, c1, time.Minute))
	s.setPending(newPending("p2", kindRequest, other, c1, time.Minute))

	orphaned := s.removeAgent(a)
	if len(orphaned) != 1 || orphaned[0].id != "p1" {
		t.Fatalf("orphaned = %v", orphaned)
	}
	if s.popPending("p1") != nil {
		t.Fatal("orphaned pending still present")
	}
	if s.popPending("p2") == nil {
		t.Fatal("other agent's pending removed")
	}
}

func TestCleanupExpiredPending(t *testing.T) {
	s := newServerState()
	a := testAgent(1, "hw-1")
	s.setPending(newPending("old", kindTunnel, a, nil, time.Millisecond))
	s.setPending(newPending("new", kindRequest, a, nil, time.Hour))

	expired := s.cleanupExpiredPending(time.Now().Add(time.Second))
	if len(expired) != 1 || expired[0].id != "old" {
		t.Fatalf("expired = %v", expired)
	}
	if _, pending, _, timeouts := s.getStats(); pending != 1 || timeouts != 1 {
		t.Fatalf("pending=%d timeouts=%d", pending, timeouts)
	}

	s.setClosing(true)
	if all := s.cleanupExpiredPending(time.Now()); len(all) != 1 {
		t.Fatalf("closing sweep = %v", all)
	}
}

func TestPendingFinishOnce(t *testing.T) {
	p := newPending("x", kindTunnel, nil, nil, time.Second)
	p.finish(outcomeGone, nil)
	p.finish(outcomeReady, nil)
	<-p.done
	if p.outcome != outcomeGone {
		t.Fatalf("outcome = %v", p.outcome)
	}
}

func TestOpenStateStoreMemory(t *testing.T) {
	s, err := openStateStore(context.Background(), Config{PairingTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*serverState); !ok {
		t.Fatalf("backend = %T", s)
	}
}
