package control

import (
	"reflect"
	"testing"
)

func run(m *Machine, evs ...Event) []Action {
	var out []Action
	for _, ev := range evs {
		out = append(out, m.Handle(ev)...)
	}
	return out
}

func count(acts []Action, a Action) int {
	n := 0
	for _, x := range acts {
		if x == a {
			n++
		}
	}
	return n
}

func TestReconnectCap(t *testing.T) {
	m := NewMachine(3)
	acts := m.Handle(EvConnect)
	if !reflect.DeepEqual(acts, []Action{ActAnnounceConnecting, ActDial}) {
		t.Fatalf("connect actions %v", acts)
	}
	var scheduled int
	for i := 0; i < 10; i++ {
		acts = m.Handle(EvDialFailed)
		if count(acts, ActScheduleRetry) == 0 {
			break
		}
		scheduled++
		if got := m.Handle(EvRetry); count(got, ActDial) != 1 {
			t.Fatalf("retry %d did not dial: %v", i, got)
		}
	}
	if scheduled != 3 {
		t.Fatalf("scheduled %d retries, want 3", scheduled)
	}
	if m.State() != StateDisconnected || m.RetryPending() {
		t.Fatalf("state %v pending %v", m.State(), m.RetryPending())
	}
}

func TestOpenResetsAttempts(t *testing.T) {
	m := NewMachine(3)
	run(m, EvConnect, EvDialFailed, EvRetry, EvDialFailed, EvRetry)
	if m.Attempts() != 2 {
		t.Fatalf("attempts = %d", m.Attempts())
	}
	acts := m.Handle(EvOpened)
	if !reflect.DeepEqual(acts, []Action{ActAttach, ActAnnounceOnline}) || m.Attempts() != 0 {
		t.Fatalf("opened: %v attempts %d", acts, m.Attempts())
	}
	acts = m.Handle(EvClosedAbnormal)
	if !reflect.DeepEqual(acts, []Action{ActTeardown, ActAnnounceOffline, ActScheduleRetry}) {
		t.Fatalf("abnormal close: %v", acts)
	}
}

func TestAuthRejectionSchedulesNothing(t *testing.T) {
	m := NewMachine(3)
	acts := run(m, EvConnect, EvUnauthorized)
	if count(acts, ActClearOnboarding) != 1 || count(acts, ActAnnounceUnauthorized) != 1 {
		t.Fatalf("actions %v", acts)
	}
	if m.Enabled() {
		t.Fatal("still enabled after 401")
	}
	if acts := run(m, EvNetworkAvailable, EvRetry, EvDialFailed); len(acts) != 0 {
		t.Fatalf("retry after 401: %v", acts)
	}
}

func TestNoTokenAborts(t *testing.T) {
	m := NewMachine(3)
	acts := run(m, EvConnect, EvNoToken)
	if acts[len(acts)-1] != ActAnnounceNoToken || m.Enabled() || m.State() != StateDisconnected {
		t.Fatalf("actions %v", acts)
	}
}

func TestSingleFlightConnect(t *testing.T) {
	m := NewMachine(3)
	m.Handle(EvConnect)
	if acts := m.Handle(EvConnect); acts != nil {
		t.Fatalf("second connect while connecting: %v", acts)
	}
	m.Handle(EvOpened)
	if acts := m.Handle(EvConnect); acts != nil {
		t.Fatalf("connect while connected: %v", acts)
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	m := NewMachine(3)
	acts := run(m, EvConnect, EvOpened, EvClosedNormal)
	if count(acts, ActScheduleRetry) != 0 || count(acts, ActTeardown) != 1 {
		t.Fatalf("actions %v", acts)
	}
}

func TestDisconnect(t *testing.T) {
	cases := []struct {
		name  string
		setup []Event
		want  []Action
	}{
		{"connected", []Event{EvConnect, EvOpened}, []Action{ActCloseNormal, ActTeardown, ActAnnounceOffline}},
		{"connecting", []Event{EvConnect}, []Action{ActCancelDial, ActAnnounceOffline}},
		{"retry pending", []Event{EvConnect, EvDialFailed}, []Action{ActCancelRetry, ActAnnounceOffline}},
	}
	for _, tc := range cases {
		m := NewMachine(3)
		run(m, tc.setup...)
		if got := m.Handle(EvDisconnect); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: %v, want %v", tc.name, got, tc.want)
		}
		if m.State() != StateDisconnected || m.Enabled() || m.RetryPending() {
			t.Errorf("%s: left state %v enabled=%v", tc.name, m.State(), m.Enabled())
		}
		if acts := m.Handle(EvRetry); acts != nil {
			t.Errorf("%s: stale retry acted: %v", tc.name, acts)
		}
	}
}

func TestNetworkAvailable(t *testing.T) {
	m := NewMachine(3)
	if acts := m.Handle(EvNetworkAvailable); acts != nil {
		t.Fatalf("network signal before any connect: %v", acts)
	}
	run(m, EvConnect, EvDialFailed, EvRetry, EvDialFailed, EvRetry, EvDialFailed, EvRetry, EvDialFailed)
	if m.RetryPending() {
		t.Fatal("budget should be spent")
	}
	acts := m.Handle(EvNetworkAvailable)
	if !reflect.DeepEqual(acts, []Action{ActScheduleNetworkRetry}) || m.Attempts() != 0 {
		t.Fatalf("network available: %v attempts %d", acts, m.Attempts())
	}
	if acts := m.Handle(EvNetworkAvailable); acts != nil {
		t.Fatalf("duplicate network signal: %v", acts)
	}
	if acts := m.Handle(EvRetry); count(acts, ActDial) != 1 {
		t.Fatalf("network retry: %v", acts)
	}

	// A network signal during the backoff wait replaces the pending retry.
	m = NewMachine(3)
	run(m, EvConnect, EvDialFailed)
	if !m.RetryPending() || m.Attempts() != 1 {
		t.Fatalf("backoff retry not pending: attempts %d", m.Attempts())
	}
	acts = m.Handle(EvNetworkAvailable)
	if !reflect.DeepEqual(acts, []Action{ActCancelRetry, ActScheduleNetworkRetry}) || m.Attempts() != 0 || !m.RetryPending() {
		t.Fatalf("network during backoff: %v attempts %d", acts, m.Attempts())
	}
	if acts := m.Handle(EvNetworkAvailable); acts != nil {
		t.Fatalf("duplicate network signal during backoff: %v", acts)
	}
	if acts := m.Handle(EvRetry); count(acts, ActDial) != 1 || m.State() != StateConnecting {
		t.Fatalf("retry after network signal: %v", acts)
	}
}

func TestOffboardStops(t *testing.T) {
	for _, setup := range [][]Event{nil, {EvConnect}, {EvConnect, EvOpened}} {
		m := NewMachine(3)
		run(m, setup...)
		acts := m.Handle(EvOffboard)
		if count(acts, ActResetIdentity) != 1 || acts[len(acts)-1] != ActStop {
			t.Fatalf("offboard after %v: %v", setup, acts)
		}
	}
}

func TestStaleEventsIgnored(t *testing.T) {
	m := NewMachine(3)
	for _, ev := range []Event{EvOpened, EvDialFailed, EvClosedAbnormal, EvClosedNormal, EvUnauthorized} {
		if acts := m.Handle(ev); acts != nil || m.State() != StateDisconnected {
			t.Fatalf("%v from disconnected: %v", ev, acts)
		}
	}
}
