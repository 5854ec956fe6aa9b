package control

import "fmt"

// State is the lifecycle of the single control connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Event is an input to the Machine.
type Event int

const (
	EvConnect          Event = iota // user asked to connect
	EvRetry                         // scheduled reconnect fired
	EvNetworkAvailable              // host gained a usable network
	EvOpened                        // handshake completed
	EvDialFailed                    // handshake or transport failure before open
	EvUnauthorized                  // relay answered the handshake with 401
	EvNoToken                       // not onboarded and no pairing token known
	EvClosedNormal                  // open connection ended with close code 1000
	EvClosedAbnormal                // open connection failed or closed otherwise
	EvDisconnect                    // user asked to disconnect
	EvOffboard                      // relay or user asked to offboard
)

var eventNames = [...]string{
	"connect", "retry", "network_available", "opened", "dial_failed",
	"unauthorized", "no_token", "closed_normal", "closed_abnormal", "disconnect", "offboard",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Action is a side effect the Manager performs after a transition.
type Action int

const (
	ActDial Action = iota
	ActCancelDial
	ActAttach
	ActCloseNormal
	ActTeardown
	ActScheduleRetry
	ActScheduleNetworkRetry
	ActCancelRetry
	ActClearOnboarding
	ActResetIdentity
	ActStop
	ActAnnounceConnecting
	ActAnnounceOnline
	ActAnnounceOffline
	ActAnnounceUnauthorized
	ActAnnounceNoToken
)

var actionNames = [...]string{
	"dial", "cancel_dial", "attach", "close_normal", "teardown", "schedule_retry",
	"schedule_network_retry", "cancel_retry", "clear_onboarding", "reset_identity", "stop",
	"announce_connecting", "announce_online", "announce_offline", "announce_unauthorized", "announce_no_token",
}

func (a Action) String() string {
	if int(a) >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Machine is the connection lifecycle without any I/O. It is not safe for
// concurrent use; the Manager's event loop owns it.
type Machine struct {
	state        State
	enabled      bool // auto-reconnect allowed
	attempts     int
	maxAttempts  int
	retryPending bool
	// netRetry marks the pending retry as the short network-available one.
	netRetry bool
}

func NewMachine(maxAttempts int) *Machine {
	return &Machine{maxAttempts: maxAttempts}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Attempts() int { return m.attempts }
func (m *Machine) Enabled() bool { return m.enabled }
func (m *Machine) RetryPending() bool { return m.retryPending }

type transition func(m *Machine) (State, []Action)

type key struct {
	from State
	ev   Event
}

// Pairs missing from the table are ignored.
var transitions = map[key]transition{
	{StateDisconnected, EvConnect}: func(m *Machine) (State, []Action) {
		m.enabled = true
		m.attempts = 0
		acts := m.cancelRetry()
		return StateConnecting, append(acts, ActAnnounceConnecting, ActDial)
	},
	{StateDisconnected, EvRetry}: func(m *Machine) (State, []Action) {
		pending := m.retryPending
		m.retryPending = false
		m.netRetry = false
		if !pending || !m.enabled {
			return StateDisconnected, nil
		}
		return StateConnecting, []Action{ActAnnounceConnecting, ActDial}
	},
	{StateDisconnected, EvNetworkAvailable}: func(m *Machine) (State, []Action) {
		if !m.enabled || m.netRetry {
			return StateDisconnected, nil
		}
		// A pending backoff retry is replaced by the shorter network one.
		acts := m.cancelRetry()
		m.attempts = 0
		m.retryPending = true
		m.netRetry = true
		return StateDisconnected, append(acts, ActScheduleNetworkRetry)
	},
	{StateDisconnected, EvDisconnect}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, append(m.cancelRetry(), ActAnnounceOffline)
	},
	{StateDisconnected, EvOffboard}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, append(m.cancelRetry(), ActAnnounceOffline, ActResetIdentity, ActStop)
	},

	{StateConnecting, EvOpened}: func(m *Machine) (State, []Action) {
		m.attempts = 0
		return StateConnected, []Action{ActAttach, ActAnnounceOnline}
	},
	{StateConnecting, EvDialFailed}: func(m *Machine) (State, []Action) {
		return StateDisconnected, append([]Action{ActAnnounceOffline}, m.retry()...)
	},
	{StateConnecting, EvUnauthorized}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, []Action{ActClearOnboarding, ActAnnounceUnauthorized}
	},
	{StateConnecting, EvNoToken}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, []Action{ActAnnounceNoToken}
	},
	{StateConnecting, EvDisconnect}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, []Action{ActCancelDial, ActAnnounceOffline}
	},
	{StateConnecting, EvOffboard}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, []Action{ActCancelDial, ActAnnounceOffline, ActResetIdentity, ActStop}
	},

	{StateConnected, EvClosedNormal}: func(m *Machine) (State, []Action) {
		return StateDisconnected, []Action{ActTeardown, ActAnnounceOffline}
	},
	{StateConnected, EvClosedAbnormal}: func(m *Machine) (State, []Action) {
		return StateDisconnected, append([]Action{ActTeardown, ActAnnounceOffline}, m.retry()...)
	},
	{StateConnected, EvDisconnect}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, []Action{ActCloseNormal, ActTeardown, ActAnnounceOffline}
	},
	{StateConnected, EvOffboard}: func(m *Machine) (State, []Action) {
		m.enabled = false
		return StateDisconnected, []Action{ActCloseNormal, ActTeardown, ActAnnounceOffline, ActResetIdentity, ActStop}
	},
}

// retry schedules a reconnect while enabled, none is pending, and the
// attempt budget is not spent.
func (m *Machine) retry() []Action {
	if !m.enabled || m.retryPending || m.attempts >= m.maxAttempts {
		return nil
	}
	m.attempts++
	m.retryPending = true
	return []Action{ActScheduleRetry}
}

func (m *Machine) cancelRetry() []Action {
	if !m.retryPending {
		return nil
	}
	m.retryPending = false
	m.netRetry = false
	return []Action{ActCancelRetry}
}

// Handle applies ev and returns the actions to perform, in order. Events
// with no transition from the current state return nil.
func (m *Machine) Handle(ev Event) []Action {
	t, ok := transitions[key{m.state, ev}]
	if !ok {
		return nil
	}
	next, acts := t(m)
	m.state = next
	return acts
}
