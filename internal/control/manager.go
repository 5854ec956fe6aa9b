// Package control owns the agent's single websocket connection to the relay:
// dialing, reconnecting, dispatching relay messages, and tearing down every
// stream and request when the connection ends.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/matst80/proxyagent/internal/httpx"
	"github.com/matst80/proxyagent/internal/identity"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/stream"
	"github.com/matst80/proxyagent/internal/telemetry"
)

var (
	// ErrOffboarded ends Run after the relay or the user offboarded the agent.
	ErrOffboarded   = errors.New("control: agent offboarded")
	ErrUnauthorized = errors.New("control: relay rejected credentials")
	ErrNoToken      = errors.New("control: no pairing token")
)

// Status is the user-visible connection status string.
type Status string

const (
	StatusOffline      Status = "OFFLINE"
	StatusConnecting   Status = "CONNECTING..."
	StatusOnline       Status = "ONLINE"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusNoToken      Status = "ERROR: No token"
)

// Observer receives status changes and onboarding credentials. Calls come
// from the manager's event loop and must not block.
type Observer interface {
	StatusChanged(Status)
	CredentialsReceived(proto.Welcome)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(Status)              {}
func (nopObserver) CredentialsReceived(proto.Welcome) {}

type Config struct {
	RelayURL             string
	Platform             string
	PublicIPURL          string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	NetworkRetryDelay    time.Duration
	PingInterval         time.Duration
	HandshakeTimeout     time.Duration
	Stream               stream.Config
	HTTP                 httpx.ExecConfig
}

func DefaultConfig() Config {
	return Config{
		Platform:             runtime.GOOS,
		PublicIPURL:          "https://api.ipify.org?format=text",
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Second,
		NetworkRetryDelay:    500 * time.Millisecond,
		PingInterval:         30 * time.Second,
		HandshakeTimeout:     15 * time.Second,
		Stream:               stream.DefaultConfig(),
		HTTP:                 httpx.DefaultExecConfig(),
	}
}

type evKind int

const (
	kindMachine evKind = iota
	kindWelcome
)

type event struct {
	kind    evKind
	ev      Event
	attempt uint64   // dial results
	ch      *channel // channel results
	conn    *websocket.Conn
	token   string
	welcome proto.Welcome
	err     error
}

// Manager is the single owner of the control connection. All state changes
// happen on the Run goroutine; the exported commands only post events.
type Manager struct {
	cfg      Config
	store    identity.Store
	observer Observer
	counter  *telemetry.Counter
	exec     *httpx.Executor
	dialer   *websocket.Dialer

	events chan event
	done   chan struct{}

	state  atomic.Int32
	status atomic.Value

	// Owned by Run.
	machine    *Machine
	attempt    uint64
	dialCancel context.CancelFunc
	ch         *channel
	retry      *time.Timer
	backoff    *backoff.Backoff
	stopped    bool

	runOnce sync.Once
}

func New(cfg Config, store identity.Store, observer Observer, counter *telemetry.Counter) *Manager {
	def := DefaultConfig()
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.NetworkRetryDelay <= 0 {
		cfg.NetworkRetryDelay = def.NetworkRetryDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if counter == nil {
		counter = &telemetry.Counter{}
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		observer: observer,
		counter:  counter,
		exec:     httpx.NewExecutor(counter, cfg.HTTP),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		machine: NewMachine(cfg.MaxReconnectAttempts),
		backoff: reconnectBackoff(cfg.ReconnectDelay),
	}
	m.status.Store(StatusOffline)
	return m
}

// reconnectBackoff waits d before the first retry. Later retries of the same
// outage spread out with jitter, up to a quarter longer, so a fleet does not
// redial a restarted relay in lockstep.
func reconnectBackoff(d time.Duration) *backoff.Backoff {
	return &backoff.Backoff{Min: d, Max: d + d/4, Factor: 1.1, Jitter: true}
}

// Connect starts a connection. A non-empty token is stored as the pairing
// token first. It is a no-op while connecting or connected.
func (m *Manager) Connect(token string) {
	m.post(event{kind: kindMachine, ev: EvConnect, token: token})
}

// Disconnect closes the connection normally and cancels pending retries.
func (m *Manager) Disconnect() { m.post(event{kind: kindMachine, ev: EvDisconnect}) }

// Offboard disconnects, wipes the identity except the hardware id, and ends Run.
func (m *Manager) Offboard() { m.post(event{kind: kindMachine, ev: EvOffboard}) }

// NetworkAvailable is the host's signal that connectivity returned.
func (m *Manager) NetworkAvailable() { m.post(event{kind: kindMachine, ev: EvNetworkAvailable}) }

func (m *Manager) State() State   { return State(m.state.Load()) }
func (m *Manager) Status() Status { return m.status.Load().(Status) }

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run processes events until ctx is done or the agent is offboarded. It must
// be called once.
func (m *Manager) Run(ctx context.Context) error {
	err := errors.New("control: Run called twice")
	m.runOnce.Do(func() { err = m.run(ctx) })
	return err
}

func (m *Manager) run(ctx context.Context) error {
	defer close(m.done)
	obs.Info("control.start", obs.Fields{"relay": m.cfg.RelayURL, "platform": m.cfg.Platform})
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ctx, ev)
			if m.stopped {
				m.shutdown()
				return ErrOffboarded
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	if m.stale(ev) {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		obs.Debug("control.event.stale", obs.Fields{"event": ev.ev.String()})
		return
	}
	if ev.kind == kindWelcome {
		m.saveCredentials(ctx, ev.welcome)
		return
	}
	if isDialResult(ev.ev) {
		m.endDial()
	}
	if ev.ev == EvConnect && ev.token != "" {
		if err := identity.SetPairingToken(ctx, m.store, ev.token); err != nil {
			obs.Error("control.token.save_failed", obs.Fields{"err": err.Error()})
		}
	}

	from := m.machine.State()
	acts := m.machine.Handle(ev.ev)
	to := m.machine.State()
	m.state.Store(int32(to))
	obs.ControlState.Set(float64(to))
	if from != to || len(acts) > 0 {
		f := obs.Fields{"event": ev.ev.String(), "from": from.String(), "to": to.String()}
		if ev.err != nil {
			f["err"] = ev.err.Error()
		}
		obs.Info("control.transition", f)
	}
	for _, a := range acts {
		m.apply(ctx, a, ev)
	}
}

func isDialResult(e Event) bool {
	switch e {
	case EvOpened, EvDialFailed, EvUnauthorized, EvNoToken:
		return true
	}
	return false
}

// stale drops results of dials and connections that are no longer current.
func (m *Manager) stale(ev event) bool {
	switch {
	case ev.kind == kindWelcome:
		return ev.ch != m.ch
	case isDialResult(ev.ev):
		return ev.attempt != m.attempt || m.dialCancel == nil
	case ev.ev == EvClosedNormal, ev.ev == EvClosedAbnormal:
		return ev.ch == nil || ev.ch != m.ch
	case ev.ev == EvOffboard && ev.ch != nil:
		return ev.ch != m.ch
	}
	return false
}

func (m *Manager) apply(ctx context.Context, a Action, ev event) {
	switch a {
	case ActDial:
		m.attempt++
		dctx, cancel := context.WithCancel(ctx)
		m.dialCancel = cancel
		go m.dial(dctx, m.attempt)
	case ActCancelDial:
		m.endDial()
	case ActAttach:
		m.backoff.Reset()
		m.ch = newChannel(ctx, ev.conn, m.cfg, m.counter, m.exec, m.post)
		m.ch.start()
	case ActCloseNormal:
		if m.ch != nil {
			m.ch.closeNormal()
		}
	case ActTeardown:
		if m.ch != nil {
			m.ch.teardown()
			m.ch = nil
		}
	case ActScheduleRetry:
		d := m.backoff.Duration()
		obs.ReconnectAttemptsTotal.Inc()
		obs.Info("control.retry.scheduled", obs.Fields{"in": d.String(), "attempt": m.machine.Attempts(), "max": m.cfg.MaxReconnectAttempts})
		m.schedule(d)
	case ActScheduleNetworkRetry:
		obs.Info("control.retry.network", obs.Fields{"in": m.cfg.NetworkRetryDelay.String()})
		m.schedule(m.cfg.NetworkRetryDelay)
	case ActCancelRetry:
		if m.retry != nil {
			m.retry.Stop()
			m.retry = nil
		}
	case ActClearOnboarding:
		if err := identity.ClearOnboarding(ctx, m.store); err != nil {
			obs.Error("control.identity.clear_failed", obs.Fields{"err": err.Error()})
		}
	case ActResetIdentity:
		if err := identity.Reset(ctx, m.store); err != nil {
			obs.Error("control.identity.reset_failed", obs.Fields{"err": err.Error()})
		}
	case ActStop:
		m.stopped = true
	case ActAnnounceConnecting:
		m.announce(StatusConnecting)
	case ActAnnounceOnline:
		m.announce(StatusOnline)
	case ActAnnounceOffline:
		m.announce(StatusOffline)
	case ActAnnounceUnauthorized:
		m.announce(StatusUnauthorized)
	case ActAnnounceNoToken:
		m.announce(StatusNoToken)
	}
}

func (m *Manager) endDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	// Any result still in flight now belongs to an old attempt.
	m.attempt++
}

func (m *Manager) schedule(d time.Duration) {
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = time.AfterFunc(d, func() { m.post(event{kind: kindMachine, ev: EvRetry}) })
}

func (m *Manager) announce(s Status) {
	if m.Status() == s {
		return
	}
	m.status.Store(s)
	m.observer.StatusChanged(s)
}

func (m *Manager) saveCredentials(ctx context.Context, w proto.Welcome) {
	if err := identity.SaveCredentials(ctx, m.store, w); err != nil {
		obs.Error("control.identity.save_failed", obs.Fields{"err": err.Error()})
		return
	}
	obs.Info("control.welcome", obs.Fields{"device_id": w.DeviceID, "device_name": w.DeviceName})
	m.observer.CredentialsReceived(w)
}

func (m *Manager) shutdown() {
	m.endDial()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.ch != nil {
		m.ch.closeNormal()
		m.ch.teardown()
		m.ch = nil
	}
	m.state.Store(int32(StateDisconnected))
	obs.ControlState.Set(float64(StateDisconnected))
	m.announce(StatusOffline)
	obs.Info("control.stop", nil)
}

// dial runs off the event loop and reports exactly one result event.
func (m *Manager) dial(ctx context.Context, attempt uint64) {
	conn, err := m.open(ctx)
	ev := event{kind: kindMachine, attempt: attempt, conn: conn, err: err}
	switch {
	case err == nil:
		ev.ev = EvOpened
	case errors.Is(err, ErrNoToken):
		ev.ev = EvNoToken
	case errors.Is(err, ErrUnauthorized):
		ev.ev = EvUnauthorized
	default:
		ev.ev = EvDialFailed
	}
	m.post(ev)
}

func (m *Manager) open(ctx context.Context) (*websocket.Conn, error) {
	hw, err := identity.EnsureHardwareID(ctx, m.store)
	if err != nil {
		return nil, err
	}
	id, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	token := ""
	if !id.Onboarded {
		token = id.PairingToken
		if token == "" {
			return nil, ErrNoToken
		}
	}
	ip := PublicIP(ctx, m.cfg.PublicIPURL)
	u, err := BuildURL(m.cfg.RelayURL, hw, ip, m.cfg.Platform, token)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	if origin := OriginFor(m.cfg.RelayURL); origin != "" {
		hdr.Set("Origin", origin)
	}
	obs.Info("control.dial", obs.Fields{"relay": m.cfg.RelayURL, "onboarded": id.Onboarded, "ip": ip})
	conn, resp, err := m.dialer.DialContext(ctx, u, hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// BuildURL adds the connection query parameters to relay. The pairing token
// is only sent while the agent is not onboarded.
func BuildURL(relay, hwID, ip, platform, token string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("hw_id", hwID)
	q.Set("ip", ip)
	q.Set("platform", platform)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OriginFor maps ws/wss relay URLs to the matching http/https origin.
func OriginFor(relay string) string {
	u, err := url.Parse(relay)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
