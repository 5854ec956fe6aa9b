package main

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/proxyagent/internal/proto"
)

var (
	errUnknownToken  = errors.New("unknown or expired pairing token")
	errUnknownDevice = errors.New("unknown device")
)

// Device is an onboarded agent, keyed by its hardware id.
type Device struct {
	ID         int       `json:"device_id"`
	Name       string    `json:"device_name"`
	Username   string    `json:"username"`
	HardwareID string    `json:"hw_id"`
	Platform   string    `json:"platform"`
	Created    time.Time `json:"created"`
}

func (d Device) welcome() proto.Welcome {
	return proto.Welcome{DeviceID: d.ID, DeviceName: d.Name, Username: d.Username}
}

// agentSession is one live agent websocket. conn is only valid on the
// instance that accepted it.
type agentSession struct {
	device Device
	conn   *websocket.Conn
	remote string
	ip     string
	since  time.Time

	wmu sync.Mutex

	mu      sync.Mutex
	tunnels map[string]*tunnel
	closed  bool
}

// tunnel is an established CONNECT stream: a proxy client socket paired
// with a stream id on the agent.
type tunnel struct {
	id      string
	conn    net.Conn
	started time.Time
}

type pendingKind int

const (
	kindTunnel pendingKind = iota
	kindRequest
)

func (k pendingKind) String() string {
	if k == kindTunnel {
		return "tunnel"
	}
	return "request"
}

type outcome int

const (
	outcomeReady   outcome = iota
	outcomeRefused         // agent closed the stream before CONNECTED
	outcomeGone            // agent disconnected
	outcomeExpired
)

// pendingInfo tracks a proxy client waiting for the agent to answer a
// CONNECT or a REQUEST. Whoever pops it from the store resolves it.
type pendingInfo struct {
	id      string
	kind    pendingKind
	agent   *agentSession
	conn    net.Conn
	created time.Time
	expires time.Time

	once    sync.Once
	done    chan struct{}
	outcome outcome
	resp    proto.HTTPResponse
}

func newPending(id string, kind pendingKind, a *agentSession, conn net.Conn, timeout time.Duration) *pendingInfo {
	now := time.Now()
	return &pendingInfo{id: id, kind: kind, agent: a, conn: conn, created: now, expires: now.Add(timeout), done: make(chan struct{})}
}

// finish records the outcome and wakes the waiter. Only the first call counts.
func (p *pendingInfo) finish(o outcome, resp *proto.HTTPResponse) {
	p.once.Do(func() {
		p.outcome = o
		if resp != nil {
			p.resp = *resp
		}
		close(p.done)
	})
}
