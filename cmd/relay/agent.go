package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/proxyagent/internal/frame"
	"github.com/matst80/proxyagent/internal/httpx"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/ratelimit"
)

const (
	writeWait    = 10 * time.Second
	maxAgentRead = 64 << 20
)

// relay ties the agent endpoint, the proxy listener and the admin API to
// one state store.
type relay struct {
	cfg      Config
	state    StateStore
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
}

func newRelay(cfg Config, state StateStore) *relay {
	return &relay{
		cfg:      cfg,
		state:    state,
		limiter:  ratelimit.New(cfg.Limits),
		upgrader: websocket.Upgrader{ReadBufferSize: 32 * 1024, WriteBufferSize: 32 * 1024},
	}
}

func (rl *relay) agentMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", rl.handleAgent)
	return mux
}

// authenticate admits a pairing token (creating or refreshing the device)
// or an already known hardware id.
func (rl *relay) authenticate(hwID, token, platform string) (Device, error) {
	if token != "" {
		username, err := rl.state.consumePairingToken(token)
		if err == nil {
			return rl.state.registerDevice(hwID, username, platform)
		}
		if !errors.Is(err, errUnknownToken) {
			return Device{}, err
		}
	}
	return rl.state.lookupDevice(hwID)
}

func (rl *relay) handleAgent(w http.ResponseWriter, r *http.Request) {
	if rl.state.isClosing() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	hwID := strings.TrimSpace(q.Get("hw_id"))
	if hwID == "" {
		obs.ErrorsTotal.WithLabelValues("agent_hw_id").Inc()
		http.Error(w, "missing hw_id", http.StatusBadRequest)
		return
	}
	dev, err := rl.authenticate(hwID, strings.TrimSpace(q.Get("token")), q.Get("platform"))
	if err != nil {
		obs.Warn("agent.auth.rejected", obs.Fields{"hw_id": hwID, "remote": r.RemoteAddr, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("agent_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("agent.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		return
	}
	a := &agentSession{
		device:  dev,
		conn:    conn,
		remote:  r.RemoteAddr,
		ip:      q.Get("ip"),
		since:   time.Now(),
		tunnels: make(map[string]*tunnel),
	}
	if old := rl.state.registerAgent(a); old != nil {
		rl.dropAgent(old, "replaced")
	}
	welcome, _ := proto.WelcomeMessage(dev.welcome())
	if err := a.sendText(welcome); err != nil {
		obs.Error("agent.welcome", obs.Fields{"err": err.Error(), "device": dev.Name})
		rl.dropAgent(a, "welcome_failed")
		return
	}
	obs.Info("agent.connected", obs.Fields{"device": dev.Name, "device_id": dev.ID, "hw_id": hwID, "ip": a.ip, "platform": dev.Platform, "remote": r.RemoteAddr})
	rl.serveAgent(a)
}

// serveAgent is the read loop of one agent socket.
func (rl *relay) serveAgent(a *agentSession) {
	idle := 3 * rl.cfg.PingInterval
	a.conn.SetReadLimit(maxAgentRead)
	_ = a.conn.SetReadDeadline(time.Now().Add(idle))
	a.conn.SetPingHandler(func(data string) error {
		_ = a.conn.SetReadDeadline(time.Now().Add(idle))
		err := a.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	reason := "closed"
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				reason = "normal"
			} else if !errors.Is(err, websocket.ErrCloseSent) {
				reason = "read_error"
				obs.Debug("agent.read", obs.Fields{"device": a.device.Name, "err": err.Error()})
			}
			break
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(idle))
		switch mt {
		case websocket.BinaryMessage:
			rl.agentFrame(a, data)
		case websocket.TextMessage:
			rl.agentMessage(a, data)
		}
	}
	rl.dropAgent(a, reason)
}

func (rl *relay) agentFrame(a *agentSession, data []byte) {
	f, ok := frame.Decode(data)
	if !ok {
		obs.ErrorsTotal.WithLabelValues("agent_frame").Inc()
		return
	}
	switch f.Type {
	case frame.TypeData:
		rl.deliver(a, f.StreamID, f.Data)
	case frame.TypeClose:
		rl.endTunnel(a, f.StreamID, false)
	default:
		obs.ErrorsTotal.WithLabelValues("agent_frame_type").Inc()
	}
}

func (rl *relay) agentMessage(a *agentSession, data []byte) {
	m, err := proto.Decode(data)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("agent_json").Inc()
		obs.Debug("agent.message.malformed", obs.Fields{"device": a.device.Name, "err": err.Error()})
		return
	}
	switch m.Type {
	case proto.TypeConnected:
		rl.established(a, m.ID)
	case proto.TypeResponse:
		if p := rl.state.popPending(m.ID); p != nil {
			p.finish(outcomeReady, m.Response)
		} else {
			obs.Debug("agent.response.late", obs.Fields{"id": m.ID})
		}
	case proto.TypeClose:
		if p := rl.state.popPending(m.ID); p != nil {
			p.finish(outcomeRefused, nil)
			return
		}
		rl.endTunnel(a, m.ID, false)
	case proto.TypeData:
		rl.deliver(a, m.ID, m.Data)
	default:
		obs.ErrorsTotal.WithLabelValues("agent_message").Inc()
		obs.Debug("agent.message.unhandled", obs.Fields{"type": m.Type, "id": m.ID})
	}
}

// established answers the proxy client of a pending CONNECT. It runs on the
// read loop so the 200 line reaches the client before any stream data.
func (rl *relay) established(a *agentSession, id string) {
	p := rl.state.popPending(id)
	if p == nil || p.kind != kindTunnel {
		obs.Debug("agent.connected.late", obs.Fields{"id": id})
		if b, err := proto.Close(id); err == nil {
			_ = a.sendText(b)
		}
		if p != nil {
			p.finish(outcomeRefused, nil)
		}
		return
	}
	t := &tunnel{id: id, conn: p.conn, started: time.Now()}
	if !a.addTunnel(t) {
		p.finish(outcomeGone, nil)
		return
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := httpx.WriteStatus(p.conn, http.StatusOK); err != nil {
		a.removeTunnel(id)
		if b, err := proto.Close(id); err == nil {
			_ = a.sendText(b)
		}
		p.finish(outcomeRefused, nil)
		return
	}
	p.finish(outcomeReady, nil)
}

func (rl *relay) deliver(a *agentSession, id string, data []byte) {
	t := a.tunnel(id)
	if t == nil {
		obs.Debug("agent.data.unknown", obs.Fields{"id": id, "bytes": len(data)})
		return
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := t.conn.Write(data); err != nil {
		obs.Debug("tunnel.write", obs.Fields{"id": id, "err": err.Error()})
		rl.endTunnel(a, id, true)
	}
}

// endTunnel closes the client side of id. notify tells the agent to close
// its end too. It reports whether the tunnel was still open.
func (rl *relay) endTunnel(a *agentSession, id string, notify bool) bool {
	t := a.removeTunnel(id)
	if t == nil {
		return false
	}
	t.close()
	if notify {
		if b, err := proto.Close(id); err == nil {
			_ = a.sendText(b)
		}
	}
	obs.Debug("tunnel.closed", obs.Fields{"id": id, "device": a.device.Name, "by_relay": notify})
	return true
}

// dropAgent unregisters a, fails its pending exchanges and closes its tunnels.
func (rl *relay) dropAgent(a *agentSession, reason string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	tunnels := a.tunnels
	a.tunnels = nil
	a.mu.Unlock()

	_ = a.conn.Close()
	for _, p := range rl.state.removeAgent(a) {
		p.finish(outcomeGone, nil)
	}
	for _, t := range tunnels {
		t.close()
	}
	obs.Info("agent.disconnected", obs.Fields{"device": a.device.Name, "reason": reason, "tunnels": len(tunnels)})
}

func (a *agentSession) send(mt int, b []byte) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(mt, b)
}

func (a *agentSession) sendText(b []byte) error   { return a.send(websocket.TextMessage, b) }
func (a *agentSession) sendBinary(b []byte) error { return a.send(websocket.BinaryMessage, b) }

func (a *agentSession) addTunnel(t *tunnel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.tunnels[t.id] = t
	return true
}

func (a *agentSession) tunnel(id string) *tunnel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tunnels[id]
}

func (a *agentSession) removeTunnel(id string) *tunnel {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.tunnels[id]
	delete(a.tunnels, id)
	return t
}

func (a *agentSession) tunnelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tunnels)
}

func (t *tunnel) close() {
	_ = t.conn.Close()
	obs.TunnelDurationSeconds.Observe(time.Since(t.started).Seconds())
}
