package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/matst80/proxyagent/internal/frame"
	"github.com/matst80/proxyagent/internal/httpx"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
)

const tunnelChunk = 32 * 1024

func (rl *relay) acceptProxy(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.proxy.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go rl.handleProxyConn(c)
	}
}

func (rl *relay) handleProxyConn(c net.Conn) {
	br := bufio.NewReader(c)
	_ = c.SetReadDeadline(time.Now().Add(rl.cfg.RequestTimeout))
	var pre []byte
	var realRemoteIP string
	if rl.cfg.EnableProxyProto {
		line, err := br.ReadString('\n')
		if err != nil {
			obs.Error("proxy.proxy_proto.read", obs.Fields{"err": err.Error()})
			_ = c.Close()
			return
		}
		if strings.HasPrefix(line, "PROXY ") {
			parts := strings.Fields(line)
			if len(parts) >= 6 {
				realRemoteIP = parts[2]
			}
		} else {
			pre = append(pre, []byte(line)...)
		}
	}
	parsed, _, err := httpx.ParseRequest(br, rl.cfg.MaxHeaderSize, pre)
	if err != nil {
		obs.Error("proxy.header", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("proxy_header").Inc()
		rl.reject(c, http.StatusBadRequest)
		return
	}
	user, pass, hasCreds := parsed.ProxyCredentials()
	if rl.cfg.ProxyPassword != "" && (!hasCreds || pass != rl.cfg.ProxyPassword) {
		obs.ErrorsTotal.WithLabelValues("proxy_auth").Inc()
		rl.reject(c, http.StatusProxyAuthRequired, httpx.Header{Name: "Proxy-Authenticate", Value: `Basic realm="proxyrelay"`})
		return
	}
	a := rl.state.getAgent(user)
	if a == nil {
		obs.Error("proxy.no_agent", obs.Fields{"device": user, "uri": parsed.URI})
		obs.ErrorsTotal.WithLabelValues("no_agent").Inc()
		rl.reject(c, http.StatusBadGateway)
		return
	}
	clientIP := realRemoteIP
	if clientIP == "" {
		clientIP = httpx.RemoteIPFromConn(c)
	}
	if parsed.Method == http.MethodConnect {
		rl.openTunnel(c, br, parsed, a)
		return
	}
	rl.relayRequest(c, br, parsed, a, clientIP)
}

func (rl *relay) reject(c net.Conn, status int, extra ...httpx.Header) {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	_ = httpx.WriteStatus(c, status, extra...)
	_ = c.Close()
}

// openTunnel asks the agent to dial the CONNECT target and, once it
// answers, pumps client bytes to the agent as binary frames.
func (rl *relay) openTunnel(c net.Conn, br *bufio.Reader, parsed *httpx.ProxyHeaders, a *agentSession) {
	if !rl.limiter.AllowTunnel(a.device.Name) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		rl.reject(c, http.StatusTooManyRequests)
		return
	}
	id := uuid.NewString()
	msg, err := proto.Connect(id, parsed.URI)
	if err != nil {
		rl.reject(c, http.StatusBadRequest)
		return
	}
	p := newPending(id, kindTunnel, a, c, rl.cfg.RequestTimeout)
	rl.state.setPending(p)
	if err := a.sendText(msg); err != nil {
		if rl.state.popPending(id) != nil {
			p.finish(outcomeGone, nil)
		}
	}
	if !rl.await(p, rl.cfg.RequestTimeout) {
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	_ = c.SetWriteDeadline(time.Time{})
	rl.state.incrementTunnelCount()
	obs.TunnelEstablishedTotal.Inc()
	obs.Info("tunnel.established", obs.Fields{"id": id, "target": parsed.URI, "device": a.device.Name})

	var sent int64
	buf := make([]byte, tunnelChunk)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			b, ferr := frame.Encode(frame.TypeData, id, buf[:n])
			if ferr != nil || a.sendBinary(b) != nil {
				break
			}
			sent += int64(n)
		}
		if err != nil {
			break
		}
	}
	rl.endTunnel(a, id, true)
	obs.Debug("tunnel.upstream.done", obs.Fields{"id": id, "sent": sizestr.ToString(sent)})
}

// relayRequest forwards a plain proxy request as one REQUEST and writes the
// agent's RESPONSE back.
func (rl *relay) relayRequest(c net.Conn, br *bufio.Reader, parsed *httpx.ProxyHeaders, a *agentSession, clientIP string) {
	if !rl.limiter.AllowRequest(a.device.Name) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		rl.reject(c, http.StatusTooManyRequests)
		return
	}
	if parsed.Get("Transfer-Encoding") != "" {
		rl.reject(c, http.StatusLengthRequired)
		return
	}
	n, err := parsed.ContentLength()
	if err != nil {
		rl.reject(c, http.StatusBadRequest)
		return
	}
	if n > rl.cfg.MaxBody {
		rl.reject(c, http.StatusRequestEntityTooLarge)
		return
	}
	body := make([]byte, n)
	k := copy(body, parsed.RawBodyStart)
	if _, err := io.ReadFull(br, body[k:]); err != nil {
		obs.Error("proxy.body", obs.Fields{"err": err.Error()})
		rl.reject(c, http.StatusBadRequest)
		return
	}
	if rl.cfg.AddXFF {
		parsed.AugmentXFF(clientIP)
	}
	parsed.Set("Via", "1.1 proxyrelay")
	req, err := parsed.ToRequest(body)
	if err != nil {
		obs.Error("proxy.request", obs.Fields{"err": err.Error(), "uri": parsed.URI})
		rl.reject(c, http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	msg, err := proto.Request(id, req)
	if err != nil {
		rl.reject(c, http.StatusBadRequest)
		return
	}
	start := time.Now()
	p := newPending(id, kindRequest, a, c, rl.cfg.ResponseTimeout)
	rl.state.setPending(p)
	if err := a.sendText(msg); err != nil {
		if rl.state.popPending(id) != nil {
			p.finish(outcomeGone, nil)
		}
	}
	if !rl.await(p, rl.cfg.ResponseTimeout) {
		return
	}
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	written, err := httpx.WriteResponse(c, p.resp)
	if err != nil {
		obs.Debug("proxy.response.write", obs.Fields{"id": id, "err": err.Error()})
	}
	_ = c.Close()
	obs.Info("proxy.request", obs.Fields{
		"id":       id,
		"method":   req.Method,
		"url":      req.URL,
		"status":   p.resp.Status,
		"bytes":    sizestr.ToString(written),
		"device":   a.device.Name,
		"duration": time.Since(start).String(),
	})
}

// await blocks until p resolves or timeout passes. On any outcome but ready
// it answers the client and closes the connection.
func (rl *relay) await(p *pendingInfo, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		if rl.state.popPending(p.id) != nil {
			rl.state.countTimeout()
			p.finish(outcomeExpired, nil)
		}
		<-p.done
	}
	switch p.outcome {
	case outcomeReady:
		return true
	case outcomeExpired:
		obs.Error("proxy.timeout", obs.Fields{"id": p.id, "kind": p.kind.String(), "device": p.agent.device.Name})
		obs.TunnelTimeoutTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("timeout").Inc()
		rl.reject(p.conn, http.StatusGatewayTimeout)
	default:
		obs.ErrorsTotal.WithLabelValues("agent_" + p.kind.String()).Inc()
		rl.reject(p.conn, http.StatusBadGateway)
	}
	return false
}

// expirePending resolves exchanges the cleanup sweep found overdue.
func (rl *relay) expirePending() {
	for _, p := range rl.state.cleanupExpiredPending(time.Now()) {
		p.finish(outcomeExpired, nil)
	}
}

func (rl *relay) runCleanupLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			rl.expirePending()
			return
		case <-t.C:
			rl.expirePending()
			online := make(map[string]bool)
			for _, a := range rl.state.onlineAgents() {
				online[a.device.Name] = true
			}
			rl.limiter.Prune(func(name string) bool { return online[name] })
		}
	}
}
