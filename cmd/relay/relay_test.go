package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/matst80/proxyagent/internal/control"
	"github.com/matst80/proxyagent/internal/identity"
	"github.com/matst80/proxyagent/internal/ratelimit"
)

const testProxyPassword = "secret"

type testRelay struct {
	rl     *relay
	agents *httptest.Server
	admin  *httptest.Server
	proxy  net.Listener
	wsURL  string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	cfg := Config{
		RequestTimeout:  500 * time.Millisecond,
		ResponseTimeout: 5 * time.Second,
		CleanupInterval: time.Second,
		PingInterval:    10 * time.Second,
		PairingTTL:      time.Minute,
		MaxHeaderSize:   32 * 1024,
		MaxBody:         1 << 20,
		ProxyPassword:   testProxyPassword,
		AddXFF:          true,
		Limits:          ratelimit.Config{Burst: 100},
	}
	rl := newRelay(cfg, newServerState())
	rl.state.setReady(true)
	agents := httptest.NewServer(rl.agentMux())
	admin := httptest.NewServer(rl.adminMux())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go rl.acceptProxy(ctx, ln)
	go rl.runCleanupLoop(ctx, cfg.CleanupInterval)
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		for _, a := range rl.state.onlineAgents() {
			rl.dropAgent(a, "test")
		}
		admin.Close()
		agents.Close()
	})
	return &testRelay{rl: rl, agents: agents, admin: admin, proxy: ln, wsURL: "ws" + strings.TrimPrefix(agents.URL, "http") + "/ws/agent"}
}

type testAgentProc struct {
	mgr  *control.Manager
	done chan struct{}
	err  error
}

func (tr *testRelay) startAgent(t *testing.T, token string) *testAgentProc {
	t.Helper()
	cfg := control.DefaultConfig()
	cfg.RelayURL = tr.wsURL
	cfg.PublicIPURL = ""
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.PingInterval = time.Second
	p := &testAgentProc{mgr: control.New(cfg, identity.NewMemoryStore(), nil, nil), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		p.err = p.mgr.Run(ctx)
		close(p.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-p.done
	})
	p.mgr.Connect(token)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// onboard pairs one agent and waits until the relay sees it online.
func (tr *testRelay) onboard(t *testing.T) *testAgentProc {
	t.Helper()
	token, err := tr.rl.state.createPairingToken("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	p := tr.startAgent(t, token)
	waitFor(t, "agent online", func() bool {
		return p.mgr.State() == control.StateConnected && tr.rl.state.getAgent("") != nil
	})
	return p
}

func (tr *testRelay) proxyClient(user string) *http.Client {
	u := &url.URL{Scheme: "http", Host: tr.proxy.Addr().String(), User: url.UserPassword(user, testProxyPassword)}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}, Timeout: 5 * time.Second}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func connectVia(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader, int) {
	t.Helper()
	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	req, _ := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	req.Host = target
	req.SetBasicAuth("device-1", testProxyPassword)
	req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
	req.Header.Del("Authorization")
	if err := req.Write(c); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	return c, br, resp.StatusCode
}

func TestPairingAndTunnel(t *testing.T) {
	tr := newTestRelay(t)
	tr.onboard(t)

	devices, _ := tr.rl.state.listDevices()
	if len(devices) != 1 || devices[0].Name != "device-1" || devices[0].Username != "alice" {
		t.Fatalf("devices = %+v", devices)
	}

	echo := startEcho(t)
	c, br, status := connectVia(t, tr.proxy.Addr().String(), echo)
	if status != http.StatusOK {
		t.Fatalf("CONNECT status = %d", status)
	}
	msg := []byte("hello through the agent")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q", got)
	}
	if _, _, total, _ := tr.rl.state.getStats(); total != 1 {
		t.Fatalf("total tunnels = %d", total)
	}

	a := tr.rl.state.getAgent("device-1")
	_ = c.Close()
	waitFor(t, "tunnel teardown", func() bool { return a.tunnelCount() == 0 })
}

func TestRelayedHTTPRequest(t *testing.T) {
	tr := newTestRelay(t)
	tr.onboard(t)

	seen := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("X-Backend", "yes")
		_, _ = fmt.Fprintf(w, "pong %s %s", r.Method, r.URL.RawQuery)
	}))
	defer backend.Close()

	resp, err := tr.proxyClient("device-1").Get(backend.URL + "/ping?q=1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "pong GET q=1" || resp.Header.Get("X-Backend") != "yes" {
		t.Fatalf("resp = %d %q %v", resp.StatusCode, body, resp.Header)
	}
	h := <-seen
	if h.Get("Proxy-Authorization") != "" {
		t.Error("Proxy-Authorization reached the origin")
	}
	if h.Get("X-Forwarded-For") != "127.0.0.1" || h.Get("Via") != "1.1 proxyrelay" {
		t.Errorf("forwarding headers = %v", h)
	}
}

func TestProxyRejections(t *testing.T) {
	tr := newTestRelay(t)
	tr.onboard(t)

	resp, err := tr.proxyClient("device-9").Get("http://127.0.0.1:1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("unknown device status = %d", resp.StatusCode)
	}

	c, err := net.Dial("tcp", tr.proxy.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, _ = io.WriteString(c, "GET http://example.invalid/ HTTP/1.1\r\nHost: example.invalid\r\n\r\n")
	resp, err = http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusProxyAuthRequired || !strings.HasPrefix(resp.Header.Get("Proxy-Authenticate"), "Basic") {
		t.Fatalf("no credentials: %d %v", resp.StatusCode, resp.Header)
	}
}

func TestConnectTimeout(t *testing.T) {
	tr := newTestRelay(t)
	tr.onboard(t)

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	closed := ln.Addr().String()
	_ = ln.Close()

	// The agent reports nothing for a failed dial, so the relay times out.
	_, _, status := connectVia(t, tr.proxy.Addr().String(), closed)
	if status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", status)
	}
	if _, pending, _, timeouts := tr.rl.state.getStats(); pending != 0 || timeouts != 1 {
		t.Fatalf("pending=%d timeouts=%d", pending, timeouts)
	}
}

func TestAgentHandshakeAuth(t *testing.T) {
	tr := newTestRelay(t)
	cases := []struct {
		query string
		want  int
	}{
		{"", http.StatusBadRequest},
		{"hw_id=abc", http.StatusUnauthorized},
		{"hw_id=abc&token=bogus", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		resp, err := http.Get(tr.agents.URL + "/ws/agent?" + tc.query)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%q: status %d, want %d", tc.query, resp.StatusCode, tc.want)
		}
	}
}

func TestReconnectWithHardwareID(t *testing.T) {
	tr := newTestRelay(t)
	p := tr.onboard(t)

	p.mgr.Disconnect()
	waitFor(t, "agent offline", func() bool { return tr.rl.state.getAgent("") == nil })

	// The pairing token was consumed; the known hardware id is enough now.
	p.mgr.Connect("")
	waitFor(t, "agent back online", func() bool {
		return p.mgr.State() == control.StateConnected && tr.rl.state.getAgent("device-1") != nil
	})
	if devices, _ := tr.rl.state.listDevices(); len(devices) != 1 {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestAdminAPI(t *testing.T) {
	tr := newTestRelay(t)
	p := tr.onboard(t)

	resp, err := http.Post(tr.admin.URL+"/api/pairing-token", "application/json", strings.NewReader(`{"username":"bob"}`))
	if err != nil {
		t.Fatal(err)
	}
	var tok pairingTokenResponse
	_ = json.NewDecoder(resp.Body).Decode(&tok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || tok.Token == "" || tok.Username != "bob" {
		t.Fatalf("pairing token: %d %+v", resp.StatusCode, tok)
	}

	resp, err = http.Get(tr.admin.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	var st Stats
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.Agents != 1 || st.Devices != 1 || len(st.Online) != 1 || st.Online[0].Username != "alice" {
		t.Fatalf("state = %+v", st)
	}

	resp, _ = http.Get(tr.admin.URL + "/dashboard")
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(page), "device-1") {
		t.Fatalf("dashboard %d", resp.StatusCode)
	}

	resp, _ = http.Post(tr.admin.URL+"/api/offboard", "application/x-www-form-urlencoded", strings.NewReader("device=nope"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown offboard = %d", resp.StatusCode)
	}

	resp, _ = http.Post(tr.admin.URL+"/api/offboard", "application/x-www-form-urlencoded", strings.NewReader("device=device-1&reason=retired"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("offboard = %d", resp.StatusCode)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after OFFBOARD")
	}
	if !errors.Is(p.err, control.ErrOffboarded) {
		t.Fatalf("agent Run = %v", p.err)
	}
	waitFor(t, "agent dropped", func() bool { return tr.rl.state.getAgent("") == nil })
	if devices, _ := tr.rl.state.listDevices(); len(devices) != 0 {
		t.Fatalf("devices after offboard = %+v", devices)
	}
}
