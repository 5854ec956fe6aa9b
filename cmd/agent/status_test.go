package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matst80/proxyagent/internal/control"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/telemetry"
)

func init() { obs.SetOutput(io.Discard) }

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	state control.State
}

func (f *fakeCommander) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeCommander) Connect(token string) { f.record("connect:" + token) }
func (f *fakeCommander) Disconnect()          { f.record("disconnect") }
func (f *fakeCommander) Offboard()            { f.record("offboard") }
func (f *fakeCommander) NetworkAvailable()    { f.record("network") }
func (f *fakeCommander) State() control.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCommander) setState(s control.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func TestStatusCommands(t *testing.T) {
	cmd := &fakeCommander{}
	srv := httptest.NewServer(newStatusMux(newStatusBoard(), cmd))
	defer srv.Close()

	cases := []struct {
		path, ctype, body string
	}{
		{"/api/connect", "application/json", `{"token":"abc"}`},
		{"/api/connect", "application/x-www-form-urlencoded", "token=def"},
		{"/api/disconnect", "", ""},
		{"/api/offboard", "", ""},
		{"/api/network-available", "", ""},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+tc.path, tc.ctype, strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: status %d", tc.path, resp.StatusCode)
		}
	}
	want := []string{"connect:abc", "connect:def", "disconnect", "offboard", "network"}
	cmd.mu.Lock()
	got := strings.Join(cmd.calls, ",")
	cmd.mu.Unlock()
	if got != strings.Join(want, ",") {
		t.Fatalf("calls = %v", cmd.calls)
	}

	resp, _ := http.Get(srv.URL + "/api/disconnect")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET disconnect = %d", resp.StatusCode)
	}
}

func TestStateAndReadiness(t *testing.T) {
	cmd := &fakeCommander{state: control.StateConnecting}
	board := newStatusBoard()
	srv := httptest.NewServer(newStatusMux(board, cmd))
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz while connecting = %d", resp.StatusCode)
	}

	board.StatusChanged(control.StatusOnline)
	board.CredentialsReceived(proto.Welcome{DeviceID: 4, DeviceName: "pixel"})
	board.setTelemetry(telemetry.Snapshot{ActiveStreams: 2, BytesTransferred: 99})
	cmd.setState(control.StateConnected)

	resp, _ = http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz when connected = %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var v stateView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Status != control.StatusOnline || v.State != "connected" || v.Device == nil || v.Device.DeviceID != 4 || v.Telemetry.ActiveStreams != 2 {
		t.Fatalf("state = %+v", v)
	}

	board.StatusChanged(control.StatusUnauthorized)
	if v := board.view(control.StateDisconnected); v.Device != nil || v.Status != control.StatusUnauthorized {
		t.Fatalf("after 401 = %+v", v)
	}
}
