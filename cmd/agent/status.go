package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matst80/proxyagent/internal/control"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// commander is the subset of *control.Manager the status API drives.
type commander interface {
	Connect(token string)
	Disconnect()
	Offboard()
	NetworkAvailable()
	State() control.State
}

// statusBoard is the local UI model: it observes the manager and the
// telemetry reporter.
type statusBoard struct {
	mu        sync.RWMutex
	status    control.Status
	since     time.Time
	device    *proto.Welcome
	telemetry telemetry.Snapshot
}

func newStatusBoard() *statusBoard {
	return &statusBoard{status: control.StatusOffline, since: time.Now()}
}

func (b *statusBoard) StatusChanged(s control.Status) {
	b.mu.Lock()
	b.status, b.since = s, time.Now()
	if s == control.StatusUnauthorized {
		// The relay no longer knows this device.
		b.device = nil
	}
	b.mu.Unlock()
	obs.Info("agent.status", obs.Fields{"status": string(s)})
}

func (b *statusBoard) CredentialsReceived(w proto.Welcome) {
	b.mu.Lock()
	b.device = &w
	b.mu.Unlock()
	obs.Info("agent.onboarded", obs.Fields{"device_id": w.DeviceID, "device_name": w.DeviceName, "username": w.Username})
}

func (b *statusBoard) setTelemetry(s telemetry.Snapshot) {
	b.mu.Lock()
	b.telemetry = s
	b.mu.Unlock()
	obs.Debug("agent.telemetry", obs.Fields{"streams": s.ActiveStreams, "bytes": s.BytesTransferred, "summary": s.String()})
}

type stateView struct {
	Status    control.Status     `json:"status"`
	State     string             `json:"state"`
	Since     time.Time          `json:"since"`
	Device    *proto.Welcome     `json:"device,omitempty"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
}

func (b *statusBoard) view(state control.State) stateView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return stateView{Status: b.status, State: state.String(), Since: b.since, Device: b.device, Telemetry: b.telemetry}
}

func newStatusMux(board *statusBoard, cmd commander) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(board.view(cmd.State()))
	})
	mux.HandleFunc("/api/connect", post(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		} else {
			body.Token = r.FormValue("token")
		}
		cmd.Connect(strings.TrimSpace(body.Token))
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/api/disconnect", post(func(w http.ResponseWriter, r *http.Request) {
		cmd.Disconnect()
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/api/offboard", post(func(w http.ResponseWriter, r *http.Request) {
		cmd.Offboard()
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/api/network-available", post(func(w http.ResponseWriter, r *http.Request) {
		cmd.NetworkAvailable()
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cmd.State() != control.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// startStatusServer serves the local status API until ctx is done.
func startStatusServer(ctx context.Context, addr string, board *statusBoard, cmd commander) {
	srv := &http.Server{Addr: addr, Handler: newStatusMux(board, cmd), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	obs.Info("status.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("status.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
