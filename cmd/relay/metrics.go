package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminMux serves Prometheus metrics, the dashboard, and the operator API.
func (rl *relay) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, collectStats(rl.state))
	})
	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		devices, err := rl.state.listDevices()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, devices)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(rl.state)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
			return
		}
	})
	mux.HandleFunc("/api/pairing-token", rl.handlePairingToken)
	mux.HandleFunc("/api/offboard", rl.handleOffboard)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rl.state.isClosing() || !rl.state.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

type pairingTokenResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (rl *relay) handlePairingToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	} else {
		body.Username = r.FormValue("username")
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	token, err := rl.state.createPairingToken(username, rl.cfg.PairingTTL)
	if err != nil {
		obs.Error("pairing.create", obs.Fields{"err": err.Error()})
		http.Error(w, "could not create token", http.StatusInternalServerError)
		return
	}
	obs.Info("pairing.created", obs.Fields{"username": username, "ttl": rl.cfg.PairingTTL.String()})
	writeJSON(w, http.StatusCreated, pairingTokenResponse{Token: token, Username: username, ExpiresAt: time.Now().Add(rl.cfg.PairingTTL).UTC()})
}

// handleOffboard forgets a device and, if it is online, tells the agent to
// reset itself.
func (rl *relay) handleOffboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.FormValue("device"))
	devices, err := rl.state.listDevices()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var dev *Device
	for i := range devices {
		if devices[i].Name == name {
			dev = &devices[i]
			break
		}
	}
	if dev == nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	if err := rl.state.removeDevice(dev.HardwareID); err != nil && !errors.Is(err, errUnknownDevice) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	online := false
	if a := rl.state.getAgent(dev.Name); a != nil {
		if b, err := proto.OffboardMessage(r.FormValue("reason")); err == nil {
			online = a.sendText(b) == nil
		}
	}
	obs.Info("device.offboarded", obs.Fields{"device": dev.Name, "hw_id": dev.HardwareID, "online": online})
	writeJSON(w, http.StatusAccepted, map[string]any{"device": dev.Name, "online": online})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// startMetricsServer serves the admin mux until ctx is done.
func startMetricsServer(ctx context.Context, addr string, rl *relay) {
	srv := &http.Server{Addr: addr, Handler: rl.adminMux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
