package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		obs.Error("relay.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	obs.Info("relay.start", obs.Fields{"agents": cfg.AgentAddr, "proxy": cfg.ProxyAddr, "metrics": cfg.MetricsAddr})
	state, err := openStateStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	rl := newRelay(cfg, state)

	agentLn, secure, err := listenAgents(cfg)
	if err != nil {
		return fmt.Errorf("listen agents %s: %w", cfg.AgentAddr, err)
	}
	proxyLn, err := net.Listen("tcp", cfg.ProxyAddr)
	if err != nil {
		_ = agentLn.Close()
		return fmt.Errorf("listen proxy %s: %w", cfg.ProxyAddr, err)
	}

	go startMetricsServer(ctx, cfg.MetricsAddr, rl)
	go rl.runCleanupLoop(ctx, cfg.CleanupInterval)

	agentSrv := &http.Server{Handler: rl.agentMux(), ReadHeaderTimeout: 10 * time.Second}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := agentSrv.Serve(agentLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("agents.server", obs.Fields{"err": err.Error()})
		}
	}()
	go func() { defer wg.Done(); rl.acceptProxy(ctx, proxyLn) }()

	state.setReady(true)
	obs.Info("relay.ready", obs.Fields{"tls": secure})

	<-ctx.Done()
	obs.Info("relay.shutdown.signal", nil)
	state.setClosing(true)
	_ = proxyLn.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = agentSrv.Shutdown(sctx)
	cancel()
	// Hijacked websockets are not tracked by the http server.
	for _, a := range state.onlineAgents() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutdown")
		_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		rl.dropAgent(a, "shutdown")
	}
	rl.expirePending()
	wg.Wait()
	obs.Info("relay.shutdown.complete", nil)
	return nil
}

func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
