package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/proxyagent/internal/control"
	"github.com/matst80/proxyagent/internal/identity"
	"github.com/matst80/proxyagent/internal/netwatch"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/telemetry"
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
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		obs.Error("agent.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	store, err := identity.NewStore(cfg.IdentityFile, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	hw, err := identity.EnsureHardwareID(ctx, store)
	if err != nil {
		return err
	}
	id, err := store.Load(ctx)
	if err != nil {
		return err
	}
	obs.Info("agent.start", obs.Fields{"relay": cfg.RelayURL, "hw_id": hw, "onboarded": id.Onboarded, "device": id.DeviceName})

	var counter telemetry.Counter
	board := newStatusBoard()
	mgr := control.New(cfg.controlConfig(), store, board, &counter)

	if cfg.StatusAddr != "" {
		go startStatusServer(ctx, cfg.StatusAddr, board, mgr)
	}
	if cfg.TelemetryInterval > 0 {
		go telemetry.Report(ctx, &counter, cfg.TelemetryInterval, board.setTelemetry)
	}
	if cfg.NetPoll > 0 {
		go netwatch.New(cfg.NetPoll).Run(ctx, mgr.NetworkAvailable)
	}
	if id.Onboarded || id.PairingToken != "" || cfg.Token != "" {
		mgr.Connect(cfg.Token)
	} else {
		obs.Warn("agent.idle", obs.Fields{"reason": "not onboarded and no pairing token; POST /api/connect with a token"})
	}

	err = mgr.Run(ctx)
	switch {
	case errors.Is(err, control.ErrOffboarded):
		obs.Info("agent.offboarded", obs.Fields{"hw_id": hw})
		return nil
	case errors.Is(err, context.Canceled):
		obs.Info("agent.stop", nil)
		return nil
	}
	return err
}
