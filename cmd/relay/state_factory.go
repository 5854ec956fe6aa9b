package main

import (
	"context"

	"github.com/matst80/proxyagent/internal/obs"
)

// openStateStore picks the device registry backend. With Redis the online
// markers are refreshed until ctx is done.
func openStateStore(ctx context.Context, cfg Config) (StateStore, error) {
	if cfg.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "memory", "pairing_ttl": cfg.PairingTTL.String()})
		return newServerState(), nil
	}
	rs, err := newRedisStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr, "db": cfg.RedisDB})
	go rs.startMaintenance(ctx)
	return rs, nil
}
