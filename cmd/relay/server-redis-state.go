package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPairing     = "proxyrelay:pair:"
	keyDevice      = "proxyrelay:device:"
	keyDeviceSeq   = "proxyrelay:device_seq"
	keyDeviceSet   = "proxyrelay:devices"
	keyOnline      = "proxyrelay:online:"
	redisOpTimeout = 3 * time.Second
)

// redisStateStore shares devices and pairing tokens between relay
// instances. Each instance also advertises which agents it holds so an
// operator can see where a device is connected.
type redisStateStore struct {
	*liveState
	client     *redis.Client
	instanceID string

	heartbeatInterval time.Duration
	onlineTTL         time.Duration
}

func newRedisStateStore(addr, password string, db int) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStateStore{
		liveState:         newLiveState(),
		client:            rdb,
		instanceID:        fmt.Sprintf("proxyrelay-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		onlineTTL:         90 * time.Second,
	}, nil
}

var _ StateStore = (*redisStateStore)(nil)

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (r *redisStateStore) createPairingToken(username string, ttl time.Duration) (string, error) {
	token, err := cryptoRandomID(16)
	if err != nil {
		return "", err
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := r.client.Set(ctx, keyPairing+token, username, ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set pairing token: %w", err)
	}
	return token, nil
}

func (r *redisStateStore) consumePairingToken(token string) (string, error) {
	ctx, cancel := opContext()
	defer cancel()
	username, err := r.client.GetDel(ctx, keyPairing+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", errUnknownToken
	}
	if err != nil {
		return "", fmt.Errorf("redis consume pairing token: %w", err)
	}
	return username, nil
}

func (r *redisStateStore) registerDevice(hwID, username, platform string) (Device, error) {
	ctx, cancel := opContext()
	defer cancel()
	d, err := r.readDevice(ctx, hwID)
	switch {
	case err == nil:
		d.Username, d.Platform = username, platform
	case errors.Is(err, errUnknownDevice):
		id, err := r.client.Incr(ctx, keyDeviceSeq).Result()
		if err != nil {
			return Device{}, fmt.Errorf("redis device sequence: %w", err)
		}
		d = Device{ID: int(id), Name: fmt.Sprintf("device-%d", id), Username: username, HardwareID: hwID, Platform: platform, Created: time.Now().UTC()}
	default:
		return Device{}, err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keyDevice+hwID, map[string]any{
		"id":       d.ID,
		"name":     d.Name,
		"username": d.Username,
		"platform": d.Platform,
		"created":  d.Created.Format(time.RFC3339),
	})
	pipe.SAdd(ctx, keyDeviceSet, hwID)
	if _, err := pipe.Exec(ctx); err != nil {
		return Device{}, fmt.Errorf("redis save device: %w", err)
	}
	return d, nil
}

func (r *redisStateStore) readDevice(ctx context.Context, hwID string) (Device, error) {
	vals, err := r.client.HGetAll(ctx, keyDevice+hwID).Result()
	if err != nil {
		return Device{}, fmt.Errorf("redis read device: %w", err)
	}
	if len(vals) == 0 {
		return Device{}, errUnknownDevice
	}
	id, _ := strconv.Atoi(vals["id"])
	created, _ := time.Parse(time.RFC3339, vals["created"])
	return Device{ID: id, Name: vals["name"], Username: vals["username"], HardwareID: hwID, Platform: vals["platform"], Created: created}, nil
}

func (r *redisStateStore) lookupDevice(hwID string) (Device, error) {
	ctx, cancel := opContext()
	defer cancel()
	return r.readDevice(ctx, hwID)
}

func (r *redisStateStore) removeDevice(hwID string) error {
	ctx, cancel := opContext()
	defer cancel()
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, keyDevice+hwID)
	pipe.SRem(ctx, keyDeviceSet, hwID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove device: %w", err)
	}
	if del.Val() == 0 {
		return errUnknownDevice
	}
	return nil
}

func (r *redisStateStore) listDevices() ([]Device, error) {
	ctx, cancel := opContext()
	defer cancel()
	ids, err := r.client.SMembers(ctx, keyDeviceSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list devices: %w", err)
	}
	out := make([]Device, 0, len(ids))
	for _, hw := range ids {
		d, err := r.readDevice(ctx, hw)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *redisStateStore) registerAgent(a *agentSession) *agentSession {
	old := r.liveState.registerAgent(a)
	ctx, cancel := opContext()
	defer cancel()
	if err := r.client.Set(ctx, keyOnline+a.device.Name, r.instanceID, r.onlineTTL).Err(); err != nil {
		obs.Error("redis.online.set", obs.Fields{"err": err.Error(), "device": a.device.Name})
	}
	return old
}

func (r *redisStateStore) removeAgent(a *agentSession) []*pendingInfo {
	orphaned := r.liveState.removeAgent(a)
	if r.liveState.getAgent(a.device.Name) == nil {
		ctx, cancel := opContext()
		defer cancel()
		if err := r.client.Del(ctx, keyOnline+a.device.Name).Err(); err != nil {
			obs.Error("redis.online.del", obs.Fields{"err": err.Error(), "device": a.device.Name})
		}
	}
	return orphaned
}

// startMaintenance refreshes the online markers of local agents until ctx is done.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisStateStore) heartbeat(ctx context.Context) {
	agents := r.onlineAgents()
	if len(agents) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, a := range agents {
		pipe.Set(ctx, keyOnline+a.device.Name, r.instanceID, r.onlineTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "agents": len(agents)})
	}
}
