package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps the identity in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	id  Identity
	set bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return New(), nil
	}
	return m.id, nil
}

func (m *MemoryStore) Save(_ context.Context, id Identity) error {
	m.mu.Lock()
	m.id, m.set = id, true
	m.mu.Unlock()
	return nil
}

// FileStore keeps the identity as a TOML file readable only by the owner.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (f *FileStore) Load(context.Context) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := New()
	if _, err := toml.DecodeFile(f.path, &id); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return Identity{}, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return id, nil
}

func (f *FileStore) Save(_ context.Context, id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(id); err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// RedisStore keeps the identity in one Redis hash, for hosts whose local disk
// is not persistent.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, password string, db int, key string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: rdb, key: key}, nil
}

func (r *RedisStore) Load(ctx context.Context) (Identity, error) {
	m, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	id := New()
	if len(m) == 0 {
		return id, nil
	}
	id.PairingToken = m["pairing_token"]
	id.HardwareID = m["hw_id"]
	id.DeviceName = m["device_name"]
	id.Username = m["device_username"]
	id.Onboarded = m["is_onboarded"] == "1"
	if v, ok := m["device_id"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			id.DeviceID = n
		}
	}
	return id, nil
}

func (r *RedisStore) Save(ctx context.Context, id Identity) error {
	onboarded := "0"
	if id.Onboarded {
		onboarded = "1"
	}
	err := r.client.HSet(ctx, r.key, map[string]any{
		"pairing_token":   id.PairingToken,
		"hw_id":           id.HardwareID,
		"is_onboarded":    onboarded,
		"device_id":       strconv.Itoa(id.DeviceID),
		"device_name":     id.DeviceName,
		"device_username": id.Username,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

// NewStore picks the Redis store when redisAddr is set, the file store when
// path is set, and memory otherwise.
func NewStore(path, redisAddr, redisPassword string, redisDB int, redisKey string) (Store, error) {
	switch {
	case redisAddr != "":
		obs.Info("identity.backend", obs.Fields{"type": "redis", "addr": redisAddr, "key": redisKey})
		return NewRedisStore(redisAddr, redisPassword, redisDB, redisKey)
	case path != "":
		obs.Info("identity.backend", obs.Fields{"type": "file", "path": path})
		return NewFileStore(path), nil
	}
	obs.Info("identity.backend", obs.Fields{"type": "in-memory"})
	return NewMemoryStore(), nil
}
