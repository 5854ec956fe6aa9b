package identity

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
)

func init() { obs.SetOutput(io.Discard) }

func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "state", "identity.toml")),
	}
	if addr := os.Getenv("PROXYAGENT_TEST_REDIS"); addr != "" {
		r, err := NewRedisStore(addr, "", 0, "proxyagent:test:"+NewHardwareID())
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		t.Cleanup(func() {
			r.client.Del(context.Background(), r.key)
			r.Close()
		})
		out["redis"] = r
	}
	return out
}

func TestEmptyStoreLoadsDefaults(t *testing.T) {
	for name, s := range stores(t) {
		id, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if id != New() || id.DeviceID != NoDevice {
			t.Fatalf("%s: got %+v", name, id)
		}
	}
}

func TestHardwareIDIsStable(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		a, err := EnsureHardwareID(ctx, s)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(a) != 32 || strings.Contains(a, "-") {
			t.Fatalf("%s: hw id %q", name, a)
		}
		b, _ := EnsureHardwareID(ctx, s)
		if a != b {
			t.Fatalf("%s: hw id changed %q -> %q", name, a, b)
		}
	}
}

func TestOnboardingLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		hw, _ := EnsureHardwareID(ctx, s)
		if err := SetPairingToken(ctx, s, "pair-123"); err != nil {
			t.Fatal(err)
		}
		if err := SaveCredentials(ctx, s, proto.Welcome{DeviceID: 7, DeviceName: "pixel", Username: "amir"}); err != nil {
			t.Fatal(err)
		}
		id, _ := s.Load(ctx)
		want := Identity{HardwareID: hw, Onboarded: true, DeviceID: 7, DeviceName: "pixel", Username: "amir"}
		if id != want {
			t.Fatalf("%s: after welcome %+v", name, id)
		}

		if err := ClearOnboarding(ctx, s); err != nil {
			t.Fatal(err)
		}
		id, _ = s.Load(ctx)
		if id.Onboarded || id.DeviceID != NoDevice || id.DeviceName != "" || id.Username != "" || id.HardwareID != hw {
			t.Fatalf("%s: after clear %+v", name, id)
		}

		if err := Reset(ctx, s); err != nil {
			t.Fatal(err)
		}
		id, _ = s.Load(ctx)
		if id.HardwareID != hw || id.DeviceName != "" || id.DeviceID != NoDevice {
			t.Fatalf("%s: after reset %+v", name, id)
		}
	}
}

func TestFileStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.toml")
	s := NewFileStore(path)
	if err := s.Save(context.Background(), Identity{HardwareID: "abc", DeviceID: 3}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), `hw_id = "abc"`) {
		t.Fatalf("file = %s", b)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	s, err := NewStore("", "", "", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("got %T", s)
	}
	s, _ = NewStore(filepath.Join(t.TempDir(), "id.toml"), "", "", 0, "")
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("got %T", s)
	}
}
