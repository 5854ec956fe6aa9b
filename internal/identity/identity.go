// Package identity persists the agent's onboarding state and hardware id.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
)

// NoDevice is the DeviceID of an agent that has not been onboarded.
const NoDevice = -1

type Identity struct {
	PairingToken string `toml:"pairing_token"`
	HardwareID   string `toml:"hw_id"`
	Onboarded    bool   `toml:"is_onboarded"`
	DeviceID     int    `toml:"device_id"`
	DeviceName   string `toml:"device_name"`
	Username     string `toml:"device_username"`
}

// New returns an empty, not onboarded identity.
func New() Identity { return Identity{DeviceID: NoDevice} }

// Store loads and saves the whole identity record. A store with nothing
// saved yet returns New().
type Store interface {
	Load(ctx context.Context) (Identity, error)
	Save(ctx context.Context, id Identity) error
}

// Update applies fn to the stored identity and saves the result.
func Update(ctx context.Context, s Store, fn func(*Identity)) (Identity, error) {
	id, err := s.Load(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	fn(&id)
	if err := s.Save(ctx, id); err != nil {
		return Identity{}, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// NewHardwareID returns a random UUID without dashes.
func NewHardwareID() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

// EnsureHardwareID returns the stored hardware id, generating and persisting
// one on first use. The id never changes afterwards.
func EnsureHardwareID(ctx context.Context, s Store) (string, error) {
	id, err := s.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	if id.HardwareID != "" {
		return id.HardwareID, nil
	}
	id.HardwareID = NewHardwareID()
	if err := s.Save(ctx, id); err != nil {
		return "", fmt.Errorf("save identity: %w", err)
	}
	obs.Info("identity.hw_id.created", obs.Fields{"hw_id": id.HardwareID})
	return id.HardwareID, nil
}

// SetPairingToken stores the one-time token used until onboarding completes.
func SetPairingToken(ctx context.Context, s Store, token string) error {
	_, err := Update(ctx, s, func(id *Identity) { id.PairingToken = token })
	return err
}

// SaveCredentials marks the agent onboarded with the device assigned by the
// relay. The pairing token is consumed.
func SaveCredentials(ctx context.Context, s Store, w proto.Welcome) error {
	_, err := Update(ctx, s, func(id *Identity) {
		id.Onboarded = true
		id.DeviceID = w.DeviceID
		id.DeviceName = w.DeviceName
		id.Username = w.Username
		id.PairingToken = ""
	})
	return err
}

// ClearOnboarding drops the device credentials after the relay rejected the
// agent. The hardware id and pairing token are kept.
func ClearOnboarding(ctx context.Context, s Store) error {
	_, err := Update(ctx, s, func(id *Identity) {
		id.Onboarded = false
		id.DeviceID = NoDevice
		id.DeviceName = ""
		id.Username = ""
	})
	return err
}

// Reset wipes everything except the hardware id.
func Reset(ctx context.Context, s Store) error {
	_, err := Update(ctx, s, func(id *Identity) {
		hw := id.HardwareID
		*id = New()
		id.HardwareID = hw
	})
	return err
}
