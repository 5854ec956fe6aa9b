package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
)

// liveState holds what only makes sense on this instance: agent sockets,
// pending exchanges and lifecycle flags. Both backends embed it.
type liveState struct {
	mu           sync.Mutex
	agents       map[string]*agentSession // hw id -> session
	pending      map[string]*pendingInfo  // stream or request id
	closing      bool
	ready        bool
	totalTunnels int64
	timeouts     int64
}

func newLiveState() *liveState {
	return &liveState{agents: make(map[string]*agentSession), pending: make(map[string]*pendingInfo)}
}

func (s *liveState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *liveState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *liveState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *liveState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *liveState) registerAgent(a *agentSession) *agentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.agents[a.device.HardwareID]
	s.agents[a.device.HardwareID] = a
	obs.ActiveAgents.Set(float64(len(s.agents)))
	return old
}

func (s *liveState) getAgent(name string) *agentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *agentSession
	for _, a := range s.agents {
		if name != "" {
			if a.device.Name == name {
				return a
			}
			continue
		}
		if best == nil || a.device.ID < best.device.ID {
			best = a
		}
	}
	return best
}

func (s *liveState) removeAgent(a *agentSession) []*pendingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[a.device.HardwareID] == a {
		delete(s.agents, a.device.HardwareID)
	}
	var orphaned []*pendingInfo
	for id, p := range s.pending {
		if p.agent == a {
			orphaned = append(orphaned, p)
			delete(s.pending, id)
		}
	}
	obs.ActiveAgents.Set(float64(len(s.agents)))
	obs.PendingTunnels.Set(float64(len(s.pending)))
	return orphaned
}

func (s *liveState) onlineAgents() []*agentSession {
	s.mu.Lock()
	out := make([]*agentSession, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].device.ID < out[j].device.ID })
	return out
}

func (s *liveState) setPending(p *pendingInfo) {
	s.mu.Lock()
	s.pending[p.id] = p
	n := len(s.pending)
	s.mu.Unlock()
	obs.PendingTunnels.Set(float64(n))
}

func (s *liveState) popPending(id string) *pendingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	obs.PendingTunnels.Set(float64(len(s.pending)))
	return p
}

// cleanupExpiredPending pops entries past their deadline, or all of them
// while closing. Callers resolve what it returns.
func (s *liveState) cleanupExpiredPending(now time.Time) []*pendingInfo {
	var expired []*pendingInfo
	s.mu.Lock()
	for id, p := range s.pending {
		if s.closing || now.After(p.expires) {
			expired = append(expired, p)
			delete(s.pending, id)
		}
	}
	s.timeouts += int64(len(expired))
	obs.PendingTunnels.Set(float64(len(s.pending)))
	s.mu.Unlock()
	return expired
}

func (s *liveState) countTimeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

func (s *liveState) incrementTunnelCount() {
	s.mu.Lock()
	s.totalTunnels++
	s.mu.Unlock()
}

func (s *liveState) getStats() (int, int, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents), len(s.pending), s.totalTunnels, s.timeouts
}

type pairing struct {
	username string
	expires  time.Time
}

// serverState keeps devices and pairing tokens in memory.
type serverState struct {
	*liveState

	dmu     sync.Mutex
	devices map[string]Device // hw id -> device
	tokens  map[string]pairing
	nextID  int
}

func newServerState() *serverState {
	return &serverState{liveState: newLiveState(), devices: make(map[string]Device), tokens: make(map[string]pairing), nextID: 1}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) createPairingToken(username string, ttl time.Duration) (string, error) {
	token, err := cryptoRandomID(16)
	if err != nil {
		return "", err
	}
	s.dmu.Lock()
	s.tokens[token] = pairing{username: username, expires: time.Now().Add(ttl)}
	s.dmu.Unlock()
	return token, nil
}

func (s *serverState) consumePairingToken(token string) (string, error) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	p, ok := s.tokens[token]
	delete(s.tokens, token)
	if !ok || time.Now().After(p.expires) {
		return "", errUnknownToken
	}
	return p.username, nil
}

func (s *serverState) registerDevice(hwID, username, platform string) (Device, error) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if d, ok := s.devices[hwID]; ok {
		d.Username, d.Platform = username, platform
		s.devices[hwID] = d
		return d, nil
	}
	d := Device{ID: s.nextID, Name: fmt.Sprintf("device-%d", s.nextID), Username: username, HardwareID: hwID, Platform: platform, Created: time.Now().UTC()}
	s.nextID++
	s.devices[hwID] = d
	return d, nil
}

func (s *serverState) lookupDevice(hwID string) (Device, error) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	d, ok := s.devices[hwID]
	if !ok {
		return Device{}, errUnknownDevice
	}
	return d, nil
}

func (s *serverState) removeDevice(hwID string) error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if _, ok := s.devices[hwID]; !ok {
		return errUnknownDevice
	}
	delete(s.devices, hwID)
	return nil
}

func (s *serverState) listDevices() ([]Device, error) {
	s.dmu.Lock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.dmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
