package main

import "time"

// StateStore abstracts relay state. Devices and pairing tokens live in the
// backend; agent sockets and pending exchanges are always local.
type StateStore interface {
	createPairingToken(username string, ttl time.Duration) (string, error)
	consumePairingToken(token string) (username string, err error)
	registerDevice(hwID, username, platform string) (Device, error)
	lookupDevice(hwID string) (Device, error)
	removeDevice(hwID string) error
	listDevices() ([]Device, error)

	// registerAgent returns the session it replaced for the same device, if any.
	registerAgent(a *agentSession) (replaced *agentSession)
	// getAgent finds an online agent by device name; "" picks the lowest device id.
	getAgent(name string) *agentSession
	// removeAgent unregisters a and returns its pending exchanges, already popped.
	removeAgent(a *agentSession) []*pendingInfo
	onlineAgents() []*agentSession

	setPending(p *pendingInfo)
	popPending(id string) *pendingInfo
	cleanupExpiredPending(now time.Time) []*pendingInfo

	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	getStats() (agents int, pending int, totalTunnels int64, timeouts int64)
	incrementTunnelCount()
	countTimeout()
}
