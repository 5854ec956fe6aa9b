package main

import "time"

type agentView struct {
	DeviceID   int       `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Username   string    `json:"username"`
	Platform   string    `json:"platform"`
	IP         string    `json:"ip"`
	Remote     string    `json:"remote"`
	Since      time.Time `json:"since"`
	Tunnels    int       `json:"tunnels"`
}

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Agents       int         `json:"agents"`
	Pending      int         `json:"pending"`
	TotalTunnels int64       `json:"total_tunnels"`
	Timeouts     int64       `json:"timeouts"`
	Devices      int         `json:"devices"`
	Online       []agentView `json:"online"`
	Now          string      `json:"now"`
}

func collectStats(s StateStore) Stats {
	agents, pending, total, timeouts := s.getStats()
	st := Stats{Agents: agents, Pending: pending, TotalTunnels: total, Timeouts: timeouts, Devices: -1, Now: time.Now().UTC().Format(time.RFC3339)}
	if devices, err := s.listDevices(); err == nil {
		st.Devices = len(devices)
	}
	for _, a := range s.onlineAgents() {
		st.Online = append(st.Online, agentView{
			DeviceID:   a.device.ID,
			DeviceName: a.device.Name,
			Username:   a.device.Username,
			Platform:   a.device.Platform,
			IP:         a.ip,
			Remote:     a.remote,
			Since:      a.since.UTC(),
			Tunnels:    a.tunnelCount(),
		})
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Agents":   s.Agents,
		"Pending":  s.Pending,
		"Total":    s.TotalTunnels,
		"Timeouts": s.Timeouts,
		"Devices":  s.Devices,
		"Online":   s.Online,
	}
}
