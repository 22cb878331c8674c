package models

import "time"

// AgentInfo identifies the daemon to a remote collector
type AgentInfo struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Interface int       `json:"interface"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
}

// Uptime returns the duration since the daemon started
func (a *AgentInfo) Uptime() time.Duration {
	return time.Since(a.StartTime)
}

// NewAgentInfo creates a new AgentInfo with the current time as start time
func NewAgentInfo(id, hostname string, iface int, version string) *AgentInfo {
	return &AgentInfo{
		ID:        id,
		Hostname:  hostname,
		Interface: iface,
		Version:   version,
		StartTime: time.Now(),
	}
}
