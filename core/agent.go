package core

import (
	"slices"
	"time"
)

// AgentStatus describes the availability of an agent in a session mesh.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentInfo is the registry entry for an agent participating in a session.
// Capabilities is kept sorted and de-duplicated so it behaves as a set.
type AgentInfo struct {
	AgentID      string      `json:"agent_id"`
	Role         string      `json:"role"`
	Status       AgentStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
}

// NewAgentInfo creates an idle agent entry.
func NewAgentInfo(agentID, role string, capabilities []string, now time.Time) *AgentInfo {
	return &AgentInfo{
		AgentID:      agentID,
		Role:         role,
		Status:       AgentIdle,
		Capabilities: NormalizeCapabilities(capabilities),
		LastActivity: now.UTC(),
	}
}

// HasCapability reports whether the agent advertises capability c.
func (a *AgentInfo) HasCapability(c string) bool {
	_, found := slices.BinarySearch(a.Capabilities, c)
	return found
}

// IsAvailable reports whether the agent can accept a delegated task for role.
func (a *AgentInfo) IsAvailable(role string) bool {
	return a.Role == role && a.Status == AgentIdle
}

// Clone returns a copy safe for independent mutation.
func (a *AgentInfo) Clone() *AgentInfo {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

// NormalizeCapabilities sorts and de-duplicates a capability list, dropping
// empty entries.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
