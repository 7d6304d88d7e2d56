package session

import (
	"slices"
	"time"

	"github.com/hupe1980/agentfleet/core"
)

// State is the synchronised view state of one session.
type State struct {
	SessionID string `json:"session_id"`
	// Version is the highest sequence number applied to this state.
	Version      int64            `json:"version"`
	Workspaces   []WorkspaceState `json:"workspaces"`
	Agents       []AgentState     `json:"agents"`
	Viewers      []Viewer         `json:"viewers"`
	Layout       Layout           `json:"layout"`
	LastActivity time.Time        `json:"last_activity"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// WorkspaceState tracks the files open in one workspace.
type WorkspaceState struct {
	WorkspaceID string   `json:"workspace_id"`
	Name        string   `json:"name,omitempty"`
	OpenFiles   []string `json:"open_files"`
	ActiveFile  string   `json:"active_file,omitempty"`
}

// AgentState is the session-visible status of an agent.
type AgentState struct {
	AgentID     string           `json:"agent_id"`
	Role        string           `json:"role,omitempty"`
	Status      core.AgentStatus `json:"status"`
	CurrentTask string           `json:"current_task,omitempty"`
}

// Viewer is a client connected to the session.
type Viewer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Device   string    `json:"device,omitempty"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Cursor is a viewer's position in a file.
type Cursor struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Layout describes the panel arrangement shared by viewers.
type Layout struct {
	Mode   string    `json:"mode,omitempty"`
	Panels []string  `json:"panels,omitempty"`
	Sizes  []float64 `json:"sizes,omitempty"`
}

// NewState creates an empty state for sessionID.
func NewState(sessionID string, now time.Time) *State {
	now = now.UTC()
	return &State{
		SessionID:    sessionID,
		Workspaces:   []WorkspaceState{},
		Agents:       []AgentState{},
		Viewers:      []Viewer{},
		LastActivity: now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Workspaces = make([]WorkspaceState, len(s.Workspaces))
	for i, ws := range s.Workspaces {
		ws.OpenFiles = slices.Clone(ws.OpenFiles)
		c.Workspaces[i] = ws
	}
	c.Agents = slices.Clone(s.Agents)
	c.Viewers = make([]Viewer, len(s.Viewers))
	for i, v := range s.Viewers {
		if v.Cursor != nil {
			cur := *v.Cursor
			v.Cursor = &cur
		}
		c.Viewers[i] = v
	}
	c.Layout.Panels = slices.Clone(s.Layout.Panels)
	c.Layout.Sizes = slices.Clone(s.Layout.Sizes)
	return &c
}

// Workspace returns the workspace with id, or nil.
func (s *State) Workspace(id string) *WorkspaceState {
	for i := range s.Workspaces {
		if s.Workspaces[i].WorkspaceID == id {
			return &s.Workspaces[i]
		}
	}
	return nil
}

// Agent returns the agent entry with id, or nil.
func (s *State) Agent(id string) *AgentState {
	for i := range s.Agents {
		if s.Agents[i].AgentID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// Viewer returns the viewer with id, or nil.
func (s *State) Viewer(id string) *Viewer {
	for i := range s.Viewers {
		if s.Viewers[i].ID == id {
			return &s.Viewers[i]
		}
	}
	return nil
}
