package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/agentfleet/core"
)

// ActionType names a state mutation.
type ActionType string

const (
	ActionFileOpen     ActionType = "file_open"
	ActionFileClose    ActionType = "file_close"
	ActionLayoutChange ActionType = "layout_change"
	ActionAgentStatus  ActionType = "agent_status"
	ActionViewerJoin   ActionType = "viewer_join"
	ActionViewerLeave  ActionType = "viewer_leave"
	ActionCursorMove   ActionType = "cursor_move"
	ActionWorkspaceAdd ActionType = "workspace_add"
	ActionAgentAdd     ActionType = "agent_add"
)

// Action is one sequenced mutation of a session's State. ServerSeq and
// Instance are assigned by the publishing Manager.
type Action struct {
	Type         ActionType      `json:"type"`
	SessionID    string          `json:"session_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SenderID     string          `json:"sender_id,omitempty"`
	SenderDevice string          `json:"sender_device,omitempty"`
	ClientSeq    int64           `json:"client_seq,omitempty"`
	ServerSeq    int64           `json:"server_seq"`
	Timestamp    time.Time       `json:"timestamp"`
	Instance     string          `json:"instance,omitempty"`
}

// NewAction builds an action whose payload is the JSON encoding of payload.
func NewAction(t ActionType, sessionID string, payload any) (Action, error) {
	a := Action{Type: t, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Action{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		a.Payload = raw
	}
	return a, nil
}

// Decode unmarshals the action payload into v.
func (a Action) Decode(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("%s action has no payload", a.Type)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return nil
}

// FilePayload addresses a file within a workspace. An empty WorkspaceID
// selects the session's first workspace.
type FilePayload struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Path        string `json:"path"`
}

// AgentStatusPayload carries an agent status change.
type AgentStatusPayload struct {
	AgentID     string           `json:"agent_id"`
	Status      core.AgentStatus `json:"status"`
	CurrentTask string           `json:"current_task,omitempty"`
}

// ViewerLeavePayload removes a viewer.
type ViewerLeavePayload struct {
	ViewerID string `json:"viewer_id"`
}

// CursorMovePayload moves a viewer's cursor.
type CursorMovePayload struct {
	ViewerID string `json:"viewer_id"`
	Cursor   Cursor `json:"cursor"`
}

// HandlerFunc applies an action to st. It must leave st untouched when it
// returns an error.
type HandlerFunc func(st *State, a Action) error

func defaultHandlers() map[ActionType]HandlerFunc {
	return map[ActionType]HandlerFunc{
		ActionFileOpen:     applyFileOpen,
		ActionFileClose:    applyFileClose,
		ActionLayoutChange: applyLayoutChange,
		ActionAgentStatus:  applyAgentStatus,
		ActionViewerJoin:   applyViewerJoin,
		ActionViewerLeave:  applyViewerLeave,
		ActionCursorMove:   applyCursorMove,
		ActionWorkspaceAdd: applyWorkspaceAdd,
		ActionAgentAdd:     applyAgentAdd,
	}
}

func applyFileOpen(st *State, a Action) error {
	var p FilePayload
	if err := a.Decode(&p); err != nil {
		return err
	}
	if p.Path == "" {
		return fmt.Errorf("file_open: path is required")
	}
	ws := resolveWorkspace(st, p.WorkspaceID, true)
	if !slices.Contains(ws.OpenFiles, p.Path) {
		ws.OpenFiles = append(ws.OpenFiles, p.Path)
	}
	ws.ActiveFile = p.Path
	return nil
}

func applyFileClose(st *State, a Action) error {
	var p FilePayload
	if err := a.Decode(&p); err != nil {
		return err
	}
	ws := resolveWorkspace(st, p.WorkspaceID, false)
	if ws == nil {
		return nil
	}
	ws.OpenFiles = slices.DeleteFunc(ws.OpenFiles, func(f string) bool { return f == p.Path })
	if ws.ActiveFile == p.Path {
		ws.ActiveFile = ""
		if len(ws.OpenFiles) > 0 {
			ws.ActiveFile = ws.OpenFiles[0]
		}
	}
	return nil
}

func applyLayoutChange(st *State, a Action) error {
	var l Layout
	if err := a.Decode(&l); err != nil {
		return err
	}
	st.Layout = l
	return nil
}

func applyAgentStatus(st *State, a Action) error {
	var p AgentStatusPayload
	if err := a.Decode(&p); err != nil {
		return err
	}
	ag := st.Agent(p.AgentID)
	if ag == nil {
		st.Agents = append(st.Agents, AgentState{AgentID: p.AgentID})
		ag = &st.Agents[len(st.Agents)-1]
	}
	ag.Status = p.Status
	ag.CurrentTask = p.CurrentTask
	return nil
}

func applyViewerJoin(st *State, a Action) error {
	var v Viewer
	if err := a.Decode(&v); err != nil {
		return err
	}
	if v.ID == "" {
		return fmt.Errorf("viewer_join: viewer id is required")
	}
	if v.JoinedAt.IsZero() {
		v.JoinedAt = a.Timestamp
	}
	if existing := st.Viewer(v.ID); existing != nil {
		*existing = v
		return nil
	}
	st.Viewers = append(st.Viewers, v)
	return nil
}

func applyViewerLeave(st *State, a Action) error {
	var p ViewerLeavePayload
	if err := a.Decode(&p); err != nil {
		return err
	}
	st.Viewers = slices.DeleteFunc(st.Viewers, func(v Viewer) bool { return v.ID == p.ViewerID })
	return nil
}

func applyCursorMove(st *State, a Action) error {
	var p CursorMovePayload
	if err := a.Decode(&p); err != nil {
		return err
	}
	v := st.Viewer(p.ViewerID)
	if v == nil {
		return fmt.Errorf("cursor_move: %w: viewer %s", core.ErrNotFound, p.ViewerID)
	}
	cur := p.Cursor
	v.Cursor = &cur
	return nil
}

func applyWorkspaceAdd(st *State, a Action) error {
	var ws WorkspaceState
	if err := a.Decode(&ws); err != nil {
		return err
	}
	if ws.WorkspaceID == "" {
		return fmt.Errorf("workspace_add: workspace id is required")
	}
	if ws.OpenFiles == nil {
		ws.OpenFiles = []string{}
	}
	if existing := st.Workspace(ws.WorkspaceID); existing != nil {
		*existing = ws
		return nil
	}
	st.Workspaces = append(st.Workspaces, ws)
	return nil
}

func applyAgentAdd(st *State, a Action) error {
	var ag AgentState
	if err := a.Decode(&ag); err != nil {
		return err
	}
	if ag.AgentID == "" {
		return fmt.Errorf("agent_add: agent id is required")
	}
	if ag.Status == "" {
		ag.Status = core.AgentIdle
	}
	if existing := st.Agent(ag.AgentID); existing != nil {
		*existing = ag
		return nil
	}
	st.Agents = append(st.Agents, ag)
	return nil
}

// resolveWorkspace finds the addressed workspace. With create set a missing
// workspace is added; an empty id then names "default".
func resolveWorkspace(st *State, id string, create bool) *WorkspaceState {
	if id == "" {
		if len(st.Workspaces) > 0 {
			return &st.Workspaces[0]
		}
		id = "default"
	}
	if ws := st.Workspace(id); ws != nil {
		return ws
	}
	if !create {
		return nil
	}
	st.Workspaces = append(st.Workspaces, WorkspaceState{WorkspaceID: id, OpenFiles: []string{}})
	return &st.Workspaces[len(st.Workspaces)-1]
}
