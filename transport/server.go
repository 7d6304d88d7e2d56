package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/dispatcher"
	"github.com/hupe1980/agentfleet/logging"
	"github.com/hupe1980/agentfleet/mesh"
	"github.com/hupe1980/agentfleet/session"
)

// TaskQueue is the dispatcher surface used by the HTTP API.
type TaskQueue interface {
	EnqueueTask(ctx context.Context, p dispatcher.EnqueueParams) (string, error)
	GetTask(ctx context.Context, taskID string) (*core.Task, bool, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	Stats() map[string]any
}

// SessionStore is the session sync surface used by the HTTP API and hub.
type SessionStore interface {
	GetFullSync(ctx context.Context, sessionID string) (session.FullSync, bool, error)
	PublishAction(ctx context.Context, a session.Action) (session.Action, error)
}

// Mesh is the coordinator surface used by the HTTP API.
type Mesh interface {
	Agents(sessionID string) []core.AgentInfo
	DelegateTask(ctx context.Context, p mesh.DelegateParams) (string, bool, error)
	GetSharedContext(ctx context.Context, sessionID string) (mesh.SharedContext, error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	Logger       logging.Logger
}

// Server serves the fleet HTTP API. Any of queue, sessions, coordinator and
// hub may be nil, in which case the routes they back are not registered.
type Server struct {
	queue    TaskQueue
	sessions SessionStore
	mesh     Mesh
	hub      *Hub
	opts     ServerOptions
	logger   logging.Logger
	mux      *http.ServeMux
}

// NewServer builds a Server and registers its routes.
func NewServer(queue TaskQueue, sessions SessionStore, coordinator Mesh, hub *Hub, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{
		MaxBodyBytes: 1 << 20,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &Server{
		queue:    queue,
		sessions: sessions,
		mesh:     coordinator,
		hub:      hub,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.queue != nil {
		s.mux.HandleFunc("POST /sessions/{id}/tasks", s.handleEnqueue)
		s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
		s.mux.HandleFunc("DELETE /tasks/{id}", s.handleCancelTask)
	}
	if s.sessions != nil {
		s.mux.HandleFunc("GET /sessions/{id}/sync", s.handleFullSync)
		s.mux.HandleFunc("POST /sessions/{id}/actions", s.handleAction)
	}
	if s.mesh != nil {
		s.mux.HandleFunc("GET /sessions/{id}/agents", s.handleAgents)
		s.mux.HandleFunc("POST /sessions/{id}/delegations", s.handleDelegate)
		s.mux.HandleFunc("GET /sessions/{id}/context", s.handleSharedContext)
	}
	if s.hub != nil {
		s.mux.HandleFunc("GET /sessions/{id}/ws", s.handleWS)
	}
}

type enqueueRequest struct {
	AgentID string   `json:"agent_id"`
	Payload string   `json:"payload"`
	Score   *float64 `json:"score,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.queue != nil {
		body["workers"] = s.queue.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}
	id, err := s.queue.EnqueueTask(r.Context(), dispatcher.EnqueueParams{
		SessionID: r.PathValue("id"),
		AgentID:   req.AgentID,
		Payload:   req.Payload,
		Score:     req.Score,
	})
	if err != nil {
		s.internalError(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok, err := s.queue.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "get task", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	sync, ok, err := s.sessions.GetFullSync(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "full sync", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sync)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var a session.Action
	if !s.decode(w, r, &a) {
		return
	}
	if a.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	a.SessionID = r.PathValue("id")
	applied, err := s.publishAction(r.Context(), a)
	if err != nil {
		if applied.ServerSeq > 0 {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.internalError(w, "publish action", err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

type delegateRequest struct {
	FromAgent     string         `json:"from_agent"`
	ToRole        string         `json:"to_role"`
	Description   string         `json:"description"`
	Context       map[string]any `json:"context,omitempty"`
	CallbackEvent string         `json:"callback_event,omitempty"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ToRole == "" {
		writeError(w, http.StatusBadRequest, errors.New("to_role is required"))
		return
	}
	eventID, ok, err := s.mesh.DelegateTask(r.Context(), mesh.DelegateParams{
		SessionID:     r.PathValue("id"),
		FromAgent:     req.FromAgent,
		ToRole:        req.ToRole,
		Description:   req.Description,
		Context:       req.Context,
		CallbackEvent: req.CallbackEvent,
	})
	if err != nil {
		s.internalError(w, "delegate", err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, core.ErrNoAvailableAgent)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.mesh.Agents(r.PathValue("id"))
	if agents == nil {
		agents = []core.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleSharedContext(w http.ResponseWriter, r *http.Request) {
	sc, err := s.mesh.GetSharedContext(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "shared context", err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.ServeWS(w, r, r.PathValue("id")); err != nil {
		s.logger.Warn("Websocket upgrade failed", "session_id", r.PathValue("id"), "error", err)
	}
}

// HandleClientMessage publishes an action frame read from a websocket client
// of room. It is meant to be installed as HubOptions.OnMessage.
func (s *Server) HandleClientMessage(room string, data []byte) {
	if s.sessions == nil {
		return
	}
	var a session.Action
	if err := json.Unmarshal(data, &a); err != nil {
		s.logger.Warn("Invalid client frame", "room", room, "error", err)
		return
	}
	if a.Type == "" {
		s.logger.Warn("Client frame without action type", "room", room)
		return
	}
	a.SessionID = room
	if _, err := s.publishAction(context.Background(), a); err != nil {
		s.logger.Warn("Client action rejected", "room", room, "type", a.Type, "error", err)
	}
}

// Welcome returns the full sync frame for a joining client. It is meant to be
// installed as HubOptions.Welcome.
func (s *Server) Welcome(room string) (string, any, bool) {
	if s.sessions == nil {
		return "", nil, false
	}
	sync, ok, err := s.sessions.GetFullSync(context.Background(), room)
	if err != nil {
		s.logger.Warn("Full sync for joining client failed", "room", room, "error", err)
		return "", nil, false
	}
	if !ok {
		return "", nil, false
	}
	return FullSyncEvent, sync, true
}

// FullSyncEvent is the event name of the welcome frame.
const FullSyncEvent = "full_sync"

func (s *Server) publishAction(ctx context.Context, a session.Action) (session.Action, error) {
	a.ServerSeq = 0
	a.Instance = ""
	return s.sessions.PublishAction(ctx, a)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
