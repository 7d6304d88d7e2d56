package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/logging"
)

// BroadcastEvent is the event name actions are forwarded under.
const BroadcastEvent = "sync_action"

// BroadcastFunc forwards payload to every client in room. The hosting
// transport supplies it; rooms are named by session id.
type BroadcastFunc func(room, event string, payload any)

// Config bounds the local replica.
type Config struct {
	// MaxSessions caps the number of cached session states.
	MaxSessions int
	// MaxCounters caps the number of per-session sequence counters.
	MaxCounters int
	// SnapshotTTL is the retention of persisted snapshots.
	SnapshotTTL time.Duration
}

// DefaultConfig provides production defaults:
//   - MaxSessions: 1000
//   - MaxCounters: 5000
//   - SnapshotTTL: 24h
var DefaultConfig = Config{
	MaxSessions: 1000,
	MaxCounters: 5000,
	SnapshotTTL: 24 * time.Hour,
}

// Options configures a Manager.
type Options struct {
	Config Config
	Keys   broker.Keys
	// Instance identifies this replica on published actions. Defaults to a new id.
	Instance string
	// Broadcast receives every action seen by the listener. Optional.
	Broadcast BroadcastFunc
	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// FullSync is the payload handed to reconnecting clients.
type FullSync struct {
	State     State `json:"state"`
	ServerSeq int64 `json:"server_seq"`
}

// Manager is the per-replica session synchronisation component.
type Manager struct {
	broker      broker.Broker
	keys        broker.Keys
	instance    string
	snapshotTTL time.Duration
	now         func() time.Time
	logger      logging.Logger

	mu        sync.Mutex
	cache     *stateCache
	handlers  map[ActionType]HandlerFunc
	broadcast BroadcastFunc

	runMu   sync.Mutex
	started bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New creates a Manager on b with the built-in action handlers installed.
func New(b broker.Broker, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Config: DefaultConfig,
		Keys:   broker.NewKeys(""),
		Now:    time.Now,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Instance == "" {
		opts.Instance = core.NewID()
	}
	if opts.Config.SnapshotTTL <= 0 {
		opts.Config.SnapshotTTL = DefaultConfig.SnapshotTTL
	}
	return &Manager{
		broker:      b,
		keys:        opts.Keys,
		instance:    opts.Instance,
		snapshotTTL: opts.Config.SnapshotTTL,
		now:         opts.Now,
		logger:      logging.OrNoOp(opts.Logger),
		cache:       newStateCache(opts.Config.MaxSessions, opts.Config.MaxCounters),
		handlers:    defaultHandlers(),
		broadcast:   opts.Broadcast,
	}
}

// Instance returns the replica id stamped on published actions.
func (m *Manager) Instance() string { return m.instance }

// SetBroadcast replaces the broadcast callback.
func (m *Manager) SetBroadcast(fn BroadcastFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast = fn
}

// RegisterHandler installs h for actions of type t, replacing any built-in
// handler.
func (m *Manager) RegisterHandler(t ActionType, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// PublishAction assigns the next sequence number for the session, broadcasts
// the action on the sync channel and applies it locally. The returned action
// carries the assigned ServerSeq.
func (m *Manager) PublishAction(ctx context.Context, a Action) (Action, error) {
	if a.SessionID == "" || a.Type == "" {
		return Action{}, errors.New("publish action: session id and type are required")
	}

	now := m.now()
	m.mu.Lock()
	var floor int64
	if st, ok := m.cache.get(a.SessionID); ok {
		floor = st.Version
	}
	a.ServerSeq = m.cache.next(a.SessionID, floor, now)
	m.mu.Unlock()

	a.Instance = m.instance
	if a.Timestamp.IsZero() {
		a.Timestamp = now.UTC()
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return Action{}, fmt.Errorf("encode action: %w", err)
	}
	if err := m.broker.Publish(ctx, m.keys.SyncChannel(), raw); err != nil {
		return Action{}, fmt.Errorf("publish action: %w", err)
	}
	if err := m.ApplyAction(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// ApplyAction applies a to the cached state of its session and persists the
// resulting snapshot. A handler error leaves the state unchanged. Actions of
// unknown type only advance Version and the activity timestamps.
func (m *Manager) ApplyAction(ctx context.Context, a Action) error {
	if a.SessionID == "" {
		return errors.New("apply action: session id is required")
	}
	if err := m.hydrate(ctx, a.SessionID); err != nil {
		m.logger.Warn("Applying action without persisted snapshot", "session_id", a.SessionID, "error", err)
	}

	now := m.now()
	m.mu.Lock()
	current, evicted := m.cache.getOrCreate(a.SessionID, now)
	next := current.Clone()
	var applyErr error
	if h, ok := m.handlers[a.Type]; ok {
		applyErr = runHandler(h, next, a)
	}
	if applyErr == nil {
		if a.ServerSeq > next.Version {
			next.Version = a.ServerSeq
		}
		activity := a.Timestamp
		if activity.IsZero() {
			activity = now
		}
		next.LastActivity = activity.UTC()
		next.UpdatedAt = now.UTC()
		m.cache.put(next)
		if a.Instance != m.instance && a.ServerSeq > 0 {
			m.cache.observe(a.SessionID, a.ServerSeq, now)
		}
	}
	snapshot := next.Clone()
	m.mu.Unlock()

	m.logEvictions(evicted)
	m.logSync(a, applyErr)
	if applyErr != nil {
		return fmt.Errorf("apply %s to %s: %w", a.Type, a.SessionID, applyErr)
	}
	if err := m.persist(ctx, snapshot); err != nil {
		m.logger.Warn("Failed to persist session snapshot", "session_id", a.SessionID, "error", err)
	}
	return nil
}

// Start subscribes to the sync channel and runs the listener loop until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return errors.New("session manager already started")
	}
	sub, err := m.broker.Subscribe(ctx, m.keys.SyncChannel())
	if err != nil {
		return fmt.Errorf("subscribe sync channel: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.done = make(chan struct{})
	m.started = true

	go func() {
		<-loopCtx.Done()
		_ = sub.Close()
	}()
	go m.listen(loopCtx, sub.Messages(), m.done)
	return nil
}

// Stop terminates the listener loop and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.started {
		m.runMu.Unlock()
		return
	}
	m.started = false
	stop, done := m.stop, m.done
	m.runMu.Unlock()

	stop()
	<-done
}

func (m *Manager) listen(ctx context.Context, msgs <-chan broker.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var a Action
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			m.logger.Warn("Dropping undecodable sync message", "error", err)
			continue
		}
		m.receive(ctx, a)
	}
}

// receive applies a remote action and forwards every action to local
// clients. Failures are contained to the one action.
func (m *Manager) receive(ctx context.Context, a Action) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Sync action handling panicked", "type", a.Type, "session_id", a.SessionID, "panic", r)
		}
	}()
	if a.Instance != m.instance {
		if err := m.ApplyAction(ctx, a); err != nil {
			m.logger.Warn("Failed to apply remote action", "type", a.Type, "session_id", a.SessionID, "error", err)
		}
	}
	m.mu.Lock()
	broadcast := m.broadcast
	m.mu.Unlock()
	if broadcast != nil {
		broadcast(a.SessionID, BroadcastEvent, a)
	}
}

// CreateSessionState returns the session's state, creating and persisting an
// empty one if none exists locally or in the broker.
func (m *Manager) CreateSessionState(ctx context.Context, sessionID string) (State, error) {
	if sessionID == "" {
		return State{}, errors.New("create session state: session id is required")
	}
	if err := m.hydrate(ctx, sessionID); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	_, existed := m.cache.get(sessionID)
	st, evicted := m.cache.getOrCreate(sessionID, m.now())
	snapshot := st.Clone()
	m.mu.Unlock()

	m.logEvictions(evicted)
	if !existed {
		if err := m.persist(ctx, snapshot); err != nil {
			return *snapshot, err
		}
	}
	return *snapshot, nil
}

// GetSessionState returns a copy of the session's state, hydrating it from
// the broker if it is not cached. The second value is false when the session
// is unknown.
func (m *Manager) GetSessionState(ctx context.Context, sessionID string) (State, bool, error) {
	if err := m.hydrate(ctx, sessionID); err != nil {
		return State{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cache.get(sessionID)
	if !ok {
		return State{}, false, nil
	}
	return *st.Clone(), true, nil
}

// GetFullSync returns the session state together with the local sequence
// counter so reconnecting clients can reconcile.
func (m *Manager) GetFullSync(ctx context.Context, sessionID string) (FullSync, bool, error) {
	st, ok, err := m.GetSessionState(ctx, sessionID)
	if err != nil || !ok {
		return FullSync{}, ok, err
	}
	m.mu.Lock()
	seq, found := m.cache.seq(sessionID)
	m.mu.Unlock()
	if !found || seq < st.Version {
		seq = st.Version
	}
	return FullSync{State: st, ServerSeq: seq}, true, nil
}

// Sessions lists the ids of cached sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := m.cache.ids()
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// PersistAll writes every cached state to the broker and returns how many
// snapshots were stored.
func (m *Manager) PersistAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	snapshots := make([]*State, 0, len(m.cache.states))
	for _, st := range m.cache.states {
		snapshots = append(snapshots, st.Clone())
	}
	m.mu.Unlock()

	var errs []error
	stored := 0
	for _, st := range snapshots {
		if err := m.persist(ctx, st); err != nil {
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

// AddViewer publishes a viewer_join action.
func (m *Manager) AddViewer(ctx context.Context, sessionID string, v Viewer) error {
	return m.publish(ctx, ActionViewerJoin, sessionID, v)
}

// RemoveViewer publishes a viewer_leave action.
func (m *Manager) RemoveViewer(ctx context.Context, sessionID, viewerID string) error {
	return m.publish(ctx, ActionViewerLeave, sessionID, ViewerLeavePayload{ViewerID: viewerID})
}

// UpdateViewerCursor publishes a cursor_move action.
func (m *Manager) UpdateViewerCursor(ctx context.Context, sessionID, viewerID string, cursor Cursor) error {
	return m.publish(ctx, ActionCursorMove, sessionID, CursorMovePayload{ViewerID: viewerID, Cursor: cursor})
}

// AddWorkspace publishes a workspace_add action.
func (m *Manager) AddWorkspace(ctx context.Context, sessionID string, ws WorkspaceState) error {
	return m.publish(ctx, ActionWorkspaceAdd, sessionID, ws)
}

// AddAgent publishes an agent_add action.
func (m *Manager) AddAgent(ctx context.Context, sessionID string, ag AgentState) error {
	return m.publish(ctx, ActionAgentAdd, sessionID, ag)
}

// UpdateAgentStatus publishes an agent_status action.
func (m *Manager) UpdateAgentStatus(ctx context.Context, sessionID, agentID string, status core.AgentStatus, currentTask string) error {
	return m.publish(ctx, ActionAgentStatus, sessionID, AgentStatusPayload{AgentID: agentID, Status: status, CurrentTask: currentTask})
}

func (m *Manager) publish(ctx context.Context, t ActionType, sessionID string, payload any) error {
	a, err := NewAction(t, sessionID, payload)
	if err != nil {
		return err
	}
	a.SenderID = m.instance
	_, err = m.PublishAction(ctx, a)
	return err
}

// hydrate loads the persisted snapshot of a session that is not cached.
func (m *Manager) hydrate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, ok := m.cache.get(sessionID)
	m.mu.Unlock()
	if ok {
		return nil
	}

	raw, found, err := m.broker.Get(ctx, m.keys.SyncState(sessionID))
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	if !found {
		return nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", sessionID, err)
	}

	m.mu.Lock()
	var evicted []string
	if _, ok := m.cache.get(sessionID); !ok {
		evicted = m.cache.put(&st)
	}
	m.mu.Unlock()
	m.logEvictions(evicted)
	return nil
}

// runHandler converts a handler panic into an error so the caller's lock is
// released normally.
func runHandler(h HandlerFunc, st *State, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(st, a)
}

func (m *Manager) persist(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.broker.Set(ctx, m.keys.SyncState(st.SessionID), raw, m.snapshotTTL); err != nil {
		return fmt.Errorf("store snapshot %s: %w", st.SessionID, err)
	}
	return nil
}

func (m *Manager) logEvictions(ids []string) {
	for _, id := range ids {
		m.logger.Debug("Evicted session from local cache", "session_id", id)
	}
}

func (m *Manager) logSync(a Action, err error) {
	if fl, ok := m.logger.(*logging.FleetLogger); ok {
		fl.LogSyncAction(string(a.Type), a.ServerSeq, err)
		return
	}
	if err != nil {
		m.logger.Warn("Sync action rejected", "type", a.Type, "session_id", a.SessionID, "seq", a.ServerSeq, "error", err)
	}
}
