package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/logging"
)

// Options configures a Coordinator.
type Options struct {
	// Keys namespaces broker keys and channels.
	Keys broker.Keys
	// Instance identifies this replica on published events. Defaults to a new id.
	Instance string
	// ContextTTL is the retention of persisted shared contexts.
	ContextTTL time.Duration
	// ResultCacheSize bounds how many answered delegations are remembered for
	// duplicate detection and late AwaitResult calls.
	ResultCacheSize int
	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// HandlerFunc processes one inbound mesh event.
type HandlerFunc func(ctx context.Context, ev core.MeshEvent) error

// Delivery is a direct message addressed to an agent registered with this
// coordinator: a task request it should execute or the result of a task it
// delegated.
type Delivery struct {
	SessionID string
	AgentID   string
	Event     core.MeshEvent
}

// Coordinator is the per-replica mesh component. It is safe for concurrent use.
type Coordinator struct {
	broker   broker.Broker
	keys     broker.Keys
	instance string
	ctxTTL   time.Duration
	now      func() time.Time
	logger   logging.Logger

	ctxMu sync.Mutex

	mu        sync.Mutex
	agents    map[string]map[string]*core.AgentInfo
	records   map[string]*DelegationRecord
	answered  *resultCache
	waiters   map[string][]chan Result
	contexts  map[string]*SharedContext
	handlers  map[core.MeshEventType]HandlerFunc
	observers []func(Delivery)

	subMu   sync.Mutex
	subs    map[string]broker.Subscription
	stopped bool

	loopCtx context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// New creates a Coordinator on b with the built-in event handlers installed.
func New(b broker.Broker, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Keys:            broker.NewKeys(""),
		ContextTTL:      24 * time.Hour,
		ResultCacheSize: 4096,
		Now:             time.Now,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Instance == "" {
		opts.Instance = core.NewID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		broker:   b,
		keys:     opts.Keys,
		instance: opts.Instance,
		ctxTTL:   opts.ContextTTL,
		now:      opts.Now,
		logger:   logging.OrNoOp(opts.Logger),
		agents:   make(map[string]map[string]*core.AgentInfo),
		records:  make(map[string]*DelegationRecord),
		answered: newResultCache(opts.ResultCacheSize),
		waiters:  make(map[string][]chan Result),
		contexts: make(map[string]*SharedContext),
		subs:     make(map[string]broker.Subscription),
		loopCtx:  ctx,
		cancel:   cancel,
	}
	c.handlers = map[core.MeshEventType]HandlerFunc{
		core.EventAgentOnline:   c.handleStatus,
		core.EventAgentOffline:  c.handleStatus,
		core.EventAgentBusy:     c.handleStatus,
		core.EventAgentIdle:     c.handleStatus,
		core.EventTaskRequest:   c.handleTaskRequest,
		core.EventTaskCompleted: c.handleReply,
		core.EventTaskFailed:    c.handleReply,
		core.EventTaskResult:    c.handleTaskResult,
		core.EventContextUpdate: c.handleContextUpdate,
	}
	return c
}

// Instance returns the replica id stamped on published events.
func (c *Coordinator) Instance() string { return c.instance }

// JoinSession subscribes to the session channel so remote agent status,
// replies and context updates are mirrored without registering a local agent.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("join session: session id is required")
	}
	if err := c.listen(ctx, c.keys.MeshSession(sessionID)); err != nil {
		return fmt.Errorf("join session %s: %w", sessionID, err)
	}
	return nil
}

// RegisterAgent upserts an idle agent into the session's registry, starts
// listening on its direct channel and announces it as online. Registering an
// existing agent refreshes its role and capabilities.
func (c *Coordinator) RegisterAgent(ctx context.Context, sessionID, agentID, role string, capabilities ...string) (core.AgentInfo, error) {
	if sessionID == "" || agentID == "" {
		return core.AgentInfo{}, fmt.Errorf("register agent: session and agent id are required")
	}
	if err := c.listen(ctx, c.keys.MeshSession(sessionID)); err != nil {
		return core.AgentInfo{}, fmt.Errorf("register agent %s: %w", agentID, err)
	}
	if err := c.listen(ctx, c.keys.MeshAgent(sessionID, agentID)); err != nil {
		return core.AgentInfo{}, fmt.Errorf("register agent %s: %w", agentID, err)
	}

	c.mu.Lock()
	info := c.upsertLocked(sessionID, agentID, role, capabilities)
	info.Status = core.AgentIdle
	info.CurrentTask = ""
	snapshot := *info.Clone()
	c.mu.Unlock()

	ev := c.newEvent(core.EventAgentOnline, sessionID, agentID)
	ev.Payload["role"] = role
	ev.Payload["capabilities"] = snapshot.Capabilities
	if err := c.publish(ctx, c.keys.MeshSession(sessionID), ev); err != nil {
		c.logger.Warn("Failed to announce agent", "session_id", sessionID, "agent_id", agentID, "error", err)
	}
	c.logger.Debug("Agent registered", "session_id", sessionID, "agent_id", agentID, "role", role)
	return snapshot, nil
}

// UnregisterAgent removes an agent, stops listening on its channel and
// announces it as offline. It reports false if the agent was not registered.
func (c *Coordinator) UnregisterAgent(ctx context.Context, sessionID, agentID string) bool {
	c.mu.Lock()
	agents := c.agents[sessionID]
	_, ok := agents[agentID]
	if ok {
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(c.agents, sessionID)
		}
	}
	c.mu.Unlock()

	c.unlisten(c.keys.MeshAgent(sessionID, agentID))
	if !ok {
		return false
	}
	ev := c.newEvent(core.EventAgentOffline, sessionID, agentID)
	if err := c.publish(ctx, c.keys.MeshSession(sessionID), ev); err != nil {
		c.logger.Warn("Failed to announce agent offline", "session_id", sessionID, "agent_id", agentID, "error", err)
	}
	return true
}

// Agent returns a copy of the registry entry for agentID.
func (c *Coordinator) Agent(sessionID, agentID string) (core.AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.agents[sessionID][agentID]
	if !ok {
		return core.AgentInfo{}, false
	}
	return *info.Clone(), true
}

// Agents lists the session's agents ordered by id.
func (c *Coordinator) Agents(sessionID string) []core.AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.AgentInfo, 0, len(c.agents[sessionID]))
	for _, id := range c.sortedIDsLocked(sessionID) {
		out = append(out, *c.agents[sessionID][id].Clone())
	}
	return out
}

// GetAvailableAgent returns the first idle agent with the given role, scanning
// agents in id order. The second return value is false when the role has no
// free capacity.
func (c *Coordinator) GetAvailableAgent(sessionID, role string) (core.AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.availableLocked(sessionID, role)
	if info == nil {
		return core.AgentInfo{}, false
	}
	return *info.Clone(), true
}

// OnDelivery registers fn to observe direct messages for local agents. It is
// called from the listener goroutine and must not block.
func (c *Coordinator) OnDelivery(fn func(Delivery)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// RegisterHandler installs h for events of type t, replacing any existing
// handler including the built-in ones.
func (c *Coordinator) RegisterHandler(t core.MeshEventType, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// HandleEvent dispatches ev to the handler registered for its type. Events
// without a handler are ignored.
func (c *Coordinator) HandleEvent(ctx context.Context, ev core.MeshEvent) error {
	c.mu.Lock()
	h, ok := c.handlers[ev.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("No handler for mesh event", "type", ev.Type, "event_id", ev.ID)
		return nil
	}
	return h(ctx, ev)
}

// EndSession tears down everything the coordinator holds for a session: its
// local agents are announced offline, channels are released, pending
// delegations are dropped and the shared context is deleted.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	local := c.sortedIDsLocked(sessionID)
	for id, rec := range c.records {
		if rec.SessionID == sessionID {
			delete(c.records, id)
			c.notifyLocked(id, Result{EventID: id, Error: "session ended"})
		}
	}
	delete(c.contexts, sessionID)
	c.mu.Unlock()

	for _, id := range local {
		c.UnregisterAgent(ctx, sessionID, id)
	}
	c.unlisten(c.keys.MeshSession(sessionID))

	c.mu.Lock()
	delete(c.agents, sessionID)
	c.mu.Unlock()

	if err := c.broker.Delete(ctx, c.keys.SharedContext(sessionID)); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// Stop closes every subscription and waits for the listener goroutines.
func (c *Coordinator) Stop() {
	c.subMu.Lock()
	if c.stopped {
		c.subMu.Unlock()
		return
	}
	c.stopped = true
	subs := c.subs
	c.subs = make(map[string]broker.Subscription)
	c.subMu.Unlock()

	c.cancel()
	for _, sub := range subs {
		_ = sub.Close()
	}
	c.loops.Wait()
}

func (c *Coordinator) upsertLocked(sessionID, agentID, role string, capabilities []string) *core.AgentInfo {
	agents, ok := c.agents[sessionID]
	if !ok {
		agents = make(map[string]*core.AgentInfo)
		c.agents[sessionID] = agents
	}
	info, ok := agents[agentID]
	if !ok {
		info = core.NewAgentInfo(agentID, role, capabilities, c.now())
		agents[agentID] = info
		return info
	}
	if role != "" {
		info.Role = role
	}
	if capabilities != nil {
		info.Capabilities = core.NormalizeCapabilities(capabilities)
	}
	info.LastActivity = c.now().UTC()
	return info
}

func (c *Coordinator) availableLocked(sessionID, role string) *core.AgentInfo {
	for _, id := range c.sortedIDsLocked(sessionID) {
		if info := c.agents[sessionID][id]; info.IsAvailable(role) {
			return info
		}
	}
	return nil
}

func (c *Coordinator) sortedIDsLocked(sessionID string) []string {
	ids := make([]string, 0, len(c.agents[sessionID]))
	for id := range c.agents[sessionID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) setStatusLocked(sessionID, agentID string, status core.AgentStatus, currentTask string) bool {
	info, ok := c.agents[sessionID][agentID]
	if !ok {
		return false
	}
	info.Status = status
	info.CurrentTask = currentTask
	info.LastActivity = c.now().UTC()
	return true
}

func (c *Coordinator) newEvent(t core.MeshEventType, sessionID, from string) core.MeshEvent {
	ev := core.NewMeshEvent(t, sessionID, from)
	ev.Instance = c.instance
	ev.Timestamp = c.now().UTC()
	return ev
}

func (c *Coordinator) publish(ctx context.Context, channel string, ev core.MeshEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode mesh event: %w", err)
	}
	return c.broker.Publish(ctx, channel, raw)
}

// listen subscribes to channel once and forwards its events to HandleEvent.
func (c *Coordinator) listen(ctx context.Context, channel string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.stopped {
		return broker.ErrClosed
	}
	if _, ok := c.subs[channel]; ok {
		return nil
	}
	sub, err := c.broker.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.subs[channel] = sub

	c.loops.Add(1)
	go c.consume(sub)
	return nil
}

func (c *Coordinator) ownsAgent(sessionID, agentID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subs[c.keys.MeshAgent(sessionID, agentID)]
	return ok
}

func (c *Coordinator) unlisten(channel string) {
	c.subMu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.subMu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

func (c *Coordinator) consume(sub broker.Subscription) {
	defer c.loops.Done()
	for msg := range sub.Messages() {
		var ev core.MeshEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.logger.Warn("Dropping undecodable mesh event", "channel", msg.Channel, "error", err)
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch isolates handler failures so one event cannot stop a listener.
func (c *Coordinator) dispatch(ev core.MeshEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Mesh handler panicked", "type", ev.Type, "event_id", ev.ID, "panic", r)
		}
	}()
	if err := c.HandleEvent(c.loopCtx, ev); err != nil {
		c.logger.Warn("Mesh handler failed", "type", ev.Type, "event_id", ev.ID, "error", err)
	}
}
