package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentfleet/broker"
	"github.com/hupe1980/agentfleet/core"
	"github.com/hupe1980/agentfleet/dispatcher"
	"github.com/hupe1980/agentfleet/mesh"
	"github.com/hupe1980/agentfleet/session"
)

type fixture struct {
	dispatcher *dispatcher.Dispatcher
	sessions   *session.Manager
	mesh       *mesh.Coordinator
	hub        *Hub
	server     *Server
	http       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := broker.NewInMemoryBroker()
	f := &fixture{
		dispatcher: dispatcher.New(b, core.OrchestratorFunc(func(_ context.Context, task *core.Task) (string, error) {
			return "done: " + task.Payload, nil
		})),
		sessions: session.New(b),
		mesh:     mesh.New(b),
	}
	f.hub = NewHub(func(o *HubOptions) {
		o.Welcome = func(room string) (string, any, bool) { return f.server.Welcome(room) }
		o.OnMessage = func(room string, data []byte) { f.server.HandleClientMessage(room, data) }
	})
	f.server = NewServer(f.dispatcher, f.sessions, f.mesh, f.hub)
	f.http = httptest.NewServer(f.server)
	t.Cleanup(func() {
		f.http.Close()
		f.hub.Close()
		f.sessions.Stop()
		f.mesh.Stop()
		_ = b.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
		if m, ok := v.(map[string]any); ok {
			out = m
		} else {
			out["items"] = v
		}
	}
	return resp, out
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	workers, ok := body["workers"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, workers["in_use"])
	assert.NotEmpty(t, workers["worker_id"])
}

func TestServer_EnqueueAndGetTask(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/sessions/s1/tasks", map[string]any{"agent_id": "coder", "payload": "build X"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	resp, body = f.do(t, http.MethodGet, "/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "build X", body["payload"])

	resp, body = f.do(t, http.MethodDelete, "/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cancelled"])
}

func TestServer_EnqueueValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/sessions/s1/tasks", map[string]any{"payload": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/sessions/s1/tasks", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestServer_UnknownTask(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestServer_ActionsAndFullSync(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/sessions/s1/sync", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/sessions/s1/actions", map[string]any{
		"type":       "file_open",
		"payload":    map[string]any{"path": "main.go"},
		"server_seq": 99,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["server_seq"])

	resp, body = f.do(t, http.MethodGet, "/sessions/s1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["server_seq"])
	state, ok := body["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s1", state["session_id"])
}

func TestServer_ActionValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/sessions/s1/actions", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sessions/s1/actions", map[string]any{"type": "file_open"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestServer_AgentsAndDelegation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/sessions/s1/delegations", map[string]any{"from_agent": "planner", "to_role": "coder"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, core.ErrNoAvailableAgent.Error(), body["error"])

	_, err := f.mesh.RegisterAgent(ctx, "s1", "coder-1", "coder")
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodGet, "/sessions/s1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	resp, body = f.do(t, http.MethodPost, "/sessions/s1/delegations", map[string]any{
		"from_agent":  "planner",
		"to_role":     "coder",
		"description": "write tests",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["event_id"])

	agent, ok := f.mesh.Agent("s1", "coder-1")
	require.True(t, ok)
	assert.Equal(t, core.AgentBusy, agent.Status)

	resp, _ = f.do(t, http.MethodPost, "/sessions/s1/delegations", map[string]any{"from_agent": "planner"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SharedContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.mesh.UpdateSharedContext(context.Background(), "s1", "coder", map[string]any{"branch": "main"})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/sessions/s1/context", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "main", data["branch"])
}

func TestServer_WebsocketReceivesSyncActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sessions.SetBroadcast(f.hub.Broadcast)
	require.NoError(t, f.sessions.Start(ctx))

	_, err := f.sessions.CreateSessionState(ctx, "s1")
	require.NoError(t, err)

	conn := dial(t, f.http, "/sessions/s1/ws")
	env := readEnvelope(t, conn)
	assert.Equal(t, FullSyncEvent, env.Event)

	require.Eventually(t, func() bool { return f.hub.RoomSize("s1") == 1 }, time.Second, 5*time.Millisecond)

	frame, err := json.Marshal(map[string]any{"type": "file_open", "payload": map[string]any{"path": "a.go"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	env = readEnvelope(t, conn)
	assert.Equal(t, session.BroadcastEvent, env.Event)
	payload, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "file_open", payload["type"])
	assert.EqualValues(t, 1, payload["server_seq"])
}
