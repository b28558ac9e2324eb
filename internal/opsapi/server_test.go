package opsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/internal/relay"
	"github.com/schoolride/relay/pkg/state"
	"github.com/schoolride/relay/pkg/state/statemanager"
)

type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(m []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(m))
	copy(buf, m)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close(error) {}

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

type env struct {
	manager state.Manager
	server  *Server
}

func newEnv() *env {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	metrics := relay.NewMetrics()
	manager := statemanager.NewInMemoryManager(logger)
	broadcaster := relay.NewBroadcaster(logger, manager, metrics)
	service := relay.NewService(logger, manager, broadcaster)
	return &env{
		manager: manager,
		server:  NewServer(logger, service, manager, metrics),
	}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestTripBroadcast(t *testing.T) {
	e := newEnv()
	conn := newFakeConn()
	_, err := e.manager.Register("parent-a", state.RoleParent, conn)
	require.NoError(t, err)
	require.NoError(t, e.manager.Join(state.TripChannel("42"), conn.ID()))

	rec := e.do(t, http.MethodPost, "/internal/trips/42/broadcast", `{"status":"accepted","driverId":"driver-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BroadcastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.Delivered)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	var got protocol.Envelope
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, protocol.EventTripUpdate, got.Type)

	var update protocol.TripUpdate
	require.NoError(t, json.Unmarshal(got.Payload, &update))
	assert.Equal(t, "42", update.TripID)
	assert.JSONEq(t, `{"status":"accepted","driverId":"driver-7"}`, string(update.Payload))
}

func TestTripBroadcastRejectsInvalidBody(t *testing.T) {
	e := newEnv()

	rec := e.do(t, http.MethodPost, "/internal/trips/42/broadcast", `{"status":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/internal/trips/42/broadcast", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTripBroadcastEmptyChannelDeliversZero(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/internal/trips/99/broadcast", `{"status":"cancelled"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BroadcastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Zero(t, resp.Delivered)
}

func TestNotifyUser(t *testing.T) {
	e := newEnv()
	conn := newFakeConn()
	_, err := e.manager.Register("parent-a", state.RoleParent, conn)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/internal/users/parent-a/notify", `{"event":"request-accepted","payload":{"tripId":"42"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp NotifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Delivered)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	var got protocol.Envelope
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, protocol.EventNotification, got.Type)
}

func TestNotifyUserOffline(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/internal/users/parent-ghost/notify", `{"event":"request-accepted"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp NotifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.False(t, resp.Delivered)
}

func TestNotifyUserRequiresEvent(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/internal/users/parent-a/notify", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTripParticipants(t *testing.T) {
	e := newEnv()
	a := newFakeConn()
	b := newFakeConn()
	_, err := e.manager.Register("parent-a", state.RoleParent, a)
	require.NoError(t, err)
	_, err = e.manager.Register("parent-b", state.RoleParent, b)
	require.NoError(t, err)
	require.NoError(t, e.manager.Join(state.TripChannel("42"), a.ID()))
	require.NoError(t, e.manager.Join(state.TripChannel("42"), b.ID()))

	rec := e.do(t, http.MethodGet, "/internal/trips/42/participants", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ParticipantsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.TripID)
	assert.ElementsMatch(t, []string{"parent-a", "parent-b"}, resp.Participants)

	rec = e.do(t, http.MethodGet, "/internal/trips/99/participants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Participants)
}

func TestMetricsExposition(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE relay_connections_total counter")
	assert.Contains(t, body, "relay_sessions_active 0")
	assert.Contains(t, body, "relay_emergencies_total 0")
}

func TestStats(t *testing.T) {
	e := newEnv()
	conn := newFakeConn()
	_, err := e.manager.Register("parent-a", state.RoleParent, conn)
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/internal/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ConnectedUsers)
	assert.Zero(t, resp.ActiveChannels)
}
