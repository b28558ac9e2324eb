package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/internal/server"
	"github.com/schoolride/relay/pkg/config"
	"github.com/schoolride/relay/pkg/state"
)

const testSecret = "server-test-secret"

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestApp(t *testing.T) (*server.App, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	cfg := &config.Config{}
	cfg.Server.Auth.JWTSecret = testSecret
	cfg.Transport.WriteTimeout = time.Second
	cfg.Transport.PingInterval = 50 * time.Millisecond
	cfg.Transport.SendBuffer = 16

	ctx, cancel := context.WithCancel(context.Background())
	app := server.NewApp(logger, ctx, cfg)
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return app, ts
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHandshakeRejectedWithoutValidToken(t *testing.T) {
	_, ts := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectAcksWithConnectedEvent(t *testing.T) {
	app, ts := newTestApp(t)

	c := dial(t, ts, signToken(t, "parent-a", "parent"))
	env := readEvent(t, c)
	assert.Equal(t, protocol.EventConnected, env.Type)

	var ack protocol.Connected
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.Equal(t, "parent-a", ack.UserID)
	assert.Equal(t, int64(1), app.Metrics().SuccessfulAuths.Load())
}

func TestSecondLoginSupersedesFirst(t *testing.T) {
	app, ts := newTestApp(t)
	token := signToken(t, "parent-a", "parent")

	c1 := dial(t, ts, token)
	require.Equal(t, protocol.EventConnected, readEvent(t, c1).Type)

	c2 := dial(t, ts, token)
	require.Equal(t, protocol.EventConnected, readEvent(t, c2).Type)

	// The first socket is closed with the supersede reason, so the old
	// device learns why it stopped receiving events.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c1.Read(ctx)
	require.Error(t, err)
	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Contains(t, closeErr.Reason, "superseded")

	// The superseded connection's cleanup ran and left the newer session
	// registered and reachable.
	require.Eventually(t, func() bool {
		return app.Metrics().TotalDisconnects.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, app.Manager().Count())
	_, ok := app.Manager().ConnectionFor("parent-a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), app.Metrics().Superseded.Load())
}

func TestAdminAutoJoinsAdminChannel(t *testing.T) {
	app, ts := newTestApp(t)
	token := signToken(t, "admin-a", "admin")

	c1 := dial(t, ts, token)
	require.Equal(t, protocol.EventConnected, readEvent(t, c1).Type)
	require.Eventually(t, func() bool {
		return len(app.Manager().Members(state.AdminChannel)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A newer login replaces the admin membership: the superseded
	// connection must not linger as a dead member of admins.
	c2 := dial(t, ts, token)
	require.Equal(t, protocol.EventConnected, readEvent(t, c2).Type)
	require.Eventually(t, func() bool {
		members := app.Manager().Members(state.AdminChannel)
		if len(members) != 1 {
			return false
		}
		current, ok := app.Manager().ConnectionFor("admin-a")
		return ok && current.ID() == members[0].ID()
	}, 2*time.Second, 10*time.Millisecond)
}
