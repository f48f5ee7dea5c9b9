package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/admin"
	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.AdminUser = "admin"
	cfg.AdminPassword = "s3cret"
	cfg.MaintenanceInterval = time.Hour
	cfg.StatsInterval = 20 * time.Millisecond
	return cfg
}

// build wires a server the way the injector does, with a silent logger.
func build(t *testing.T, cfg Config) *Server {
	t.Helper()
	require.NoError(t, cfg.Validate())

	logger := log.NewNop()
	gate, closeGate, err := ProvideGate(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(closeGate)
	chain, closeChain, err := ProvideLoginChain(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(closeChain)
	metrics := ProvideMetrics()
	mw := ProvideMiddlewares(cfg, metrics, logger)
	requests := ProvideRequestCounter()
	sessions, err := ProvideRegistry(cfg, chain, mw, requests, logger)
	require.NoError(t, err)
	reaper, err := ProvideReaper(cfg, sessions, logger)
	require.NoError(t, err)
	info := ProvideServerInformation(cfg)
	adm := ProvideAdmin(sessions, ProvideCollector(), requests, info, logger)
	catalog, err := ProvideCatalog(gate)
	require.NoError(t, err)
	dispatcher, err := ProvideDispatcher(catalog, mw)
	require.NoError(t, err)

	return NewServer(cfg, logger, gate, sessions, reaper, adm, dispatcher, metrics, info)
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv := build(t, cfg)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func connectURL(srv *Server) string {
	return "ws://" + srv.Addr().String() + ConnectPath
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	next uint64
}

func dial(t *testing.T, srv *Server, req *identity.ConnectionRequest) (*testClient, *protocol.Reply) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(connectURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(req))
	var reply protocol.Reply
	require.NoError(t, conn.ReadJSON(&reply))
	return &testClient{t: t, conn: conn}, &reply
}

func (c *testClient) call(method, tag string, payload any) *protocol.Reply {
	c.t.Helper()
	c.next++
	frame := protocol.Frame{ID: c.next, Method: method, Type: tag}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		frame.Payload = data
	}
	require.NoError(c.t, c.conn.WriteJSON(frame))
	var reply protocol.Reply
	require.NoError(c.t, c.conn.ReadJSON(&reply))
	require.Equal(c.t, c.next, reply.ID)
	return &reply
}

func scottRequest(id uuid.UUID) *identity.ConnectionRequest {
	return identity.NewConnectionRequest(identity.NewUser("scott", []byte("tiger")), "desktop", identity.WithClientID(id))
}

func TestServer_ConnectCallDisconnect(t *testing.T) {
	srv := startServer(t, testConfig())
	id := uuid.New()

	client, reply := dial(t, srv, scottRequest(id))
	require.Equal(t, protocol.StatusConnected, reply.Status)
	assert.Equal(t, srv.Information().ID.String(), reply.ServerID)
	assert.Equal(t, id.String(), reply.ClientID)
	assert.Equal(t, 1, srv.Admin().ConnectionCount())

	reply = client.call("echo", "remote.Message", Message{Text: "hi"})
	require.Equal(t, protocol.StatusOK, reply.Status)
	assert.JSONEq(t, `{"text":"hi"}`, string(reply.Result))

	reply = client.call(protocol.MethodDisconnect, "", nil)
	assert.Equal(t, protocol.StatusDisconnected, reply.Status)
	require.Eventually(t, func() bool { return srv.Admin().ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ReconnectKeepsSession(t *testing.T) {
	srv := startServer(t, testConfig())
	id := uuid.New()

	first, reply := dial(t, srv, scottRequest(id))
	require.Equal(t, protocol.StatusConnected, reply.Status)
	first.call("ping", "", nil)

	// a dropped transport leaves the session in place
	require.NoError(t, first.conn.Close())

	second, reply := dial(t, srv, scottRequest(id))
	require.Equal(t, protocol.StatusConnected, reply.Status)
	assert.Equal(t, 1, srv.Admin().ConnectionCount())

	entry := srv.registry.Connections()[id]
	require.NotNil(t, entry.Connection)
	assert.EqualValues(t, 1, entry.Connection.Calls())

	second.call("ping", "", nil)
	assert.EqualValues(t, 2, entry.Connection.Calls())
}

func TestServer_TheftRejected(t *testing.T) {
	srv := startServer(t, testConfig())
	id := uuid.New()

	owner, reply := dial(t, srv, scottRequest(id))
	require.Equal(t, protocol.StatusConnected, reply.Status)

	thief := identity.NewConnectionRequest(identity.NewUser("scott", []byte("guess")), "desktop", identity.WithClientID(id))
	_, reply = dial(t, srv, thief)
	require.Equal(t, protocol.StatusError, reply.Status)
	assert.ErrorIs(t, reply.Error.Err(), errs.ErrAuthentication)

	// the owner is unaffected
	assert.Equal(t, protocol.StatusOK, owner.call("ping", "", nil).Status)
	assert.Equal(t, 1, srv.Admin().ConnectionCount())
}

func TestServer_ConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionLimit = 1
	srv := startServer(t, cfg)

	first, reply := dial(t, srv, scottRequest(uuid.New()))
	require.Equal(t, protocol.StatusConnected, reply.Status)

	_, reply = dial(t, srv, scottRequest(uuid.New()))
	require.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, errs.CodeCapacity, reply.Error.Code)

	first.call(protocol.MethodDisconnect, "", nil)
	require.Eventually(t, func() bool { return srv.Admin().ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, reply = dial(t, srv, scottRequest(uuid.New()))
	assert.Equal(t, protocol.StatusConnected, reply.Status)
}

func TestServer_FailingHandlerLeavesSessionIdle(t *testing.T) {
	srv := startServer(t, testConfig())
	require.NoError(t, srv.Dispatcher().Handle("explode", func(context.Context, *ClientSession, any) (any, error) {
		panic("boom")
	}))
	id := uuid.New()
	client, _ := dial(t, srv, scottRequest(id))

	reply := client.call("explode", "", nil)
	require.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, errs.CodeInternal, reply.Error.Code)

	sessions := srv.registry.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Busy)
	assert.Equal(t, protocol.StatusOK, client.call("ping", "", nil).Status)
}

func TestServer_MalformedHandshake(t *testing.T) {
	srv := startServer(t, testConfig())

	conn, _, err := websocket.DefaultDialer.Dial(connectURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"user":{"username":"scott"}}`)))
	var reply protocol.Reply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, errs.CodeInvalidArgument, reply.Error.Code)
	assert.Zero(t, srv.Admin().ConnectionCount())
}

func TestServer_AdminDisconnectClosesTransport(t *testing.T) {
	srv := startServer(t, testConfig())
	id := uuid.New()
	client, _ := dial(t, srv, scottRequest(id))

	require.NoError(t, srv.Admin().Disconnect(context.Background(), id))

	_ = client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestServer_StopEndsSessions(t *testing.T) {
	srv := build(t, testConfig())
	require.NoError(t, srv.Start(context.Background()))
	require.ErrorIs(t, srv.Start(context.Background()), ErrServerAlreadyRunning)

	dial(t, srv, scottRequest(uuid.New()))
	dial(t, srv, scottRequest(uuid.New()))
	require.Equal(t, 2, srv.Admin().ConnectionCount())

	require.NoError(t, srv.Stop(context.Background()))
	assert.Zero(t, srv.Admin().ConnectionCount())
	require.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)
	require.ErrorIs(t, srv.Start(context.Background()), ErrServerClosed)
}

func TestServer_Run(t *testing.T) {
	srv := build(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func adminRequest(t *testing.T, srv *Server, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://"+srv.AdminAddr().String()+path, reader)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAdminChannel(t *testing.T) {
	srv := startServer(t, testConfig())
	id := uuid.New()
	dial(t, srv, scottRequest(id))
	dial(t, srv, identity.NewConnectionRequest(identity.NewUser("john", nil), "web", identity.WithClientID(uuid.New())))

	t.Run("requires credentials", func(t *testing.T) {
		resp, err := http.Get("http://" + srv.AdminAddr().String() + "/admin/clients")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("clients", func(t *testing.T) {
		resp := adminRequest(t, srv, http.MethodGet, "/admin/clients", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decode[[]clientView](t, resp), 2)

		resp = adminRequest(t, srv, http.MethodGet, "/admin/clients?type=web", "")
		views := decode[[]clientView](t, resp)
		require.Len(t, views, 1)
		assert.Equal(t, "john", views[0].User)

		resp = adminRequest(t, srv, http.MethodGet, "/admin/users", "")
		assert.Equal(t, []string{"john", "scott"}, decode[[]string](t, resp))

		resp = adminRequest(t, srv, http.MethodGet, "/admin/client-types", "")
		assert.Equal(t, []string{"desktop", "web"}, decode[[]string](t, resp))
	})

	t.Run("connection limit", func(t *testing.T) {
		resp := adminRequest(t, srv, http.MethodPut, "/admin/connections/limit", `{"limit":10}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 10, decode[limitBody](t, resp).Limit)

		resp = adminRequest(t, srv, http.MethodPut, "/admin/connections/limit", `{"limit":-7}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, errs.CodeInvalidArgument, decode[protocol.ErrorBody](t, resp).Code)

		resp = adminRequest(t, srv, http.MethodGet, "/admin/connections/count", "")
		assert.Equal(t, map[string]int{"count": 2}, decode[map[string]int](t, resp))
	})

	t.Run("statistics", func(t *testing.T) {
		resp := adminRequest(t, srv, http.MethodGet, "/admin/statistics", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		stats := decode[admin.ServerStatistics](t, resp)
		assert.Equal(t, 2, stats.ConnectionCount)
		assert.Positive(t, stats.Threads.Goroutines)

		resp = adminRequest(t, srv, http.MethodGet, "/admin/gc?since=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = adminRequest(t, srv, http.MethodGet, fmt.Sprintf("/admin/gc?since=%d", time.Now().UnixMilli()), "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		for _, path := range []string{"/admin/information", "/admin/properties", "/admin/memory", "/admin/threads", "/admin/requests", "/admin/cpu", "/admin/methods"} {
			resp = adminRequest(t, srv, http.MethodGet, path, "")
			assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		}
	})

	t.Run("statistics stream", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Basic YWRtaW46czNjcmV0") // admin:s3cret
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.AdminAddr().String()+"/admin/statistics/stream", header)
		require.NoError(t, err)
		defer conn.Close()

		for range 2 {
			var stats admin.ServerStatistics
			require.NoError(t, conn.ReadJSON(&stats))
			assert.Equal(t, 2, stats.ConnectionCount)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		resp := adminRequest(t, srv, http.MethodDelete, "/admin/clients/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = adminRequest(t, srv, http.MethodDelete, "/admin/clients/"+id.String(), "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = adminRequest(t, srv, http.MethodDelete, "/admin/clients/"+id.String(), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
