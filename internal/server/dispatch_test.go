package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/protocol"
	"github.com/zeusync/remoteserver/internal/core/protocol/middlewares"
	"github.com/zeusync/remoteserver/internal/core/serialization"
)

func newTestDispatcher(t *testing.T, gate serialization.Gate) *Dispatcher {
	t.Helper()
	catalog, err := ProvideCatalog(gate)
	require.NoError(t, err)
	d, err := NewDispatcher(catalog, middlewares.NewChain(middlewares.NewMetricsMiddleware()))
	require.NoError(t, err)
	return d
}

func testSession() *ClientSession {
	req := identity.NewConnectionRequest(identity.NewUser("scott", []byte("tiger")), "desktop",
		identity.WithClientID(uuid.New()), identity.WithClientVersion("1.2"))
	return &ClientSession{client: identity.NewRemoteClient(req, "10.0.0.1", time.Now()), openedAt: time.Now()}
}

func dispatch(d *Dispatcher, session *ClientSession, method, tag, payload string) *protocol.Reply {
	frame := &protocol.Frame{ID: 9, Method: method, Type: tag}
	if payload != "" {
		frame.Payload = json.RawMessage(payload)
	}
	return d.Dispatch(context.Background(), session, frame)
}

func TestDispatcher_Builtins(t *testing.T) {
	d := newTestDispatcher(t, serialization.AllowAll{})
	session := testSession()

	reply := dispatch(d, session, "ping", "", "")
	require.Equal(t, protocol.StatusOK, reply.Status, "%+v", reply.Error)
	assert.EqualValues(t, 9, reply.ID)
	assert.JSONEq(t, `"pong"`, string(reply.Result))

	reply = dispatch(d, session, "echo", "remote.Message", `{"text":"hello"}`)
	require.Equal(t, protocol.StatusOK, reply.Status, "%+v", reply.Error)
	assert.JSONEq(t, `{"text":"hello"}`, string(reply.Result))

	reply = dispatch(d, session, "sum", "int64[]", `[1,2,3]`)
	require.Equal(t, protocol.StatusOK, reply.Status, "%+v", reply.Error)
	assert.JSONEq(t, `6`, string(reply.Result))

	reply = dispatch(d, session, "sum", "float64[]", `[0.5,0.25]`)
	require.Equal(t, protocol.StatusOK, reply.Status, "%+v", reply.Error)
	assert.JSONEq(t, `0.75`, string(reply.Result))

	reply = dispatch(d, session, "whoami", "", "")
	require.Equal(t, protocol.StatusOK, reply.Status, "%+v", reply.Error)
	var view clientView
	require.NoError(t, json.Unmarshal(reply.Result, &view))
	assert.Equal(t, "scott", view.User)
	assert.Equal(t, "scott", view.DatabaseUser)
	assert.Equal(t, "1.2", view.ClientVersion)
	assert.Equal(t, "10.0.0.1", view.ClientHost)

	reply = dispatch(d, session, "types", "", "")
	require.Equal(t, protocol.StatusOK, reply.Status, "%+v", reply.Error)
	assert.JSONEq(t, `["bool","float64","int64","remote.Entity","remote.Message","string"]`, string(reply.Result))

	assert.EqualValues(t, 6, session.Calls())
}

func TestDispatcher_Errors(t *testing.T) {
	d := newTestDispatcher(t, serialization.AllowAll{})
	session := testSession()

	tests := []struct {
		name    string
		method  string
		tag     string
		payload string
		code    errs.Code
	}{
		{"unknown method", "launch", "", "", errs.CodeNotFound},
		{"unregistered type", "echo", "os.File", `{}`, errs.CodeRejected},
		{"payload without type", "echo", "", `"x"`, errs.CodeInvalidArgument},
		{"malformed payload", "echo", "int64", `"nope"`, errs.CodeInvalidArgument},
		{"wrong sum type", "sum", "string", `"1"`, errs.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := dispatch(d, session, tt.method, tt.tag, tt.payload)
			require.Equal(t, protocol.StatusError, reply.Status)
			assert.EqualValues(t, 9, reply.ID)
			assert.Equal(t, tt.code, reply.Error.Code)
		})
	}
}

func TestDispatcher_WhitelistGate(t *testing.T) {
	gate := serialization.NewWhitelist([]string{"remote.Value", "remote.Message"})
	d := newTestDispatcher(t, gate)
	session := testSession()

	reply := dispatch(d, session, "echo", "remote.Message", `{"text":"ok"}`)
	assert.Equal(t, protocol.StatusOK, reply.Status)

	reply = dispatch(d, session, "echo", "remote.Message[]", `[{"text":"ok"}]`)
	assert.Equal(t, protocol.StatusOK, reply.Status)

	reply = dispatch(d, session, "echo", "remote.Entity", `{"type":"emp","key":"1"}`)
	require.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, errs.CodeRejected, reply.Error.Code)

	// primitive array components are always allowed
	reply = dispatch(d, session, "sum", "int64[]", `[4]`)
	assert.Equal(t, protocol.StatusOK, reply.Status)
}

func TestDispatcher_DryRunRecordsTypes(t *testing.T) {
	gate, err := serialization.NewDryRun(t.TempDir() + "/classes.txt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = gate.Close() })
	d := newTestDispatcher(t, gate)
	session := testSession()

	dispatch(d, session, "echo", "remote.Entity[]", `[]`)
	dispatch(d, session, "echo", "string", `"s"`)

	assert.Equal(t, []string{"remote.Entity", "remote.Value", "string"}, gate.Classes())
}

func TestDispatcher_Handle(t *testing.T) {
	d := newTestDispatcher(t, serialization.AllowAll{})

	require.NoError(t, d.Handle("upper", func(_ context.Context, _ *ClientSession, v any) (any, error) {
		return v, nil
	}))
	require.ErrorIs(t, d.Handle("upper", echo), errs.ErrConfiguration)
	require.ErrorIs(t, d.Handle("upper", echo), ErrDuplicateHandler)
	require.ErrorIs(t, d.Handle(protocol.MethodDisconnect, echo), errs.ErrInvalidArgument)
	assert.Contains(t, d.Methods(), "upper")
}

func TestDispatcher_HandlerPanic(t *testing.T) {
	d := newTestDispatcher(t, serialization.AllowAll{})
	require.NoError(t, d.Handle("explode", func(context.Context, *ClientSession, any) (any, error) {
		panic("boom")
	}))

	reply := dispatch(d, testSession(), "explode", "", "")
	require.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, errs.CodeInternal, reply.Error.Code)
	assert.Contains(t, reply.Error.Message, "boom")
}
