package middlewares

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

type recorder struct {
	name     string
	priority uint16
	fail     error
	events   *[]string
}

func (r *recorder) Name() string     { return r.name }
func (r *recorder) Priority() uint16 { return r.priority }

func (r *recorder) BeforeHandle(ctx context.Context, _ identity.RemoteClient, _ *protocol.Frame) (context.Context, error) {
	*r.events = append(*r.events, "before:"+r.name)
	return ctx, r.fail
}

func (r *recorder) AfterHandle(_ context.Context, _ identity.RemoteClient, _ *protocol.Frame, _ *protocol.Reply, _ error) {
	*r.events = append(*r.events, "after:"+r.name)
}

func (r *recorder) OnConnect(context.Context, identity.RemoteClient)            {}
func (r *recorder) OnDisconnect(context.Context, identity.RemoteClient, string) {}

func testClient() identity.RemoteClient {
	req := identity.NewConnectionRequest(identity.NewUser("scott", nil), "desktop")
	return identity.NewRemoteClient(req, "127.0.0.1", time.Now())
}

func TestChain_Order(t *testing.T) {
	var events []string
	chain := NewChain(
		&recorder{name: "low", priority: 1, events: &events},
		&recorder{name: "high", priority: 9, events: &events},
	)
	require.Equal(t, []string{"high", "low"}, chain.Names())

	reply, err := chain.Handle(context.Background(), testClient(), &protocol.Frame{ID: 1, Method: "echo"},
		func(context.Context) (*protocol.Reply, error) {
			events = append(events, "handler")
			return &protocol.Reply{ID: 1, Status: protocol.StatusOK}, nil
		})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.Equal(t, []string{"before:high", "before:low", "handler", "after:low", "after:high"}, events)
}

func TestChain_VetoSkipsHandler(t *testing.T) {
	var events []string
	veto := errors.New("vetoed")
	chain := NewChain(
		&recorder{name: "outer", priority: 9, events: &events},
		&recorder{name: "guard", priority: 5, fail: veto, events: &events},
		&recorder{name: "inner", priority: 1, events: &events},
	)

	_, err := chain.Handle(context.Background(), testClient(), &protocol.Frame{Method: "echo"},
		func(context.Context) (*protocol.Reply, error) {
			t.Fatal("handler must not run")
			return nil, nil
		})
	require.ErrorIs(t, err, veto)
	require.Equal(t, []string{"before:outer", "before:guard", "after:outer"}, events)
}

func TestMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsMiddleware()
	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	metrics.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}
	chain := NewChain(metrics)
	client := testClient()

	ok := func(context.Context) (*protocol.Reply, error) { return &protocol.Reply{}, nil }
	failing := func(context.Context) (*protocol.Reply, error) { return nil, errors.New("boom") }

	_, _ = chain.Handle(context.Background(), client, &protocol.Frame{Method: "echo"}, ok)
	_, _ = chain.Handle(context.Background(), client, &protocol.Frame{Method: "echo"}, failing)
	_, _ = chain.Handle(context.Background(), client, &protocol.Frame{Method: "ping"}, ok)

	got := metrics.Metrics()
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got["echo"].Count)
	assert.EqualValues(t, 1, got["echo"].Errors)
	assert.Equal(t, 10*time.Millisecond, got["echo"].AverageTime)
	assert.EqualValues(t, 1, got["ping"].Count)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimitMiddleware(2, time.Second, nil)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	client := testClient()
	frame := &protocol.Frame{Method: "echo"}
	ctx := context.Background()

	for range 2 {
		_, err := limiter.BeforeHandle(ctx, client, frame)
		require.NoError(t, err)
	}
	_, err := limiter.BeforeHandle(ctx, client, frame)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.NotErrorIs(t, err, errs.ErrCapacity)

	now = now.Add(2 * time.Second)
	_, err = limiter.BeforeHandle(ctx, client, frame)
	require.NoError(t, err)

	limiter.OnDisconnect(ctx, client, "session ended")
	require.Empty(t, limiter.clients)
}
