package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
)

type testConn struct {
	client   identity.RemoteClient
	released atomic.Int32
}

type testFactory struct {
	mu      sync.Mutex
	created []*testConn
	fail    error
}

func (f *testFactory) Create(_ context.Context, client identity.RemoteClient) (*testConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	conn := &testConn{client: client}
	f.created = append(f.created, conn)
	return conn, nil
}

func (f *testFactory) Release(conn *testConn) error {
	conn.released.Add(1)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func scott() identity.User {
	return identity.NewUser("scott", []byte("tiger"))
}

func request(id uuid.UUID, user identity.User, clientType string) *identity.ConnectionRequest {
	return identity.NewConnectionRequest(user, clientType, identity.WithClientID(id))
}

func newTestRegistry(t *testing.T, chain *loginproxy.Chain, opts ...Option) (*Registry[*testConn], *testFactory) {
	t.Helper()
	factory := &testFactory{}
	r, err := New[*testConn](factory, chain, opts...)
	require.NoError(t, err)
	return r, factory
}
