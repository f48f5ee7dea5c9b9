package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
)

// ConnectionFactory opens and releases the server-side connection handed to
// an authenticated client.
type ConnectionFactory[C any] interface {
	Create(ctx context.Context, client identity.RemoteClient) (C, error)
	Release(conn C) error
}

// FactoryFuncs adapts plain functions to a ConnectionFactory. A nil
// ReleaseFunc releases nothing.
type FactoryFuncs[C any] struct {
	CreateFunc  func(ctx context.Context, client identity.RemoteClient) (C, error)
	ReleaseFunc func(conn C) error
}

func (f FactoryFuncs[C]) Create(ctx context.Context, client identity.RemoteClient) (C, error) {
	return f.CreateFunc(ctx, client)
}

func (f FactoryFuncs[C]) Release(conn C) error {
	if f.ReleaseFunc == nil {
		return nil
	}
	return f.ReleaseFunc(conn)
}

// Entry is a client together with its connection.
type Entry[C any] struct {
	Client       identity.RemoteClient
	Connection   C
	LastAccessed time.Time
}

// SessionInfo is the connection-agnostic view of a session used by
// maintenance and administration.
type SessionInfo struct {
	Client       identity.RemoteClient
	LastAccessed time.Time
	// Busy is set while a call acquired the connection.
	Busy bool
}

type session[C any] struct {
	client identity.RemoteClient
	conn   C
	// proxy that logged the client in, nil when none was registered
	proxy loginproxy.Proxy

	lastAccessed atomic.Pointer[time.Time]
	busy         atomic.Int32
}

func newSession[C any](client identity.RemoteClient, conn C, proxy loginproxy.Proxy, now time.Time) *session[C] {
	s := &session[C]{client: client, conn: conn, proxy: proxy}
	s.touch(now)
	return s
}

func (s *session[C]) touch(now time.Time) {
	s.lastAccessed.Store(&now)
}

func (s *session[C]) lastAccess() time.Time {
	return *s.lastAccessed.Load()
}

func (s *session[C]) info() SessionInfo {
	return SessionInfo{
		Client:       s.client.Copy(),
		LastAccessed: s.lastAccess(),
		Busy:         s.busy.Load() > 0,
	}
}

func (s *session[C]) acquire(now func() time.Time) func() {
	s.busy.Add(1)
	s.touch(now())
	var once sync.Once
	return func() {
		once.Do(func() {
			s.touch(now())
			s.busy.Add(-1)
		})
	}
}

// ClientFilter selects clients in Clients.
type ClientFilter func(identity.RemoteClient) bool

func All() ClientFilter {
	return func(identity.RemoteClient) bool { return true }
}

func ByUser(username string) ClientFilter {
	return func(c identity.RemoteClient) bool { return c.User().Username() == username }
}

func ByClientType(clientType string) ClientFilter {
	return func(c identity.RemoteClient) bool { return c.ClientType() == clientType }
}
