package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol/middlewares"
	pws "github.com/zeusync/remoteserver/internal/core/protocol/websocket"
	"github.com/zeusync/remoteserver/internal/core/registry"
)

// ClientSession is the server side of an authenticated client. It outlives
// the websocket it is reached through: a client that reconnects with the
// same id gets the same session on a new transport.
type ClientSession struct {
	client   identity.RemoteClient
	openedAt time.Time
	calls    atomic.Uint64

	mu        sync.Mutex
	transport *pws.Connection
}

func (s *ClientSession) Client() identity.RemoteClient {
	return s.client
}

func (s *ClientSession) OpenedAt() time.Time {
	return s.openedAt
}

// Calls is the number of frames dispatched for the session.
func (s *ClientSession) Calls() uint64 {
	return s.calls.Load()
}

// attach makes conn the transport of the session, closing the one it
// replaces.
func (s *ClientSession) attach(conn *pws.Connection) {
	s.mu.Lock()
	previous := s.transport
	s.transport = conn
	s.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close(websocket.CloseNormalClosure, "superseded by a new connection")
	}
}

// detach forgets conn unless another transport replaced it already.
func (s *ClientSession) detach(conn *pws.Connection) {
	s.mu.Lock()
	if s.transport == conn {
		s.transport = nil
	}
	s.mu.Unlock()
}

func (s *ClientSession) end(reason string) {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close(websocket.CloseNormalClosure, reason)
	}
}

// sessionFactory opens a ClientSession for every admitted client and closes
// its transport when the registry lets go of it.
type sessionFactory struct {
	middlewares *middlewares.Chain
	logger      log.Log
}

var _ registry.ConnectionFactory[*ClientSession] = (*sessionFactory)(nil)

func (f *sessionFactory) Create(ctx context.Context, client identity.RemoteClient) (*ClientSession, error) {
	session := &ClientSession{client: client, openedAt: time.Now()}
	f.middlewares.OnConnect(ctx, client)
	return session, nil
}

func (f *sessionFactory) Release(session *ClientSession) error {
	session.end("session ended")
	f.middlewares.OnDisconnect(context.Background(), session.client, "session ended")
	f.logger.Debug("Session released",
		log.String("client_id", session.client.ClientID().String()),
		log.Uint64("calls", session.Calls()),
		log.Duration("duration", time.Since(session.openedAt)),
	)
	return nil
}
