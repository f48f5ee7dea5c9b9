// Package registry keeps the authenticated client sessions of the server and
// the connections handed to them.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/observability/stats"
	"github.com/zeusync/remoteserver/pkg/concurrent"
)

// Unlimited disables the connection limit.
const Unlimited = -1

const closeWorkers = 8

var ErrClosed = errors.New("connection registry is closed")

type Option func(*options)

type options struct {
	limit      int
	shardCount int
	logger     log.Log
	now        func() time.Time
	requests   *stats.RequestCounter
}

func WithConnectionLimit(limit int) Option {
	return func(o *options) { o.limit = limit }
}

func WithShardCount(n int) Option {
	return func(o *options) { o.shardCount = n }
}

func WithLogger(logger log.Log) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRequestCounter counts every connection lookup in c.
func WithRequestCounter(c *stats.RequestCounter) Option {
	return func(o *options) { o.requests = c }
}

// Registry maps client ids to sessions. Operations on one client id are
// serialized; operations on different ids run in parallel.
type Registry[C any] struct {
	factory  ConnectionFactory[C]
	proxies  *loginproxy.Chain
	sessions *table[C]
	locks    *keyedMutex

	limit atomic.Int64
	// reserved counts live sessions plus connects past the capacity check
	reserved atomic.Int64
	closed   atomic.Bool
	// commit is held shared while a connect stores its session and
	// exclusively while Close marks the registry closed, so no session is
	// stored after Close took its snapshot
	commit sync.RWMutex

	requests *stats.RequestCounter
	logger   log.Log
	now      func() time.Time
}

func New[C any](factory ConnectionFactory[C], proxies *loginproxy.Chain, opts ...Option) (*Registry[C], error) {
	if factory == nil {
		return nil, errs.InvalidArgument("nil connection factory")
	}
	o := options{limit: Unlimited, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limit < Unlimited {
		return nil, errs.InvalidArgument("connection limit %d is below %d", o.limit, Unlimited)
	}
	if o.logger == nil {
		o.logger = log.NewNop()
	}
	if o.requests == nil {
		o.requests = stats.NewRequestCounter()
	}
	if proxies == nil {
		proxies = loginproxy.NewChain(o.logger)
	}

	r := &Registry[C]{
		factory:  factory,
		proxies:  proxies,
		sessions: newTable[C](o.shardCount),
		locks:    newKeyedMutex(),
		requests: o.requests,
		logger:   o.logger.With(log.String("component", "connection_registry")),
		now:      o.now,
	}
	r.limit.Store(int64(o.limit))
	return r, nil
}

// Connect returns the connection of the client described by request,
// authenticating and creating it when the client is not connected yet.
// The client host is taken from ctx, see identity.WithClientHost.
func (r *Registry[C]) Connect(ctx context.Context, request *identity.ConnectionRequest) (C, error) {
	var zero C
	if request == nil {
		return zero, errs.InvalidArgument("nil connection request")
	}
	if r.closed.Load() {
		return zero, closedError()
	}

	id := request.ClientID()
	unlock := r.locks.Lock(id)
	defer unlock()
	if r.closed.Load() {
		return zero, closedError()
	}

	if s, ok := r.sessions.load(id); ok {
		if !s.client.User().Equal(request.User()) {
			r.logger.Warn("Connection theft attempt rejected",
				log.String("client_id", id.String()),
				log.String("user", request.User().Username()),
				log.String("connected_user", s.client.User().Username()),
				log.String("client_host", identity.ClientHostFrom(ctx)),
			)
			return zero, errs.Authentication("client id is connected with another user", nil).
				WithContext("client_id", id.String())
		}
		s.touch(r.now())
		return s.conn, nil
	}

	if !r.reserve() {
		r.logger.Warn("Connection limit reached",
			log.String("client_id", id.String()),
			log.Int64("limit", r.limit.Load()),
		)
		return zero, errs.Capacity(r.ConnectionLimit())
	}
	admitted := false
	defer func() {
		if !admitted {
			r.reserved.Add(-1)
		}
	}()
	if r.closed.Load() {
		return zero, closedError()
	}

	client := identity.NewRemoteClient(request, identity.ClientHostFrom(ctx), r.now())
	proxy, err := r.proxies.Select(request.ClientType())
	if err != nil {
		return zero, closedError()
	}
	if proxy != nil {
		authenticated, err := login(ctx, proxy, client)
		if err != nil {
			r.logger.Warn("Client login failed",
				log.String("client_id", id.String()),
				log.String("user", client.User().Username()),
				log.String("client_type", client.ClientType()),
				log.Error(err),
			)
			return zero, authenticationError(err)
		}
		if authenticated.ClientID() != id {
			r.logout(ctx, proxy, authenticated)
			return zero, errs.Authentication("login proxy replaced the client id", nil).
				WithContext("client_id", id.String())
		}
		client = authenticated
	}

	conn, err := r.factory.Create(ctx, client)
	if err != nil {
		r.logout(ctx, proxy, client)
		return zero, fmt.Errorf("creating connection for %s: %w", client, err)
	}

	// The key lock guarantees the slot is still free.
	r.commit.RLock()
	if r.closed.Load() {
		r.commit.RUnlock()
		r.logout(ctx, proxy, client)
		_ = release(r.factory, conn)
		return zero, closedError()
	}
	r.sessions.store(id, newSession(client, conn, proxy, r.now()))
	admitted = true
	r.commit.RUnlock()

	r.logger.Info("Client connected",
		log.String("client_id", id.String()),
		log.String("user", client.User().Username()),
		log.String("client_type", client.ClientType()),
		log.String("client_host", client.ClientHost()),
		log.Int("connections", r.sessions.len()),
	)
	return conn, nil
}

// reserve claims a capacity slot.
func (r *Registry[C]) reserve() bool {
	for {
		limit := r.limit.Load()
		current := r.reserved.Load()
		if limit != Unlimited && current >= limit {
			return false
		}
		if r.reserved.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Disconnect ends the session of id.
func (r *Registry[C]) Disconnect(ctx context.Context, id uuid.UUID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	s, ok := r.sessions.remove(id)
	if !ok {
		return errs.NotFound("client %s is not connected", id)
	}
	return r.end(ctx, s)
}

// EvictIf ends the session of id when pred holds for it. pred is evaluated
// while the client id is locked, so a concurrent connect or disconnect
// cannot slip in between. An absent session is not an error.
func (r *Registry[C]) EvictIf(ctx context.Context, id uuid.UUID, pred func(SessionInfo) bool) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	s, ok := r.sessions.load(id)
	if !ok {
		return false, nil
	}
	if pred != nil && !pred(s.info()) {
		return false, nil
	}
	r.sessions.remove(id)
	return true, r.end(ctx, s)
}

// end logs the client out and releases its connection. The session must
// already be out of the table.
func (r *Registry[C]) end(ctx context.Context, s *session[C]) error {
	r.reserved.Add(-1)

	var errList []error
	if err := r.logout(ctx, s.proxy, s.client); err != nil {
		errList = append(errList, err)
	}
	if err := release(r.factory, s.conn); err != nil {
		r.logger.Error("Releasing connection failed",
			log.String("client_id", s.client.ClientID().String()),
			log.Error(err),
		)
		errList = append(errList, err)
	}

	r.logger.Info("Client disconnected",
		log.String("client_id", s.client.ClientID().String()),
		log.String("user", s.client.User().Username()),
		log.Int("connections", r.sessions.len()),
	)
	return errors.Join(errList...)
}

func (r *Registry[C]) logout(ctx context.Context, proxy loginproxy.Proxy, client identity.RemoteClient) error {
	if proxy == nil {
		return nil
	}
	err := safeLogout(ctx, proxy, client)
	if err != nil {
		r.logger.Error("Client logout failed",
			log.String("client_id", client.ClientID().String()),
			log.String("client_type", client.ClientType()),
			log.Error(err),
		)
	}
	return err
}

// Connection returns the connection of id and marks the session accessed.
func (r *Registry[C]) Connection(id uuid.UUID) (C, error) {
	s, ok := r.sessions.load(id)
	if !ok {
		var zero C
		return zero, errs.NotFound("client %s is not connected", id)
	}
	s.touch(r.now())
	r.requests.Increment()
	return s.conn, nil
}

// Acquire returns the connection of id and keeps the session busy until
// release is called. Idle maintenance never evicts a busy session.
func (r *Registry[C]) Acquire(id uuid.UUID) (conn C, release func(), err error) {
	s, ok := r.sessions.load(id)
	if !ok {
		return conn, func() {}, errs.NotFound("client %s is not connected", id)
	}
	r.requests.Increment()
	return s.conn, s.acquire(r.now), nil
}

func (r *Registry[C]) Touch(id uuid.UUID) error {
	s, ok := r.sessions.load(id)
	if !ok {
		return errs.NotFound("client %s is not connected", id)
	}
	s.touch(r.now())
	return nil
}

func (r *Registry[C]) ConnectionCount() int {
	return r.sessions.len()
}

func (r *Registry[C]) Connections() map[uuid.UUID]Entry[C] {
	sessions := r.sessions.snapshot()
	out := make(map[uuid.UUID]Entry[C], len(sessions))
	for _, s := range sessions {
		out[s.client.ClientID()] = Entry[C]{
			Client:       s.client.Copy(),
			Connection:   s.conn,
			LastAccessed: s.lastAccess(),
		}
	}
	return out
}

// Clients returns the connected clients accepted by filter, oldest first.
// A nil filter accepts every client.
func (r *Registry[C]) Clients(filter ClientFilter) []identity.RemoteClient {
	if filter == nil {
		filter = All()
	}
	var out []identity.RemoteClient
	for _, s := range r.sessions.snapshot() {
		if filter(s.client) {
			out = append(out, s.client.Copy())
		}
	}
	sortClients(out)
	return out
}

// Sessions snapshots every session for maintenance.
func (r *Registry[C]) Sessions() []SessionInfo {
	sessions := r.sessions.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

func (r *Registry[C]) ConnectionLimit() int {
	return int(r.limit.Load())
}

// SetConnectionLimit changes the limit for future connects. Existing
// sessions above a lowered limit stay connected.
func (r *Registry[C]) SetConnectionLimit(limit int) error {
	if limit < Unlimited {
		return errs.InvalidArgument("connection limit %d is below %d", limit, Unlimited)
	}
	previous := r.limit.Swap(int64(limit))
	if previous != int64(limit) {
		r.logger.Info("Connection limit changed",
			log.Int64("previous", previous),
			log.Int("limit", limit),
		)
	}
	return nil
}

// Close rejects further connects, disconnects every client and closes the
// login proxies.
func (r *Registry[C]) Close(ctx context.Context) error {
	r.commit.Lock()
	first := r.closed.CompareAndSwap(false, true)
	r.commit.Unlock()
	if !first {
		return nil
	}

	// logouts may be slow, end the sessions side by side
	err := concurrent.ForEach(r.sessions.snapshot(), closeWorkers, func(s *session[C]) error {
		_, err := r.EvictIf(ctx, s.client.ClientID(), nil)
		return err
	})
	err = errors.Join(err, r.proxies.Close())
	r.logger.Info("Connection registry closed")
	return err
}

func closedError() error {
	return errs.New(errs.CodeInternal, "connecting client", ErrClosed)
}

func login(ctx context.Context, proxy loginproxy.Proxy, client identity.RemoteClient) (out identity.RemoteClient, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.CodeInternal, fmt.Sprintf("login proxy panic: %v", p), nil)
		}
	}()
	return proxy.Login(ctx, client)
}

func safeLogout(ctx context.Context, proxy loginproxy.Proxy, client identity.RemoteClient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.CodeInternal, fmt.Sprintf("logout panic: %v", p), nil)
		}
	}()
	return proxy.Logout(ctx, client)
}

func release[C any](factory ConnectionFactory[C], conn C) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.CodeInternal, fmt.Sprintf("connection release panic: %v", p), nil)
		}
	}()
	return factory.Release(conn)
}

// authenticationError keeps coded proxy errors and classifies the rest as
// authentication failures.
func authenticationError(err error) error {
	if errs.CodeOf(err) != errs.CodeUnknown {
		return err
	}
	return errs.Authentication("login rejected", err)
}

func sortClients(clients []identity.RemoteClient) {
	slices.SortFunc(clients, func(a, b identity.RemoteClient) int {
		if c := a.CreationTime().Compare(b.CreationTime()); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID().String(), b.ClientID().String())
	})
}
