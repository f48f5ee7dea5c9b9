package middlewares

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

// RateLimitMiddleware allows each client a fixed number of frames per window.
type RateLimitMiddleware struct {
	logger    log.Log
	rateLimit int           // Frames per window
	window    time.Duration // Time window
	now       func() time.Time

	mu      sync.Mutex
	clients map[uuid.UUID]*clientRateLimit
}

type clientRateLimit struct {
	count  int
	window time.Time
}

func NewRateLimitMiddleware(rateLimit int, window time.Duration, logger log.Log) *RateLimitMiddleware {
	if logger == nil {
		logger = log.NewNop()
	}
	return &RateLimitMiddleware{
		logger:    logger.With(log.String("component", "rate_limit")),
		rateLimit: rateLimit,
		window:    window,
		now:       time.Now,
		clients:   make(map[uuid.UUID]*clientRateLimit),
	}
}

func (m *RateLimitMiddleware) Name() string {
	return "rate_limit"
}

func (m *RateLimitMiddleware) Priority() uint16 {
	return 800
}

func (m *RateLimitMiddleware) BeforeHandle(ctx context.Context, client identity.RemoteClient, frame *protocol.Frame) (context.Context, error) {
	now := m.now()
	id := client.ClientID()

	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.clients[id]
	if !ok || now.Sub(limit.window) > m.window {
		limit = &clientRateLimit{window: now}
		m.clients[id] = limit
	}

	if limit.count >= m.rateLimit {
		m.logger.Warn("Rate limit exceeded",
			log.String("client_id", id.String()),
			log.String("method", frame.Method),
			log.Int("limit", m.rateLimit),
		)
		return ctx, errs.New(errs.CodeRateLimited, "rate limit exceeded", nil).
			WithContext("limit", m.rateLimit)
	}
	limit.count++
	return ctx, nil
}

func (m *RateLimitMiddleware) AfterHandle(context.Context, identity.RemoteClient, *protocol.Frame, *protocol.Reply, error) {
}

func (m *RateLimitMiddleware) OnConnect(context.Context, identity.RemoteClient) {}

// OnDisconnect drops the state of a client whose session ended.
func (m *RateLimitMiddleware) OnDisconnect(_ context.Context, client identity.RemoteClient, _ string) {
	m.mu.Lock()
	delete(m.clients, client.ClientID())
	m.mu.Unlock()
}
