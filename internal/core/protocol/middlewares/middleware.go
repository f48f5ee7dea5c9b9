// Package middlewares wraps the handling of client frames.
package middlewares

import (
	"context"
	"slices"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

// Middleware observes or vetoes frames around their handler. A higher
// priority runs earlier.
type Middleware interface {
	Name() string
	Priority() uint16
	// BeforeHandle may return a derived context for the handler and the
	// AfterHandle calls. An error skips the handler.
	BeforeHandle(ctx context.Context, client identity.RemoteClient, frame *protocol.Frame) (context.Context, error)
	AfterHandle(ctx context.Context, client identity.RemoteClient, frame *protocol.Frame, reply *protocol.Reply, err error)
	OnConnect(ctx context.Context, client identity.RemoteClient)
	OnDisconnect(ctx context.Context, client identity.RemoteClient, reason string)
}

// HandlerFunc produces the reply to a frame.
type HandlerFunc func(ctx context.Context) (*protocol.Reply, error)

type Chain struct {
	middlewares []Middleware
}

func NewChain(middlewares ...Middleware) *Chain {
	sorted := slices.Clone(middlewares)
	slices.SortStableFunc(sorted, func(a, b Middleware) int {
		return int(b.Priority()) - int(a.Priority())
	})
	return &Chain{middlewares: sorted}
}

// Names lists the middlewares in running order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.middlewares))
	for i, m := range c.middlewares {
		names[i] = m.Name()
	}
	return names
}

// Handle runs the BeforeHandle hooks, the handler, then the AfterHandle
// hooks of every middleware whose BeforeHandle ran, in reverse order.
func (c *Chain) Handle(ctx context.Context, client identity.RemoteClient, frame *protocol.Frame, handler HandlerFunc) (*protocol.Reply, error) {
	var err error
	ran := 0
	for _, m := range c.middlewares {
		var next context.Context
		if next, err = m.BeforeHandle(ctx, client, frame); err != nil {
			break
		}
		ctx = next
		ran++
	}

	var reply *protocol.Reply
	if err == nil {
		reply, err = handler(ctx)
	}

	for i := ran - 1; i >= 0; i-- {
		c.middlewares[i].AfterHandle(ctx, client, frame, reply, err)
	}
	return reply, err
}

func (c *Chain) OnConnect(ctx context.Context, client identity.RemoteClient) {
	for _, m := range c.middlewares {
		m.OnConnect(ctx, client)
	}
}

func (c *Chain) OnDisconnect(ctx context.Context, client identity.RemoteClient, reason string) {
	for _, m := range c.middlewares {
		m.OnDisconnect(ctx, client, reason)
	}
}
