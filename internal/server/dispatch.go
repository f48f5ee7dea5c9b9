package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/protocol"
	"github.com/zeusync/remoteserver/internal/core/protocol/middlewares"
	"github.com/zeusync/remoteserver/internal/core/serialization"
)

// Handler serves one method. value is the decoded payload, nil when the
// frame carried none.
type Handler func(ctx context.Context, session *ClientSession, value any) (any, error)

// Dispatcher decodes frame payloads through the catalog, and so through the
// serialization gate, before handing them to the method handler.
type Dispatcher struct {
	catalog     *serialization.Catalog
	middlewares *middlewares.Chain

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(catalog *serialization.Catalog, chain *middlewares.Chain) (*Dispatcher, error) {
	if chain == nil {
		chain = middlewares.NewChain()
	}
	d := &Dispatcher{
		catalog:     catalog,
		middlewares: chain,
		handlers:    make(map[string]Handler),
	}
	builtins := map[string]Handler{
		"ping":   ping,
		"echo":   echo,
		"whoami": whoami,
		"sum":    sum,
		"types":  d.types,
	}
	for method, h := range builtins {
		if err := d.Handle(method, h); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) Handle(method string, h Handler) error {
	if method == "" || h == nil {
		return errs.InvalidArgument("handler registration requires a method and a handler")
	}
	if method == protocol.MethodDisconnect {
		return errs.InvalidArgument("method %q is reserved", method)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[method]; exists {
		return errs.Configuration(fmt.Sprintf("method %q", method), ErrDuplicateHandler)
	}
	d.handlers[method] = h
	return nil
}

func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	methods := make([]string, 0, len(d.handlers))
	for method := range d.handlers {
		methods = append(methods, method)
	}
	slices.Sort(methods)
	return methods
}

// Dispatch always returns a reply; failures become error replies.
func (d *Dispatcher) Dispatch(ctx context.Context, session *ClientSession, frame *protocol.Frame) *protocol.Reply {
	session.calls.Add(1)

	reply, err := d.middlewares.Handle(ctx, session.Client(), frame, func(ctx context.Context) (*protocol.Reply, error) {
		d.mu.RLock()
		h, ok := d.handlers[frame.Method]
		d.mu.RUnlock()
		if !ok {
			return nil, errs.NotFound("unknown method %q", frame.Method)
		}

		var value any
		switch {
		case frame.Type != "":
			decoded, err := d.catalog.Decode(frame.Type, frame.Payload)
			if err != nil {
				return nil, err
			}
			value = decoded
		case len(frame.Payload) > 0:
			return nil, errs.InvalidArgument("frame %d has a payload without a type", frame.ID)
		}

		result, err := invoke(ctx, h, session, value)
		if err != nil {
			return nil, err
		}
		return protocol.NewResultReply(frame.ID, result)
	})
	if err != nil {
		return protocol.NewErrorReply(frame.ID, err)
	}
	return reply
}

func invoke(ctx context.Context, h Handler, session *ClientSession, value any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.CodeInternal, fmt.Sprintf("handler panic: %v", p), nil)
		}
	}()
	return h(ctx, session, value)
}

func ping(context.Context, *ClientSession, any) (any, error) {
	return "pong", nil
}

func echo(_ context.Context, _ *ClientSession, value any) (any, error) {
	return value, nil
}

type clientView struct {
	ClientID      string    `json:"client_id"`
	User          string    `json:"user"`
	DatabaseUser  string    `json:"database_user"`
	ClientType    string    `json:"client_type"`
	ClientVersion string    `json:"client_version,omitempty"`
	ClientHost    string    `json:"client_host,omitempty"`
	CreationTime  time.Time `json:"creation_time"`
}

func newClientView(c identity.RemoteClient) clientView {
	return clientView{
		ClientID:      c.ClientID().String(),
		User:          c.User().Username(),
		DatabaseUser:  c.DatabaseUser().Username(),
		ClientType:    c.ClientType(),
		ClientVersion: c.ClientVersion(),
		ClientHost:    c.ClientHost(),
		CreationTime:  c.CreationTime(),
	}
}

func whoami(_ context.Context, session *ClientSession, _ any) (any, error) {
	return newClientView(session.Client()), nil
}

func sum(_ context.Context, _ *ClientSession, value any) (any, error) {
	switch numbers := value.(type) {
	case []int64:
		var total int64
		for _, n := range numbers {
			total += n
		}
		return total, nil
	case []float64:
		var total float64
		for _, n := range numbers {
			total += n
		}
		return total, nil
	default:
		return nil, errs.InvalidArgument("sum expects int64[] or float64[], got %T", value)
	}
}

func (d *Dispatcher) types(context.Context, *ClientSession, any) (any, error) {
	tags := d.catalog.Tags()
	slices.Sort(tags)
	return tags, nil
}
