// Package loginproxy holds the pluggable authentication hooks consulted when
// clients connect and disconnect. Each proxy serves one client type, or every
// client type without a proxy of its own when it is the default.
package loginproxy

import (
	"context"

	"github.com/zeusync/remoteserver/internal/core/identity"
)

// DefaultScope is the client type reported by the default proxy.
const DefaultScope = ""

type Proxy interface {
	// ClientType is the client type served, DefaultScope for the default proxy.
	ClientType() string
	// Login authenticates client, possibly returning an augmented copy of it
	// (for example carrying a database user).
	Login(ctx context.Context, client identity.RemoteClient) (identity.RemoteClient, error)
	Logout(ctx context.Context, client identity.RemoteClient) error
	Close() error
}

// Funcs builds a Proxy from plain functions. Nil functions are no-ops; a nil
// LoginFunc accepts every client unchanged.
type Funcs struct {
	Type       string
	LoginFunc  func(ctx context.Context, client identity.RemoteClient) (identity.RemoteClient, error)
	LogoutFunc func(ctx context.Context, client identity.RemoteClient) error
	CloseFunc  func() error
}

var _ Proxy = Funcs{}

func (f Funcs) ClientType() string {
	return f.Type
}

func (f Funcs) Login(ctx context.Context, client identity.RemoteClient) (identity.RemoteClient, error) {
	if f.LoginFunc == nil {
		return client, nil
	}
	return f.LoginFunc(ctx, client)
}

func (f Funcs) Logout(ctx context.Context, client identity.RemoteClient) error {
	if f.LogoutFunc == nil {
		return nil
	}
	return f.LogoutFunc(ctx, client)
}

func (f Funcs) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}
