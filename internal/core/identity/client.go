package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RemoteClient is the server-side record of a connected client: the request
// it connected with, where it connected from and when.
type RemoteClient struct {
	request      *ConnectionRequest
	databaseUser *User
	clientHost   string
	creationTime time.Time
}

func NewRemoteClient(request *ConnectionRequest, clientHost string, creationTime time.Time) RemoteClient {
	return RemoteClient{
		request:      request.Copy(),
		clientHost:   clientHost,
		creationTime: creationTime,
	}
}

func (c RemoteClient) Request() *ConnectionRequest { return c.request.Copy() }
func (c RemoteClient) ClientID() uuid.UUID         { return c.request.clientID }
func (c RemoteClient) User() User                  { return c.request.User() }
func (c RemoteClient) ClientType() string          { return c.request.clientType }
func (c RemoteClient) ClientVersion() string       { return c.request.clientVersion }
func (c RemoteClient) ClientHost() string          { return c.clientHost }
func (c RemoteClient) CreationTime() time.Time     { return c.creationTime }

// DatabaseUser is the user for the backing resource, the request user unless
// a login proxy replaced it.
func (c RemoteClient) DatabaseUser() User {
	if c.databaseUser == nil {
		return c.request.User()
	}
	return NewUser(c.databaseUser.username, c.databaseUser.secret)
}

func (c RemoteClient) HasDatabaseUser() bool {
	return c.databaseUser != nil
}

// WithDatabaseUser returns a copy carrying a separate database user.
func (c RemoteClient) WithDatabaseUser(user User) RemoteClient {
	cp := c.Copy()
	u := NewUser(user.username, user.secret)
	cp.databaseUser = &u
	return cp
}

// Copy returns a RemoteClient sharing no mutable state with c.
func (c RemoteClient) Copy() RemoteClient {
	cp := RemoteClient{
		request:      c.request.Copy(),
		clientHost:   c.clientHost,
		creationTime: c.creationTime,
	}
	if c.databaseUser != nil {
		u := NewUser(c.databaseUser.username, c.databaseUser.secret)
		cp.databaseUser = &u
	}
	return cp
}

func (c RemoteClient) String() string {
	return fmt.Sprintf("%s@%s [%s] %s", c.request.user.username, c.clientHost, c.request.clientType, c.request.clientID)
}

type clientHostKey struct{}

// WithClientHost records the host the transport saw the request come from.
func WithClientHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, clientHostKey{}, host)
}

func ClientHostFrom(ctx context.Context) string {
	host, _ := ctx.Value(clientHostKey{}).(string)
	return host
}
