package identity

import (
	"encoding/json"
	"maps"

	"github.com/google/uuid"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

// ConnectionRequest is what a client presents when connecting. The client id
// is chosen by the client and reused across reconnects.
type ConnectionRequest struct {
	clientID         uuid.UUID
	user             User
	clientType       string
	clientVersion    string
	frameworkVersion string
	parameters       map[string]string
}

type RequestOption func(*ConnectionRequest)

func WithClientID(id uuid.UUID) RequestOption {
	return func(r *ConnectionRequest) { r.clientID = id }
}

func WithClientVersion(version string) RequestOption {
	return func(r *ConnectionRequest) { r.clientVersion = version }
}

func WithFrameworkVersion(version string) RequestOption {
	return func(r *ConnectionRequest) { r.frameworkVersion = version }
}

func WithParameter(key, value string) RequestOption {
	return func(r *ConnectionRequest) {
		if r.parameters == nil {
			r.parameters = make(map[string]string)
		}
		r.parameters[key] = value
	}
}

// NewConnectionRequest builds a request with a random client id unless
// WithClientID is given.
func NewConnectionRequest(user User, clientType string, opts ...RequestOption) *ConnectionRequest {
	r := &ConnectionRequest{
		clientID:   uuid.New(),
		user:       NewUser(user.username, user.secret),
		clientType: clientType,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ConnectionRequest) ClientID() uuid.UUID      { return r.clientID }
func (r *ConnectionRequest) User() User               { return NewUser(r.user.username, r.user.secret) }
func (r *ConnectionRequest) ClientType() string       { return r.clientType }
func (r *ConnectionRequest) ClientVersion() string    { return r.clientVersion }
func (r *ConnectionRequest) FrameworkVersion() string { return r.frameworkVersion }

// Parameter returns a single request parameter.
func (r *ConnectionRequest) Parameter(key string) (string, bool) {
	v, ok := r.parameters[key]
	return v, ok
}

// Parameters returns a copy of all request parameters.
func (r *ConnectionRequest) Parameters() map[string]string {
	return maps.Clone(r.parameters)
}

func (r *ConnectionRequest) Copy() *ConnectionRequest {
	return &ConnectionRequest{
		clientID:         r.clientID,
		user:             NewUser(r.user.username, r.user.secret),
		clientType:       r.clientType,
		clientVersion:    r.clientVersion,
		frameworkVersion: r.frameworkVersion,
		parameters:       maps.Clone(r.parameters),
	}
}

type requestWire struct {
	ClientID         uuid.UUID         `json:"clientId"`
	User             User              `json:"user"`
	ClientType       string            `json:"clientTypeId"`
	ClientVersion    string            `json:"clientVersion"`
	FrameworkVersion string            `json:"frameworkVersion"`
	Parameters       map[string]string `json:"parameters,omitempty"`
}

func (r *ConnectionRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestWire{
		ClientID:         r.clientID,
		User:             r.user,
		ClientType:       r.clientType,
		ClientVersion:    r.clientVersion,
		FrameworkVersion: r.frameworkVersion,
		Parameters:       r.parameters,
	})
}

func (r *ConnectionRequest) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ClientID == uuid.Nil {
		return errs.InvalidArgument("connection request without client id")
	}
	*r = ConnectionRequest{
		clientID:         w.ClientID,
		user:             w.User,
		clientType:       w.ClientType,
		clientVersion:    w.ClientVersion,
		frameworkVersion: w.FrameworkVersion,
		parameters:       w.Parameters,
	}
	return nil
}
