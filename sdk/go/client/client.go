// Package client provides a Go client SDK for the remote connection server
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

// Client represents a remote server client. The session it opens lives on
// the server until Disconnect, so a Client may Connect again after its
// transport dropped and resume the same session.
type Client struct {
	request *identity.ConnectionRequest
	codec   protocol.JSONCodec

	// Connection management
	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	serverID string
	pending  map[uint64]chan *protocol.Reply
	nextID   atomic.Uint64

	// Client state
	connected atomic.Bool
	closed    atomic.Bool

	// Configuration and logging
	config Config
	logger log.Log

	// Background workers
	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// URL of the server connect endpoint, e.g. ws://localhost:2222/connect
	URL            string
	ConnectTimeout time.Duration
	MessageTimeout time.Duration
	MaxMessageSize int64
	Header         http.Header

	LogLevel log.Level
	// Logger overrides LogLevel when set
	Logger log.Log
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		URL:            "ws://localhost:2222/connect",
		ConnectTimeout: 30 * time.Second,
		MessageTimeout: 10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		LogLevel:       log.LevelInfo,
	}
}

// NewClient creates a client that connects with request. A request
// without a client id gets a fresh one.
func NewClient(config Config, request *identity.ConnectionRequest) (*Client, error) {
	if config.URL == "" || request == nil {
		return nil, ErrInvalidConfig
	}
	if request.ClientID() == uuid.Nil {
		opts := []identity.RequestOption{
			identity.WithClientID(uuid.New()),
			identity.WithClientVersion(request.ClientVersion()),
			identity.WithFrameworkVersion(request.FrameworkVersion()),
		}
		for k, v := range request.Parameters() {
			opts = append(opts, identity.WithParameter(k, v))
		}
		request = identity.NewConnectionRequest(request.User(), request.ClientType(), opts...)
	} else {
		request = request.Copy()
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(config.LogLevel)
	}

	client := &Client{
		request: request,
		pending: make(map[uint64]chan *protocol.Reply),
		config:  config,
		logger:  logger.With(log.String("component", "client"), log.String("client_id", request.ClientID().String())),
	}
	return client, nil
}

// Dial creates a client for url with the default configuration and
// connects it.
func Dial(ctx context.Context, url string, request *identity.ConnectionRequest) (*Client, error) {
	config := DefaultClientConfig()
	config.URL = url
	c, err := NewClient(config, request)
	if err != nil {
		return nil, err
	}
	if err = c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// ClientID is the id the client connects under.
func (c *Client) ClientID() uuid.UUID {
	return c.request.ClientID()
}

// ServerID is the id the server announced in the last handshake.
func (c *Client) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect opens the channel and sends the connection request. A rejected
// request returns the server error, matchable with errors.Is against the
// errs sentinels.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}
	// the reader of a dropped transport may still be draining
	c.workerGroup.Wait()

	c.logger.Info("Connecting to server", log.String("url", c.config.URL))

	connectCtx := ctx
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(connectCtx, c.config.URL, c.config.Header)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return ErrConnectionTimeout
		}
		c.logger.Error("Failed to connect to server", log.String("url", c.config.URL), log.Error(err))
		return err
	}
	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}

	reply, err := c.handshake(connectCtx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.serverID = reply.ServerID
	c.mu.Unlock()
	c.connected.Store(true)

	c.workerGroup.Add(1)
	go c.readLoop(conn)

	c.logger.Info("Connected to server", log.String("server_id", reply.ServerID))
	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*protocol.Reply, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	data, err := json.Marshal(c.request)
	if err != nil {
		return nil, err
	}
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, err
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	reply, err := c.codec.DecodeReply(data)
	if err != nil {
		return nil, err
	}
	if reply.Status != protocol.StatusConnected {
		if reply.Error != nil {
			return nil, reply.Error.Err()
		}
		return nil, fmt.Errorf("%w: handshake status %q", ErrInvalidMessage, reply.Status)
	}
	return reply, nil
}

// readLoop routes replies to the calls waiting for them until the
// transport fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.workerGroup.Done()
	defer c.dropped(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				c.logger.Debug("Transport dropped", log.Error(err))
			}
			return
		}
		reply, err := c.codec.DecodeReply(data)
		if err != nil {
			c.logger.Warn("Discarding malformed reply", log.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		delete(c.pending, reply.ID)
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

// dropped fails every pending call of conn.
func (c *Client) dropped(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected.Store(false)
	}
	pending := c.pending
	c.pending = make(map[uint64]chan *protocol.Reply)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}

// Call invokes method with payload tagged as tag and returns the raw
// result. An empty tag sends the payload untyped, which only methods
// without arguments accept.
func (c *Client) Call(ctx context.Context, method, tag string, payload any) (json.RawMessage, error) {
	reply, err := c.roundTrip(ctx, method, tag, payload)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	return reply.Result, nil
}

// CallInto is Call decoding the result into out.
func (c *Client) CallInto(ctx context.Context, method, tag string, payload, out any) error {
	result, err := c.Call(ctx, method, tag, payload)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, out)
}

// Disconnect ends the session on the server and closes the client.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.logger.Info("Disconnecting from server")

	reply, err := c.roundTrip(ctx, protocol.MethodDisconnect, "", nil)
	closeErr := c.Close()
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusDisconnected {
		if reply.Error != nil {
			return reply.Error.Err()
		}
		return fmt.Errorf("%w: disconnect status %q", ErrInvalidMessage, reply.Status)
	}
	return closeErr
}

// Close drops the transport without ending the session. The server keeps
// the session until it idles out.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.workerGroup.Wait()
	c.logger.Info("Client closed")
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, tag string, payload any) (*protocol.Reply, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	frame := protocol.Frame{ID: c.nextID.Add(1), Method: method, Type: tag}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		frame.Payload = data
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Reply, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[frame.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(frame.ID)
		return nil, err
	}

	var timeout <-chan time.Time
	if c.config.MessageTimeout > 0 {
		timer := time.NewTimer(c.config.MessageTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-timeout:
		c.forget(frame.ID)
		return nil, ErrMessageTimeout
	case <-ctx.Done():
		c.forget(frame.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
