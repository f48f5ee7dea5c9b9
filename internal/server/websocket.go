package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol"
	pws "github.com/zeusync/remoteserver/internal/core/protocol/websocket"
	"github.com/zeusync/remoteserver/internal/core/registry"
)

// ConnectPath is where clients open their channel.
const ConnectPath = "/connect"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// clientChannel serves the client websocket. The first text frame is the
// connection request; every later frame is a call.
type clientChannel struct {
	registry   *registry.Registry[*ClientSession]
	dispatcher *Dispatcher
	serverID   string
	config     pws.Config
	codec      protocol.JSONCodec
	logger     log.Log
}

func (h *clientChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err),
		)
		return
	}
	conn := pws.NewConnection(ws, h.config)
	ctx := identity.WithClientHost(r.Context(), remoteHost(r))

	session, err := h.handshake(ctx, conn)
	if err != nil {
		_ = h.send(conn, protocol.NewErrorReply(0, err))
		_ = conn.Close(websocket.ClosePolicyViolation, "connection refused")
		return
	}

	session.attach(conn)
	defer session.detach(conn)

	h.serve(ctx, session, conn)
}

func (h *clientChannel) handshake(ctx context.Context, conn *pws.Connection) (*ClientSession, error) {
	data, err := conn.Receive()
	if err != nil {
		return nil, errs.IO("reading connection request", err)
	}
	var request identity.ConnectionRequest
	if err = json.Unmarshal(data, &request); err != nil {
		var coded *errs.Error
		if errors.As(err, &coded) {
			return nil, coded
		}
		return nil, errs.InvalidArgument("malformed connection request: %v", err)
	}

	session, err := h.registry.Connect(ctx, &request)
	if err != nil {
		return nil, err
	}
	err = h.send(conn, &protocol.Reply{
		Status:   protocol.StatusConnected,
		ServerID: h.serverID,
		ClientID: request.ClientID().String(),
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (h *clientChannel) serve(ctx context.Context, session *ClientSession, conn *pws.Connection) {
	id := session.Client().ClientID()
	logger := h.logger.With(log.String("client_id", id.String()))

	for {
		data, err := conn.Receive()
		if err != nil {
			if !pws.IsNormalClose(err) {
				logger.Debug("Transport dropped, session kept", log.Error(err))
			}
			return
		}

		frame, err := h.codec.DecodeFrame(data)
		if err != nil {
			if h.send(conn, protocol.NewErrorReply(0, err)) != nil {
				return
			}
			continue
		}

		if frame.Method == protocol.MethodDisconnect {
			_ = h.send(conn, &protocol.Reply{ID: frame.ID, Status: protocol.StatusDisconnected})
			if err = h.registry.Disconnect(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
				logger.Error("Disconnect failed", log.Error(err))
			}
			return
		}

		reply, err := h.call(ctx, session, frame)
		if err != nil {
			// evicted or disconnected by an administrator meanwhile
			_ = h.send(conn, protocol.NewErrorReply(frame.ID, err))
			_ = conn.Close(websocket.CloseNormalClosure, "session ended")
			return
		}

		if err = h.send(conn, reply); err != nil {
			logger.Debug("Writing reply failed", log.Error(err))
			return
		}
	}
}

// call dispatches frame while the session is marked busy.
func (h *clientChannel) call(ctx context.Context, session *ClientSession, frame *protocol.Frame) (*protocol.Reply, error) {
	_, release, err := h.registry.Acquire(session.Client().ClientID())
	if err != nil {
		return nil, err
	}
	defer release()
	return h.dispatcher.Dispatch(ctx, session, frame), nil
}

func (h *clientChannel) send(conn *pws.Connection, reply *protocol.Reply) error {
	data, err := h.codec.Encode(reply)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
