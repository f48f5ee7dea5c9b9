package middlewares

import (
	"context"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

// LoggingMiddleware logs all protocol events
type LoggingMiddleware struct {
	logger log.Log
}

func NewLoggingMiddleware(logger log.Log) *LoggingMiddleware {
	if logger == nil {
		logger = log.NewNop()
	}
	return &LoggingMiddleware{logger: logger.With(log.String("component", "frames"))}
}

func (m *LoggingMiddleware) Name() string {
	return "logging"
}

func (m *LoggingMiddleware) Priority() uint16 {
	return 1000 // High priority
}

func (m *LoggingMiddleware) BeforeHandle(ctx context.Context, client identity.RemoteClient, frame *protocol.Frame) (context.Context, error) {
	m.logger.Debug("Processing frame",
		log.String("client_id", client.ClientID().String()),
		log.String("method", frame.Method),
		log.String("type", frame.Type),
		log.Uint64("frame_id", frame.ID),
	)
	return ctx, nil
}

func (m *LoggingMiddleware) AfterHandle(_ context.Context, client identity.RemoteClient, frame *protocol.Frame, _ *protocol.Reply, err error) {
	fields := []log.Field{
		log.String("client_id", client.ClientID().String()),
		log.String("method", frame.Method),
		log.Uint64("frame_id", frame.ID),
	}
	if err != nil {
		m.logger.Warn("Frame handling failed", append(fields, log.Error(err))...)
		return
	}
	m.logger.Debug("Frame handled", fields...)
}

func (m *LoggingMiddleware) OnConnect(_ context.Context, client identity.RemoteClient) {
	m.logger.Debug("Session opened",
		log.String("client_id", client.ClientID().String()),
		log.String("client_host", client.ClientHost()),
	)
}

func (m *LoggingMiddleware) OnDisconnect(_ context.Context, client identity.RemoteClient, reason string) {
	m.logger.Debug("Session closed",
		log.String("client_id", client.ClientID().String()),
		log.String("reason", reason),
	)
}
