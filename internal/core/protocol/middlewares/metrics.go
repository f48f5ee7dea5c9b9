package middlewares

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/protocol"
)

// MethodMetrics summarizes the calls of one method.
type MethodMetrics struct {
	Count       int64         `json:"count"`
	Errors      int64         `json:"errors"`
	TotalTime   time.Duration `json:"total_time"`
	AverageTime time.Duration `json:"average_time"`
	LastUpdated time.Time     `json:"last_updated"`
}

// MetricsMiddleware collects call counts and latencies per method.
type MetricsMiddleware struct {
	mu      sync.Mutex
	methods map[string]*MethodMetrics
	now     func() time.Time
}

type startKey struct{}

func NewMetricsMiddleware() *MetricsMiddleware {
	return &MetricsMiddleware{methods: make(map[string]*MethodMetrics), now: time.Now}
}

func (m *MetricsMiddleware) Name() string {
	return "metrics"
}

func (m *MetricsMiddleware) Priority() uint16 {
	return 100 // Low priority, runs last
}

func (m *MetricsMiddleware) BeforeHandle(ctx context.Context, _ identity.RemoteClient, _ *protocol.Frame) (context.Context, error) {
	return context.WithValue(ctx, startKey{}, m.now()), nil
}

func (m *MetricsMiddleware) AfterHandle(ctx context.Context, _ identity.RemoteClient, frame *protocol.Frame, _ *protocol.Reply, err error) {
	start, ok := ctx.Value(startKey{}).(time.Time)
	if !ok {
		return
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.methods[frame.Method]
	if !ok {
		metrics = &MethodMetrics{}
		m.methods[frame.Method] = metrics
	}
	metrics.Count++
	metrics.TotalTime += now.Sub(start)
	metrics.LastUpdated = now
	if err != nil {
		metrics.Errors++
	}
}

func (m *MetricsMiddleware) OnConnect(context.Context, identity.RemoteClient) {}

func (m *MetricsMiddleware) OnDisconnect(context.Context, identity.RemoteClient, string) {}

// Metrics returns a copy of the collected metrics keyed by method.
func (m *MetricsMiddleware) Metrics() map[string]MethodMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]MethodMetrics, len(m.methods))
	for method, metrics := range m.methods {
		snapshot := *metrics
		if metrics.Count > 0 {
			snapshot.AverageTime = metrics.TotalTime / time.Duration(metrics.Count)
		}
		out[method] = snapshot
	}
	return out
}
