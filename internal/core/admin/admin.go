// Package admin exposes the administrative view of a running server.
package admin

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/observability/stats"
	"github.com/zeusync/remoteserver/internal/core/registry"
)

// Sessions is the registry surface administration needs.
type Sessions interface {
	Clients(filter registry.ClientFilter) []identity.RemoteClient
	ConnectionCount() int
	ConnectionLimit() int
	SetConnectionLimit(limit int) error
	Disconnect(ctx context.Context, id uuid.UUID) error
}

type ServerInformation struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Port      int       `json:"port"`
	StartTime time.Time `json:"start_time"`
	TimeZone  string    `json:"time_zone"`
}

type ServerStatistics struct {
	Timestamp         time.Time       `json:"timestamp"`
	ConnectionCount   int             `json:"connection_count"`
	ConnectionLimit   int             `json:"connection_limit"`
	Memory            stats.Memory    `json:"memory"`
	RequestsPerSecond float64         `json:"requests_per_second"`
	ProcessCPULoad    float64         `json:"process_cpu_load"`
	SystemCPULoad     float64         `json:"system_cpu_load"`
	Threads           stats.Threads   `json:"threads"`
	GCEvents          []stats.GCEvent `json:"gc_events"`
}

type Admin struct {
	sessions  Sessions
	collector *stats.Collector
	requests  *stats.RequestCounter
	info      ServerInformation
	logger    log.Log
}

func New(sessions Sessions, collector *stats.Collector, requests *stats.RequestCounter, info ServerInformation, logger log.Log) *Admin {
	if collector == nil {
		collector = stats.NewCollector()
	}
	if requests == nil {
		requests = stats.NewRequestCounter()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Admin{
		sessions:  sessions,
		collector: collector,
		requests:  requests,
		info:      info,
		logger:    logger.With(log.String("component", "admin")),
	}
}

func (a *Admin) Clients() []identity.RemoteClient {
	return a.sessions.Clients(registry.All())
}

func (a *Admin) ClientsOfType(clientType string) []identity.RemoteClient {
	return a.sessions.Clients(registry.ByClientType(clientType))
}

func (a *Admin) ClientsOfUser(username string) []identity.RemoteClient {
	return a.sessions.Clients(registry.ByUser(username))
}

// ClientTypes lists the distinct client types currently connected.
func (a *Admin) ClientTypes() []string {
	return distinct(a.Clients(), identity.RemoteClient.ClientType)
}

// Users lists the distinct usernames currently connected.
func (a *Admin) Users() []string {
	return distinct(a.Clients(), func(c identity.RemoteClient) string { return c.User().Username() })
}

func (a *Admin) ConnectionCount() int {
	return a.sessions.ConnectionCount()
}

func (a *Admin) ConnectionLimit() int {
	return a.sessions.ConnectionLimit()
}

func (a *Admin) SetConnectionLimit(limit int) error {
	return a.sessions.SetConnectionLimit(limit)
}

// Disconnect forcibly ends the session of id.
func (a *Admin) Disconnect(ctx context.Context, id uuid.UUID) error {
	if err := a.sessions.Disconnect(ctx, id); err != nil {
		return err
	}
	a.logger.Info("Client disconnected by administrator", log.String("client_id", id.String()))
	return nil
}

// ServerStatistics samples the server now, including the GC events after
// since.
func (a *Admin) ServerStatistics(since time.Time) ServerStatistics {
	return ServerStatistics{
		Timestamp:         time.Now(),
		ConnectionCount:   a.sessions.ConnectionCount(),
		ConnectionLimit:   a.sessions.ConnectionLimit(),
		Memory:            a.collector.Memory(),
		RequestsPerSecond: a.requests.PerSecond(),
		ProcessCPULoad:    a.collector.ProcessCPULoad(),
		SystemCPULoad:     a.collector.SystemCPULoad(),
		Threads:           a.collector.Threads(),
		GCEvents:          a.collector.GCEvents(since),
	}
}

func (a *Admin) ServerInformation() ServerInformation {
	return a.info
}

// SystemProperties describes the process and the host it runs on.
func (a *Admin) SystemProperties() map[string]string {
	props := map[string]string{
		"go.version":   runtime.Version(),
		"os.name":      runtime.GOOS,
		"os.arch":      runtime.GOARCH,
		"runtime.cpus": strconv.Itoa(runtime.NumCPU()),
		"process.pid":  strconv.Itoa(os.Getpid()),
		"server.name":  a.info.Name,
		"server.id":    a.info.ID.String(),
	}
	if host, err := os.Hostname(); err == nil {
		props["host.name"] = host
	}
	if dir, err := os.Getwd(); err == nil {
		props["user.dir"] = dir
	}
	if exe, err := os.Executable(); err == nil {
		props["process.executable"] = exe
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		props["build.path"] = info.Main.Path
		props["build.version"] = info.Main.Version
	}
	return props
}

// MaxMemory is the soft memory limit in bytes, -1 when unlimited.
func (a *Admin) MaxMemory() int64 {
	return a.collector.Memory().Max
}

func (a *Admin) AllocatedMemory() uint64 {
	return a.collector.Memory().Allocated
}

func (a *Admin) ThreadStatistics() stats.Threads {
	return a.collector.Threads()
}

func (a *Admin) GCEvents(since time.Time) []stats.GCEvent {
	return a.collector.GCEvents(since)
}

func (a *Admin) RequestsPerSecond() float64 {
	return a.requests.PerSecond()
}

func (a *Admin) SystemCPULoad() float64 {
	return a.collector.SystemCPULoad()
}

func (a *Admin) ProcessCPULoad() float64 {
	return a.collector.ProcessCPULoad()
}

func distinct(clients []identity.RemoteClient, key func(identity.RemoteClient) string) []string {
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, key(c))
	}
	slices.Sort(out)
	return slices.Compact(out)
}
