package maintenance

import (
	"time"

	"github.com/zeusync/remoteserver/internal/core/registry"
)

// IdlePolicy decides whether a session has been idle long enough to evict.
type IdlePolicy interface {
	Idle(session registry.SessionInfo, now time.Time) bool
}

// TimeoutPolicy evicts sessions not accessed within a timeout. A zero or
// negative timeout disables eviction for the client types it applies to.
type TimeoutPolicy struct {
	Default       time.Duration
	PerClientType map[string]time.Duration
}

func (p TimeoutPolicy) Timeout(clientType string) time.Duration {
	if t, ok := p.PerClientType[clientType]; ok {
		return t
	}
	return p.Default
}

func (p TimeoutPolicy) Idle(session registry.SessionInfo, now time.Time) bool {
	if session.Busy {
		return false
	}
	timeout := p.Timeout(session.Client.ClientType())
	if timeout <= 0 {
		return false
	}
	return now.Sub(session.LastAccessed) > timeout
}
