// Package maintenance evicts idle client sessions in the background.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/registry"
	"github.com/zeusync/remoteserver/pkg/concurrent"
)

const evictWorkers = 4

// Target is the part of the connection registry the reaper works on.
type Target interface {
	Sessions() []registry.SessionInfo
	EvictIf(ctx context.Context, id uuid.UUID, pred func(registry.SessionInfo) bool) (bool, error)
}

type Reaper struct {
	target   Target
	policy   IdlePolicy
	interval time.Duration
	logger   log.Log
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(target Target, policy IdlePolicy, interval time.Duration, logger log.Log) (*Reaper, error) {
	if target == nil || policy == nil {
		return nil, errs.InvalidArgument("reaper needs a target and an idle policy")
	}
	if interval <= 0 {
		return nil, errs.Configuration(fmt.Sprintf("maintenance interval must be positive, got %s", interval), nil)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Reaper{
		target:   target,
		policy:   policy,
		interval: interval,
		logger:   logger.With(log.String("component", "reaper")),
		now:      time.Now,
	}, nil
}

func (r *Reaper) Interval() time.Duration {
	return r.interval
}

// Start runs the reaper in the background until Stop is called or ctx is
// done. Starting a running reaper does nothing.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
}

// Stop halts a started reaper and waits for a running tick to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run ticks every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Debug("Reaper started", log.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case <-ctx.Done():
			r.logger.Debug("Reaper stopped")
			return nil
		}
	}
}

// Tick evicts the sessions that are idle right now and returns how many
// were evicted. Sessions connected after the tick took its snapshot wait for
// the next tick.
func (r *Reaper) Tick(ctx context.Context) int {
	sessions := r.target.Sessions()
	now := r.now()

	var idle []registry.SessionInfo
	for _, s := range sessions {
		if r.policy.Idle(s, now) {
			idle = append(idle, s)
		}
	}
	evicted := concurrent.Count(idle, evictWorkers, func(s registry.SessionInfo) bool {
		return ctx.Err() == nil && r.evict(ctx, s.Client.ClientID(), now)
	})

	if evicted > 0 {
		r.logger.Info("Idle sessions evicted",
			log.Int("evicted", evicted),
			log.Int("scanned", len(sessions)),
		)
	}
	return evicted
}

func (r *Reaper) evict(ctx context.Context, id uuid.UUID, now time.Time) (evicted bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Session eviction panicked",
				log.String("client_id", id.String()),
				log.Any("panic", p),
			)
			evicted = false
		}
	}()

	evicted, err := r.target.EvictIf(ctx, id, func(s registry.SessionInfo) bool {
		return r.policy.Idle(s, now)
	})
	if err != nil {
		r.logger.Error("Session eviction failed",
			log.String("client_id", id.String()),
			log.Error(err),
		)
	}
	return evicted
}
