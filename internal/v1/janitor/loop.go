// Package janitor periodically repairs stale matchmaking state: queue
// entries whose sid disconnected without a clean leave, and expired
// locks/bans the in-process store cannot TTL-evict on its own.
package janitor

import (
	"context"
	"time"

	"github.com/meshcall/core/internal/v1/clock"
	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/metrics"
	"github.com/meshcall/core/internal/v1/store"
	"github.com/meshcall/core/internal/v1/types"
	"go.uber.org/zap"
)

// ConnectionChecker answers whether a sid still has a live socket. The
// "only if disconnected" qualifier is load-bearing: a live client that has
// simply waited a long time must never be evicted.
type ConnectionChecker interface {
	IsConnected(sid types.Sid) bool
}

const (
	// DefaultInterval is how often Run sweeps when no interval is configured.
	DefaultInterval = 60 * time.Second
	// DefaultMaxQueueWait bounds how long a disconnected sid's queue entry
	// survives before being dropped.
	DefaultMaxQueueWait = 5 * time.Minute
)

// Loop is the JanitorLoop (C9).
type Loop struct {
	store        store.QueueStore
	connected    ConnectionChecker
	clock        clock.Clock
	interval     time.Duration
	maxQueueWait time.Duration
	stopCh       chan struct{}
}

// New wires a Loop to its collaborators. interval and maxQueueWait fall
// back to DefaultInterval/DefaultMaxQueueWait when zero.
func New(qs store.QueueStore, connected ConnectionChecker, c clock.Clock, interval, maxQueueWait time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxQueueWait <= 0 {
		maxQueueWait = DefaultMaxQueueWait
	}
	return &Loop{
		store:        qs,
		connected:    connected,
		clock:        c,
		interval:     interval,
		maxQueueWait: maxQueueWait,
		stopCh:       make(chan struct{}),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled or Stop is
// called. Intended to be launched in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	timer := l.clock.NewTimer(l.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-timer.C():
			l.Sweep(ctx)
			timer.Reset(l.interval)
		}
	}
}

// Stop ends a running Run loop.
func (l *Loop) Stop() {
	close(l.stopCh)
}

// Sweep runs one cleanup pass and logs/records the results. Queue entries
// are evicted one at a time, gated on disconnection, rather than via the
// store's age-only CleanupStaleQueueEntries, which has no notion of
// connectivity and would otherwise evict a live waiting client.
func (l *Loop) Sweep(ctx context.Context) {
	metrics.JanitorSweepsTotal.Inc()

	queueRemoved := l.sweepQueue(ctx)
	stateRemoved, err := l.store.CleanupStaleStates(ctx)
	if err != nil {
		logging.Warn(ctx, "janitor: cleanup stale states failed", zap.Error(err))
		stateRemoved = 0
	}

	if queueRemoved > 0 {
		metrics.JanitorRepairsTotal.WithLabelValues("queue").Add(float64(queueRemoved))
	}
	if stateRemoved > 0 {
		metrics.JanitorRepairsTotal.WithLabelValues("state").Add(float64(stateRemoved))
	}
	if queueRemoved > 0 || stateRemoved > 0 {
		logging.Info(ctx, "janitor sweep repaired stale entries",
			zap.Int("queue_removed", queueRemoved),
			zap.Int("state_removed", stateRemoved),
		)
	}
}

func (l *Loop) sweepQueue(ctx context.Context) int {
	waiting, err := l.store.WaitingQueue(ctx)
	if err != nil {
		logging.Warn(ctx, "janitor: list waiting queue failed", zap.Error(err))
		return 0
	}

	now := l.clock.Now()
	removed := 0
	for _, sid := range waiting {
		if l.connected.IsConnected(sid) {
			continue
		}
		enqueuedAt, ok, err := l.store.QueueEntryTime(ctx, sid)
		if err != nil || !ok {
			continue
		}
		if now.Sub(enqueuedAt) < l.maxQueueWait {
			continue
		}
		if err := l.store.RemoveFromQueue(ctx, sid); err != nil {
			logging.Warn(ctx, "janitor: remove stale queue entry failed", zap.String("sid", string(sid)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}
