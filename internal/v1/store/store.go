// Package store implements the matchmaking QueueStore: the waiting queue,
// the pair table, busy/lock/ban state, and the timestamps the Matcher and
// Janitor need to reason about staleness. One interface, two
// implementations — Redis-backed for multi-pod deployments, in-process for
// single-instance/dev — selected once at startup and never interleaved
// (REDESIGN FLAGS: no ad hoc try/catch between backends).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshcall/core/internal/v1/types"
)

// QueueStore is the full surface the Matcher, DirectCallManager, and
// Janitor use to read and mutate shared matchmaking state.
type QueueStore interface {
	AddToQueue(ctx context.Context, sid types.Sid, enqueuedAt time.Time) error
	RemoveFromQueue(ctx context.Context, sid types.Sid) error
	IsInQueue(ctx context.Context, sid types.Sid) (bool, error)
	WaitingQueue(ctx context.Context) ([]types.Sid, error)
	QueueSize(ctx context.Context) (int, error)
	QueueEntryTime(ctx context.Context, sid types.Sid) (time.Time, bool, error)

	SetPair(ctx context.Context, a, b types.Sid) error
	GetPartner(ctx context.Context, sid types.Sid) (types.Sid, bool, error)
	RemovePair(ctx context.Context, sid types.Sid) error

	LockSocket(ctx context.Context, sid types.Sid, ttl time.Duration) (bool, error)
	UnlockSocket(ctx context.Context, sid types.Sid) error
	IsLocked(ctx context.Context, sid types.Sid) (bool, error)

	BanPair(ctx context.Context, a, b types.Sid, ttl time.Duration) error
	IsBannedTogether(ctx context.Context, a, b types.Sid) (bool, error)

	SetBusy(ctx context.Context, sid types.Sid, busy bool) error
	IsBusy(ctx context.Context, sid types.Sid) (bool, error)

	LastSearch(ctx context.Context, sid types.Sid) (time.Time, bool, error)
	SetLastSearch(ctx context.Context, sid types.Sid, t time.Time) error
	LastStart(ctx context.Context, sid types.Sid) (time.Time, bool, error)
	SetLastStart(ctx context.Context, sid types.Sid, t time.Time) error
	LastMatchAttempt(ctx context.Context, sid types.Sid) (time.Time, bool, error)
	SetLastMatchAttempt(ctx context.Context, sid types.Sid, t time.Time) error

	// CleanupStaleQueueEntries removes queue entries older than maxAge and
	// returns how many were removed.
	CleanupStaleQueueEntries(ctx context.Context, maxAge time.Duration) (int, error)
	// CleanupStaleStates removes locks and bans past their expiry that the
	// backend didn't already expire on its own (the in-process backend has
	// no TTL eviction, so this does the sweeping there). Busy markers have
	// no expiry and are not touched.
	CleanupStaleStates(ctx context.Context) (int, error)
}

func banKey(a, b types.Sid) (types.Sid, types.Sid) {
	if b < a {
		return b, a
	}
	return a, b
}

// MemoryStore is the single-instance, in-process QueueStore implementation,
// grounded on the teacher's mutex-guarded map pattern in room.go.
type MemoryStore struct {
	mu sync.Mutex

	queue   map[types.Sid]time.Time
	pair    map[types.Sid]types.Sid
	locks   map[types.Sid]time.Time // expiry
	bans    map[[2]types.Sid]time.Time
	busy    map[types.Sid]bool
	search  map[types.Sid]time.Time
	start   map[types.Sid]time.Time
	attempt map[types.Sid]time.Time
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queue:   make(map[types.Sid]time.Time),
		pair:    make(map[types.Sid]types.Sid),
		locks:   make(map[types.Sid]time.Time),
		bans:    make(map[[2]types.Sid]time.Time),
		busy:    make(map[types.Sid]bool),
		search:  make(map[types.Sid]time.Time),
		start:   make(map[types.Sid]time.Time),
		attempt: make(map[types.Sid]time.Time),
	}
}

func (m *MemoryStore) AddToQueue(_ context.Context, sid types.Sid, enqueuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[sid] = enqueuedAt
	return nil
}

func (m *MemoryStore) RemoveFromQueue(_ context.Context, sid types.Sid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, sid)
	return nil
}

func (m *MemoryStore) IsInQueue(_ context.Context, sid types.Sid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queue[sid]
	return ok, nil
}

func (m *MemoryStore) WaitingQueue(_ context.Context) ([]types.Sid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Sid, 0, len(m.queue))
	for sid := range m.queue {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return m.queue[out[i]].Before(m.queue[out[j]]) })
	return out, nil
}

func (m *MemoryStore) QueueSize(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

func (m *MemoryStore) QueueEntryTime(_ context.Context, sid types.Sid) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.queue[sid]
	return t, ok, nil
}

func (m *MemoryStore) SetPair(_ context.Context, a, b types.Sid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pair[a] = b
	m.pair[b] = a
	return nil
}

func (m *MemoryStore) GetPartner(_ context.Context, sid types.Sid) (types.Sid, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pair[sid]
	return p, ok, nil
}

func (m *MemoryStore) RemovePair(_ context.Context, sid types.Sid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partner, ok := m.pair[sid]; ok {
		delete(m.pair, partner)
	}
	delete(m.pair, sid)
	return nil
}

func (m *MemoryStore) LockSocket(_ context.Context, sid types.Sid, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.locks[sid]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.locks[sid] = time.Now().Add(ttl)
	return true, nil
}

func (m *MemoryStore) UnlockSocket(_ context.Context, sid types.Sid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, sid)
	return nil
}

func (m *MemoryStore) IsLocked(_ context.Context, sid types.Sid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.locks[sid]
	return ok && time.Now().Before(expiry), nil
}

func (m *MemoryStore) BanPair(_ context.Context, a, b types.Sid, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := banKey(a, b)
	m.bans[[2]types.Sid{lo, hi}] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) IsBannedTogether(_ context.Context, a, b types.Sid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := banKey(a, b)
	expiry, ok := m.bans[[2]types.Sid{lo, hi}]
	return ok && time.Now().Before(expiry), nil
}

func (m *MemoryStore) SetBusy(_ context.Context, sid types.Sid, busy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if busy {
		m.busy[sid] = true
	} else {
		delete(m.busy, sid)
	}
	return nil
}

func (m *MemoryStore) IsBusy(_ context.Context, sid types.Sid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[sid], nil
}

func (m *MemoryStore) LastSearch(_ context.Context, sid types.Sid) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.search[sid]
	return t, ok, nil
}

func (m *MemoryStore) SetLastSearch(_ context.Context, sid types.Sid, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.search[sid] = t
	return nil
}

func (m *MemoryStore) LastStart(_ context.Context, sid types.Sid) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.start[sid]
	return t, ok, nil
}

func (m *MemoryStore) SetLastStart(_ context.Context, sid types.Sid, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start[sid] = t
	return nil
}

func (m *MemoryStore) LastMatchAttempt(_ context.Context, sid types.Sid) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.attempt[sid]
	return t, ok, nil
}

func (m *MemoryStore) SetLastMatchAttempt(_ context.Context, sid types.Sid, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt[sid] = t
	return nil
}

func (m *MemoryStore) CleanupStaleQueueEntries(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for sid, t := range m.queue {
		if t.Before(cutoff) {
			delete(m.queue, sid)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) CleanupStaleStates(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for sid, expiry := range m.locks {
		if now.After(expiry) {
			delete(m.locks, sid)
			removed++
		}
	}
	for key, expiry := range m.bans {
		if now.After(expiry) {
			delete(m.bans, key)
			removed++
		}
	}
	return removed, nil
}
