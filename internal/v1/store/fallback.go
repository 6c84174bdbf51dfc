package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FallbackStore wraps a Redis-backed primary and an in-process secondary.
// On the first Redis error it atomically and permanently switches to the
// secondary for the remainder of the process and logs exactly once — the
// state is never "incorrect", only "less shared" (REDESIGN FLAGS).
type FallbackStore struct {
	primary   QueueStore
	secondary *MemoryStore
	degraded  atomic.Bool
	once      sync.Once
}

// New selects the QueueStore backend for the process: Redis-backed when a
// client is supplied, wrapped in the transparent-degradation FallbackStore;
// in-process only otherwise.
func New(client *redis.Client) QueueStore {
	if client == nil {
		return NewMemoryStore()
	}
	return &FallbackStore{
		primary:   NewRedisStore(client),
		secondary: NewMemoryStore(),
	}
}

func (f *FallbackStore) degrade(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.once.Do(func() {
			logging.Warn(ctx, "queue store degrading to in-process memory after Redis error", zap.Error(err))
		})
	}
}

func (f *FallbackStore) active() QueueStore {
	if f.degraded.Load() {
		return f.secondary
	}
	return f.primary
}

func (f *FallbackStore) AddToQueue(ctx context.Context, sid types.Sid, enqueuedAt time.Time) error {
	if f.degraded.Load() {
		return f.secondary.AddToQueue(ctx, sid, enqueuedAt)
	}
	err := f.primary.AddToQueue(ctx, sid, enqueuedAt)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.AddToQueue(ctx, sid, enqueuedAt)
	}
	return nil
}

func (f *FallbackStore) RemoveFromQueue(ctx context.Context, sid types.Sid) error {
	if f.degraded.Load() {
		return f.secondary.RemoveFromQueue(ctx, sid)
	}
	if err := f.primary.RemoveFromQueue(ctx, sid); err != nil {
		f.degrade(ctx, err)
		return f.secondary.RemoveFromQueue(ctx, sid)
	}
	return nil
}

func (f *FallbackStore) IsInQueue(ctx context.Context, sid types.Sid) (bool, error) {
	if f.degraded.Load() {
		return f.secondary.IsInQueue(ctx, sid)
	}
	ok, err := f.primary.IsInQueue(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.IsInQueue(ctx, sid)
	}
	return ok, nil
}

func (f *FallbackStore) WaitingQueue(ctx context.Context) ([]types.Sid, error) {
	if f.degraded.Load() {
		return f.secondary.WaitingQueue(ctx)
	}
	out, err := f.primary.WaitingQueue(ctx)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.WaitingQueue(ctx)
	}
	return out, nil
}

func (f *FallbackStore) QueueSize(ctx context.Context) (int, error) {
	if f.degraded.Load() {
		return f.secondary.QueueSize(ctx)
	}
	n, err := f.primary.QueueSize(ctx)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.QueueSize(ctx)
	}
	return n, nil
}

func (f *FallbackStore) QueueEntryTime(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	if f.degraded.Load() {
		return f.secondary.QueueEntryTime(ctx, sid)
	}
	t, ok, err := f.primary.QueueEntryTime(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.QueueEntryTime(ctx, sid)
	}
	return t, ok, nil
}

func (f *FallbackStore) SetPair(ctx context.Context, a, b types.Sid) error {
	if f.degraded.Load() {
		return f.secondary.SetPair(ctx, a, b)
	}
	if err := f.primary.SetPair(ctx, a, b); err != nil {
		f.degrade(ctx, err)
		return f.secondary.SetPair(ctx, a, b)
	}
	return nil
}

func (f *FallbackStore) GetPartner(ctx context.Context, sid types.Sid) (types.Sid, bool, error) {
	if f.degraded.Load() {
		return f.secondary.GetPartner(ctx, sid)
	}
	p, ok, err := f.primary.GetPartner(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.GetPartner(ctx, sid)
	}
	return p, ok, nil
}

func (f *FallbackStore) RemovePair(ctx context.Context, sid types.Sid) error {
	if f.degraded.Load() {
		return f.secondary.RemovePair(ctx, sid)
	}
	if err := f.primary.RemovePair(ctx, sid); err != nil {
		f.degrade(ctx, err)
		return f.secondary.RemovePair(ctx, sid)
	}
	return nil
}

func (f *FallbackStore) LockSocket(ctx context.Context, sid types.Sid, ttl time.Duration) (bool, error) {
	if f.degraded.Load() {
		return f.secondary.LockSocket(ctx, sid, ttl)
	}
	ok, err := f.primary.LockSocket(ctx, sid, ttl)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.LockSocket(ctx, sid, ttl)
	}
	return ok, nil
}

func (f *FallbackStore) UnlockSocket(ctx context.Context, sid types.Sid) error {
	if f.degraded.Load() {
		return f.secondary.UnlockSocket(ctx, sid)
	}
	if err := f.primary.UnlockSocket(ctx, sid); err != nil {
		f.degrade(ctx, err)
		return f.secondary.UnlockSocket(ctx, sid)
	}
	return nil
}

func (f *FallbackStore) IsLocked(ctx context.Context, sid types.Sid) (bool, error) {
	if f.degraded.Load() {
		return f.secondary.IsLocked(ctx, sid)
	}
	ok, err := f.primary.IsLocked(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.IsLocked(ctx, sid)
	}
	return ok, nil
}

func (f *FallbackStore) BanPair(ctx context.Context, a, b types.Sid, ttl time.Duration) error {
	if f.degraded.Load() {
		return f.secondary.BanPair(ctx, a, b, ttl)
	}
	if err := f.primary.BanPair(ctx, a, b, ttl); err != nil {
		f.degrade(ctx, err)
		return f.secondary.BanPair(ctx, a, b, ttl)
	}
	return nil
}

func (f *FallbackStore) IsBannedTogether(ctx context.Context, a, b types.Sid) (bool, error) {
	if f.degraded.Load() {
		return f.secondary.IsBannedTogether(ctx, a, b)
	}
	ok, err := f.primary.IsBannedTogether(ctx, a, b)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.IsBannedTogether(ctx, a, b)
	}
	return ok, nil
}

func (f *FallbackStore) SetBusy(ctx context.Context, sid types.Sid, busy bool) error {
	if f.degraded.Load() {
		return f.secondary.SetBusy(ctx, sid, busy)
	}
	if err := f.primary.SetBusy(ctx, sid, busy); err != nil {
		f.degrade(ctx, err)
		return f.secondary.SetBusy(ctx, sid, busy)
	}
	return nil
}

func (f *FallbackStore) IsBusy(ctx context.Context, sid types.Sid) (bool, error) {
	if f.degraded.Load() {
		return f.secondary.IsBusy(ctx, sid)
	}
	ok, err := f.primary.IsBusy(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.IsBusy(ctx, sid)
	}
	return ok, nil
}

func (f *FallbackStore) LastSearch(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	if f.degraded.Load() {
		return f.secondary.LastSearch(ctx, sid)
	}
	t, ok, err := f.primary.LastSearch(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.LastSearch(ctx, sid)
	}
	return t, ok, nil
}

func (f *FallbackStore) SetLastSearch(ctx context.Context, sid types.Sid, t time.Time) error {
	if f.degraded.Load() {
		return f.secondary.SetLastSearch(ctx, sid, t)
	}
	if err := f.primary.SetLastSearch(ctx, sid, t); err != nil {
		f.degrade(ctx, err)
		return f.secondary.SetLastSearch(ctx, sid, t)
	}
	return nil
}

func (f *FallbackStore) LastStart(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	if f.degraded.Load() {
		return f.secondary.LastStart(ctx, sid)
	}
	t, ok, err := f.primary.LastStart(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.LastStart(ctx, sid)
	}
	return t, ok, nil
}

func (f *FallbackStore) SetLastStart(ctx context.Context, sid types.Sid, t time.Time) error {
	if f.degraded.Load() {
		return f.secondary.SetLastStart(ctx, sid, t)
	}
	if err := f.primary.SetLastStart(ctx, sid, t); err != nil {
		f.degrade(ctx, err)
		return f.secondary.SetLastStart(ctx, sid, t)
	}
	return nil
}

func (f *FallbackStore) LastMatchAttempt(ctx context.Context, sid types.Sid) (time.Time, bool, error) {
	if f.degraded.Load() {
		return f.secondary.LastMatchAttempt(ctx, sid)
	}
	t, ok, err := f.primary.LastMatchAttempt(ctx, sid)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.LastMatchAttempt(ctx, sid)
	}
	return t, ok, nil
}

func (f *FallbackStore) SetLastMatchAttempt(ctx context.Context, sid types.Sid, t time.Time) error {
	if f.degraded.Load() {
		return f.secondary.SetLastMatchAttempt(ctx, sid, t)
	}
	if err := f.primary.SetLastMatchAttempt(ctx, sid, t); err != nil {
		f.degrade(ctx, err)
		return f.secondary.SetLastMatchAttempt(ctx, sid, t)
	}
	return nil
}

func (f *FallbackStore) CleanupStaleQueueEntries(ctx context.Context, maxAge time.Duration) (int, error) {
	if f.degraded.Load() {
		return f.secondary.CleanupStaleQueueEntries(ctx, maxAge)
	}
	n, err := f.primary.CleanupStaleQueueEntries(ctx, maxAge)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.CleanupStaleQueueEntries(ctx, maxAge)
	}
	return n, nil
}

func (f *FallbackStore) CleanupStaleStates(ctx context.Context) (int, error) {
	if f.degraded.Load() {
		return f.secondary.CleanupStaleStates(ctx)
	}
	n, err := f.primary.CleanupStaleStates(ctx)
	if err != nil {
		f.degrade(ctx, err)
		return f.secondary.CleanupStaleStates(ctx)
	}
	return n, nil
}
