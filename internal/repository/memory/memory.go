package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
)

// Repository keeps samples, permissions and callers in process memory.
//
// The sample slice is append-only: appends never touch elements below the
// current length and evictions swap in a fresh slice, so a scan can read a
// slice header captured under the read lock without holding it afterwards.
type Repository struct {
	mu         sync.RWMutex
	samples    []domain.TrafficSample
	nextID     int64
	maxSamples int
	evicted    int64

	permMu sync.Mutex
	perms  map[permKey]domain.PermissionMode

	callerMu sync.RWMutex
	callers  map[string]domain.Caller

	now func() time.Time
}

type permKey struct {
	identity string
	kind     domain.PermissionKind
}

var _ repository.Store = (*Repository)(nil)

// New constructs an empty Repository. maxSamples <= 0 disables the size bound.
func New(maxSamples int) *Repository {
	return &Repository{
		maxSamples: maxSamples,
		perms:      make(map[permKey]domain.PermissionMode),
		callers:    make(map[string]domain.Caller),
		now:        time.Now,
	}
}

// AppendSample stores a copy of the sample and assigns its ID.
func (r *Repository) AppendSample(_ context.Context, sample *domain.TrafficSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSamples > 0 && len(r.samples) >= r.maxSamples {
		r.evictOldestLocked()
	}
	r.nextID++
	sample.ID = r.nextID
	if sample.IngestedAt.IsZero() {
		sample.IngestedAt = r.now().UTC()
	}
	r.samples = append(r.samples, *sample)
	return nil
}

// evictOldestLocked drops the oldest tenth of the samples into a fresh slice.
func (r *Repository) evictOldestLocked() {
	drop := r.maxSamples / 10
	if drop < 1 {
		drop = 1
	}
	if drop > len(r.samples) {
		drop = len(r.samples)
	}
	kept := make([]domain.TrafficSample, len(r.samples)-drop, r.maxSamples)
	copy(kept, r.samples[drop:])
	r.samples = kept
	r.evicted += int64(drop)
}

// Evicted reports how many samples were dropped by the size bound.
func (r *Repository) Evicted() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// ScanSamples returns matching samples from a snapshot taken at call time.
func (r *Repository) ScanSamples(ctx context.Context, filter repository.SampleFilter) (repository.SampleIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	snapshot := r.samples
	r.mu.RUnlock()

	matches := make([]domain.TrafficSample, 0)
	for _, s := range snapshot {
		if filter.Matches(s) {
			matches = append(matches, s)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.UID != b.UID {
			return a.UID < b.UID
		}
		if a.StartMS != b.StartMS {
			return a.StartMS < b.StartMS
		}
		return a.ID < b.ID
	})
	return &sliceIterator{samples: matches}, nil
}

// ExpiredSamples returns samples that ended before the cutoff.
func (r *Repository) ExpiredSamples(_ context.Context, endedBefore int64) ([]domain.TrafficSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expired := make([]domain.TrafficSample, 0)
	for _, s := range r.samples {
		if s.EndMS < endedBefore {
			expired = append(expired, s)
		}
	}
	return expired, nil
}

// DeleteSamples removes samples by id into a fresh slice.
func (r *Repository) DeleteSamples(_ context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]domain.TrafficSample, 0, len(r.samples))
	for _, s := range r.samples {
		if _, ok := drop[s.ID]; ok {
			continue
		}
		kept = append(kept, s)
	}
	deleted := int64(len(r.samples) - len(kept))
	if deleted > 0 {
		r.samples = kept
	}
	return deleted, nil
}

// CountSamples returns the number of stored samples.
func (r *Repository) CountSamples(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.samples)), nil
}

// GetPermission returns the stored mode for identity and kind.
func (r *Repository) GetPermission(_ context.Context, identity string, kind domain.PermissionKind) (domain.PermissionMode, bool, error) {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	mode, ok := r.perms[permKey{identity: identity, kind: kind}]
	return mode, ok, nil
}

// SetPermission swaps in a new mode and returns the previous one.
func (r *Repository) SetPermission(_ context.Context, identity string, kind domain.PermissionKind, mode domain.PermissionMode) (domain.PermissionMode, bool, error) {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	key := permKey{identity: identity, kind: kind}
	previous, existed := r.perms[key]
	r.perms[key] = mode
	return previous, existed, nil
}

// CreateCaller registers a caller; identities are unique.
func (r *Repository) CreateCaller(_ context.Context, caller *domain.Caller) error {
	r.callerMu.Lock()
	defer r.callerMu.Unlock()
	if _, ok := r.callers[caller.Identity]; ok {
		return repository.ErrConflict
	}
	copyCaller := *caller
	copyCaller.SecretHash = append([]byte(nil), caller.SecretHash...)
	r.callers[caller.Identity] = copyCaller
	return nil
}

// GetCallerByIdentity looks a caller up by identity.
func (r *Repository) GetCallerByIdentity(_ context.Context, identity string) (*domain.Caller, error) {
	r.callerMu.RLock()
	defer r.callerMu.RUnlock()
	caller, ok := r.callers[identity]
	if !ok {
		return nil, repository.ErrNotFound
	}
	caller.SecretHash = append([]byte(nil), caller.SecretHash...)
	return &caller, nil
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }

type sliceIterator struct {
	samples []domain.TrafficSample
	pos     int
	closed  bool
}

func (it *sliceIterator) Next(sample *domain.TrafficSample) bool {
	if it.closed || it.pos >= len(it.samples) {
		return false
	}
	*sample = it.samples[it.pos]
	it.pos++
	return true
}

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error {
	it.closed = true
	it.samples = nil
	return nil
}
