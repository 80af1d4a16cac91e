package repository

import (
	"context"

	"github.com/splax/netusage/internal/domain"
)

// SampleFilter narrows a sample scan. A sample matches when it was recorded on
// NetworkType/SubscriberID and its interval overlaps [StartTime, EndTime); a
// zero-length sample matches when its instant lies inside the window.
type SampleFilter struct {
	NetworkType  domain.NetworkType
	SubscriberID string
	StartTime    int64
	EndTime      int64
	// UID restricts the scan to one uid.
	UID *int
	// UserID restricts the scan to uids owned by one device user.
	UserID *int
}

// Matches applies the filter to a single sample.
func (f SampleFilter) Matches(s domain.TrafficSample) bool {
	if s.NetworkType != f.NetworkType || s.SubscriberID != f.SubscriberID {
		return false
	}
	if f.UID != nil && s.UID != *f.UID {
		return false
	}
	if f.UserID != nil {
		lo, hi := domain.UserUIDRange(*f.UserID)
		if s.UID < lo || s.UID >= hi {
			return false
		}
	}
	if s.StartMS >= f.EndTime {
		return false
	}
	if s.EndMS == s.StartMS {
		return s.StartMS >= f.StartTime
	}
	return s.EndMS > f.StartTime
}

// SampleIterator walks scan results in (uid, start, id) order. Implementations
// are not safe for concurrent use and must be closed.
type SampleIterator interface {
	Next(sample *domain.TrafficSample) bool
	Err() error
	Close() error
}

// SampleRepository is the append-only traffic sample store.
type SampleRepository interface {
	AppendSample(ctx context.Context, sample *domain.TrafficSample) error
	ScanSamples(ctx context.Context, filter SampleFilter) (SampleIterator, error)
	// ExpiredSamples returns samples that ended before the cutoff, in id order.
	ExpiredSamples(ctx context.Context, endedBefore int64) ([]domain.TrafficSample, error)
	// DeleteSamples removes the samples with the given ids and reports how many were removed.
	DeleteSamples(ctx context.Context, ids []int64) (int64, error)
	CountSamples(ctx context.Context) (int64, error)
}

// PermissionRepository stores app-op style decisions per caller identity.
type PermissionRepository interface {
	// GetPermission returns the stored mode; ok is false when nothing is stored.
	GetPermission(ctx context.Context, identity string, kind domain.PermissionKind) (mode domain.PermissionMode, ok bool, err error)
	// SetPermission stores mode atomically and returns the previous stored mode, if any.
	SetPermission(ctx context.Context, identity string, kind domain.PermissionKind, mode domain.PermissionMode) (previous domain.PermissionMode, existed bool, err error)
}

// CallerRepository persists registered callers.
type CallerRepository interface {
	CreateCaller(ctx context.Context, caller *domain.Caller) error
	GetCallerByIdentity(ctx context.Context, identity string) (*domain.Caller, error)
}

// Store bundles every repository a backend provides.
type Store interface {
	SampleRepository
	PermissionRepository
	CallerRepository
	Close() error
}
