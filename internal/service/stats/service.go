package stats

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
	"github.com/splax/netusage/internal/service/access"
)

// PermissionChecker decides whether a caller may use an operation.
type PermissionChecker interface {
	Check(ctx context.Context, caller domain.Caller, kind domain.PermissionKind) error
}

// Service answers device, user, summary and detail usage queries.
type Service struct {
	samples  repository.SampleRepository
	gate     PermissionChecker
	logger   *slog.Logger
	bucketer bucketer
}

// New returns a stats service that apportions samples over history buckets of bucketSpan.
func New(samples repository.SampleRepository, gate PermissionChecker, logger *slog.Logger, bucketSpan time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		samples:  samples,
		gate:     gate,
		logger:   logger,
		bucketer: newBucketer(bucketSpan),
	}
}

// QuerySummaryForDevice totals every uid over the range into a single bucket.
func (s *Service) QuerySummaryForDevice(ctx context.Context, caller domain.Caller, r domain.QueryRange) (domain.Bucket, error) {
	const op = "query summary for device"
	r, err := s.authorize(ctx, op, caller, r)
	if err != nil {
		return domain.Bucket{}, err
	}
	return s.total(ctx, op, domain.ScopeDevice, s.filter(r), r)
}

// QuerySummaryForUser totals the uids owned by the caller's device user into a single bucket.
func (s *Service) QuerySummaryForUser(ctx context.Context, caller domain.Caller, r domain.QueryRange) (domain.Bucket, error) {
	const op = "query summary for user"
	r, err := s.authorize(ctx, op, caller, r)
	if err != nil {
		return domain.Bucket{}, err
	}
	filter := s.filter(r)
	user := caller.UserID()
	filter.UserID = &user
	return s.total(ctx, op, domain.ScopeUser, filter, r)
}

// QuerySummary returns one bucket per uid with activity in the range.
func (s *Service) QuerySummary(ctx context.Context, caller domain.Caller, r domain.QueryRange) (*Cursor, error) {
	const op = "query summary"
	r, err := s.authorize(ctx, op, caller, r)
	if err != nil {
		return nil, err
	}
	it, err := s.samples.ScanSamples(ctx, s.filter(r))
	if err != nil {
		return nil, serviceError(op, err)
	}
	return newCursor(op, &summarySource{
		sampleStream: sampleStream{it: it},
		bucketer:     s.bucketer,
		from:         r.StartTime,
		to:           r.EndTime,
	}), nil
}

// QueryDetails returns history buckets for every uid.
func (s *Service) QueryDetails(ctx context.Context, caller domain.Caller, r domain.QueryRange) (*Cursor, error) {
	const op = "query details"
	r, err := s.authorize(ctx, op, caller, r)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, op, s.filter(r), r)
}

// QueryDetailsForUID returns history buckets for a single uid.
func (s *Service) QueryDetailsForUID(ctx context.Context, caller domain.Caller, r domain.QueryRange, uid int) (*Cursor, error) {
	const op = "query details for uid"
	r, err := s.authorize(ctx, op, caller, r)
	if err != nil {
		return nil, err
	}
	filter := s.filter(r)
	filter.UID = &uid
	return s.details(ctx, op, filter, r)
}

// authorize checks usage access before anything else, then validates the range.
func (s *Service) authorize(ctx context.Context, op string, caller domain.Caller, r domain.QueryRange) (domain.QueryRange, error) {
	if err := s.gate.Check(ctx, caller, domain.PermissionUsageAccess); err != nil {
		switch {
		case errors.Is(err, access.ErrPermissionDenied), errors.Is(err, access.ErrMissingIdentity):
			s.logger.Info("usage query denied", "op", op, "identity", caller.Identity, "uid", caller.UID)
			return r, access.ErrPermissionDenied
		default:
			s.logger.Error("permission check failed", "op", op, "identity", caller.Identity, "error", err)
			return r, serviceError(op, err)
		}
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r.Normalize(), nil
}

func (s *Service) filter(r domain.QueryRange) repository.SampleFilter {
	return repository.SampleFilter{
		NetworkType:  r.NetworkType,
		SubscriberID: r.SubscriberID,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
	}
}

func (s *Service) total(ctx context.Context, op string, scope domain.BucketScope, filter repository.SampleFilter, r domain.QueryRange) (domain.Bucket, error) {
	it, err := s.samples.ScanSamples(ctx, filter)
	if err != nil {
		return domain.Bucket{}, serviceError(op, err)
	}
	defer it.Close()

	var (
		total  counters
		sample domain.TrafficSample
	)
	for it.Next(&sample) {
		s.bucketer.split(sample, r.StartTime, r.EndTime, func(_ int64, c counters) { total.add(c) })
	}
	if err := it.Err(); err != nil {
		return domain.Bucket{}, serviceError(op, err)
	}
	bucket := domain.Bucket{
		Scope:          scope,
		State:          domain.StateAll,
		UID:            domain.UIDAll,
		StartTimeStamp: r.StartTime,
		EndTimeStamp:   r.EndTime,
	}
	total.fill(&bucket)
	return bucket, nil
}

func (s *Service) details(ctx context.Context, op string, filter repository.SampleFilter, r domain.QueryRange) (*Cursor, error) {
	it, err := s.samples.ScanSamples(ctx, filter)
	if err != nil {
		return nil, serviceError(op, err)
	}
	return newCursor(op, &detailSource{
		sampleStream: sampleStream{it: it},
		bucketer:     s.bucketer,
		from:         r.StartTime,
		to:           r.EndTime,
		open:         make(map[int64]*counters),
	}), nil
}
