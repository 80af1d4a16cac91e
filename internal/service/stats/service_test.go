package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
	"github.com/splax/netusage/internal/repository/memory"
	"github.com/splax/netusage/internal/service/access"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testCaller = domain.Caller{Identity: "com.example.usage", UID: 10042}

func newTestService(t *testing.T, span time.Duration, samples ...domain.TrafficSample) (*Service, *access.Gate, *memory.Repository) {
	t.Helper()
	repo := memory.New(0)
	for i := range samples {
		if err := repo.AppendSample(context.Background(), &samples[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	gate := access.New(repo, access.Defaults{}, testLogger())
	if _, err := gate.Set(context.Background(), testCaller.Identity, domain.PermissionUsageAccess, domain.ModeAllow); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return New(repo, gate, testLogger(), span), gate, repo
}

func drain(t *testing.T, c *Cursor) []domain.Bucket {
	t.Helper()
	defer c.Close()
	var out []domain.Bucket
	var b domain.Bucket
	for c.NextBucket(&b) {
		out = append(out, b)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return out
}

func wifi(start, end int64) domain.QueryRange {
	return domain.QueryRange{NetworkType: domain.NetworkWifi, StartTime: start, EndTime: end}
}

func TestSingleSampleEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 2*time.Hour, domain.TrafficSample{
		NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 1000, EndMS: 2000, RxBytes: 100, TxBytes: 50,
	})
	r := wifi(0, 5000)

	device, err := svc.QuerySummaryForDevice(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if device.UID != domain.UIDAll || device.State != domain.StateAll {
		t.Fatalf("unexpected device bucket identity: %+v", device)
	}
	if device.RxBytes != 100 || device.TxBytes != 50 {
		t.Fatalf("unexpected device totals: %+v", device)
	}
	if device.StartTimeStamp != 0 || device.EndTimeStamp != 5000 {
		t.Fatalf("device bucket must carry the query window, got %+v", device)
	}

	user, err := svc.QuerySummaryForUser(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if user.RxBytes != 100 || user.UID != domain.UIDAll {
		t.Fatalf("unexpected user bucket: %+v", user)
	}

	cursor, err := svc.QuerySummary(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	summary := drain(t, cursor)
	if len(summary) != 1 || summary[0].UID != 1000 || summary[0].RxBytes != 100 || summary[0].TxBytes != 50 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	cursor, err = svc.QueryDetailsForUID(ctx, testCaller, r, 1000)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	details := drain(t, cursor)
	if len(details) != 1 || details[0].RxBytes != 100 || details[0].TxBytes != 50 {
		t.Fatalf("unexpected details: %+v", details)
	}
	if details[0].StartTimeStamp != 0 || details[0].EndTimeStamp != 5000 {
		t.Fatalf("detail bucket must be clipped to the window, got %+v", details[0])
	}
}

func TestEmptyStoreStillReturnsDeviceBucket(t *testing.T) {
	svc, _, _ := newTestService(t, time.Hour)
	b, err := svc.QuerySummaryForDevice(context.Background(), testCaller, wifi(10, 20))
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if b.RxBytes != 0 || b.TxBytes != 0 || b.StartTimeStamp != 10 || b.EndTimeStamp != 20 {
		t.Fatalf("unexpected bucket: %+v", b)
	}
	cursor, err := svc.QuerySummary(context.Background(), testCaller, wifi(10, 20))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	defer cursor.Close()
	if cursor.HasNextBucket() {
		t.Fatalf("expected empty summary")
	}
}

func TestRevokingUsageAccessDeniesEveryQuery(t *testing.T) {
	ctx := context.Background()
	svc, gate, _ := newTestService(t, time.Hour, domain.TrafficSample{
		NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 0, EndMS: 10, RxBytes: 1,
	})
	if _, err := gate.Set(ctx, testCaller.Identity, domain.PermissionUsageAccess, domain.ModeDeny); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	r := wifi(0, 100)
	if _, err := svc.QuerySummaryForDevice(ctx, testCaller, r); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("device: expected denial, got %v", err)
	}
	if _, err := svc.QuerySummaryForUser(ctx, testCaller, r); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("user: expected denial, got %v", err)
	}
	if _, err := svc.QuerySummary(ctx, testCaller, r); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("summary: expected denial, got %v", err)
	}
	if _, err := svc.QueryDetails(ctx, testCaller, r); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("details: expected denial, got %v", err)
	}
	if _, err := svc.QueryDetailsForUID(ctx, testCaller, r, 1000); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("details for uid: expected denial, got %v", err)
	}
	if _, err := svc.QuerySummary(ctx, testCaller, wifi(100, 0)); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("denial must win over an invalid range, got %v", err)
	}

	if _, err := gate.Set(ctx, testCaller.Identity, domain.PermissionWriteSettings, domain.ModeAllow); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if _, err := svc.QuerySummaryForDevice(ctx, testCaller, r); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("write settings must not restore usage access, got %v", err)
	}

	if _, err := gate.Set(ctx, testCaller.Identity, domain.PermissionUsageAccess, domain.ModeAllow); err != nil {
		t.Fatalf("grant: %v", err)
	}
	b, err := svc.QuerySummaryForDevice(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("expected access restored, got %v", err)
	}
	if b.RxBytes != 1 {
		t.Fatalf("unexpected totals after restore: %+v", b)
	}
}

func TestInvalidRange(t *testing.T) {
	svc, _, _ := newTestService(t, time.Hour)
	if _, err := svc.QuerySummaryForDevice(context.Background(), testCaller, wifi(10, 5)); !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	if _, err := svc.QueryDetails(context.Background(), testCaller, wifi(-1, 5)); !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	b, err := svc.QuerySummaryForDevice(context.Background(), testCaller, wifi(5, 5))
	if err != nil {
		t.Fatalf("empty window is valid: %v", err)
	}
	if b.RxBytes != 0 {
		t.Fatalf("empty window must be zero, got %+v", b)
	}
}

func TestBucketTimestampsStayInsideWindow(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, time.Second,
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 200, EndMS: 4800, RxBytes: 4600},
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 2000, StartMS: 1500, EndMS: 1500, TxBytes: 3},
	)
	r := wifi(700, 3300)

	cursor, err := svc.QueryDetails(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	details := drain(t, cursor)
	if len(details) != 5 {
		t.Fatalf("expected 5 detail buckets, got %+v", details)
	}
	for _, b := range details {
		if b.StartTimeStamp < r.StartTime || b.EndTimeStamp > r.EndTime || b.StartTimeStamp > b.EndTimeStamp {
			t.Fatalf("bucket outside window: %+v", b)
		}
		if b.State != domain.StateAll {
			t.Fatalf("unexpected state %v", b.State)
		}
	}
	if details[0].StartTimeStamp != 700 || details[0].EndTimeStamp != 1000 {
		t.Fatalf("first bucket must be clipped to window start, got %+v", details[0])
	}
	if details[3].StartTimeStamp != 3000 || details[3].EndTimeStamp != 3300 {
		t.Fatalf("last uid 1000 bucket must be clipped to window end, got %+v", details[3])
	}
	if details[4].UID != 2000 || details[4].TxBytes != 3 {
		t.Fatalf("unexpected zero-length sample bucket: %+v", details[4])
	}

	cursor, err = svc.QuerySummary(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	for _, b := range drain(t, cursor) {
		if b.StartTimeStamp != r.StartTime || b.EndTimeStamp != r.EndTime {
			t.Fatalf("summary bucket must carry the window, got %+v", b)
		}
	}
}

func TestSummaryMatchesDetailTotals(t *testing.T) {
	ctx := context.Background()
	samples := []domain.TrafficSample{
		{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 0, EndMS: 7, RxBytes: 13, TxBytes: 5, RxPackets: 3, TxPackets: 1},
		{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 5, EndMS: 23, RxBytes: 101, TxBytes: 37},
		{NetworkType: domain.NetworkWifi, UID: 10042, StartMS: 3, EndMS: 31, RxBytes: 999, TxPackets: 17},
		{NetworkType: domain.NetworkWifi, UID: 10042, StartMS: 12, EndMS: 12, RxBytes: 4},
		{NetworkType: domain.NetworkMobile, SubscriberID: "310260", UID: 1000, StartMS: 0, EndMS: 30, RxBytes: 1 << 40},
	}
	svc, _, _ := newTestService(t, 4*time.Millisecond, samples...)
	r := wifi(2, 27)

	cursor, err := svc.QuerySummary(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	summary := map[int]domain.Bucket{}
	for _, b := range drain(t, cursor) {
		summary[b.UID] = b
	}
	cursor, err = svc.QueryDetails(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	detail := map[int]domain.Bucket{}
	lastStart := map[int]int64{}
	for _, b := range drain(t, cursor) {
		if prev, ok := lastStart[b.UID]; ok && b.StartTimeStamp <= prev {
			t.Fatalf("detail buckets out of order for uid %d", b.UID)
		}
		lastStart[b.UID] = b.StartTimeStamp
		acc := detail[b.UID]
		acc.RxBytes += b.RxBytes
		acc.TxBytes += b.TxBytes
		acc.RxPackets += b.RxPackets
		acc.TxPackets += b.TxPackets
		detail[b.UID] = acc
	}
	if len(summary) != 2 || len(detail) != 2 {
		t.Fatalf("expected two uids, summary=%v detail=%v", summary, detail)
	}
	var device domain.Bucket
	for uid, s := range summary {
		d := detail[uid]
		if s.RxBytes != d.RxBytes || s.TxBytes != d.TxBytes || s.RxPackets != d.RxPackets || s.TxPackets != d.TxPackets {
			t.Fatalf("uid %d: summary %+v != detail %+v", uid, s, d)
		}
		device.RxBytes += s.RxBytes
	}
	got, err := svc.QuerySummaryForDevice(ctx, testCaller, r)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if got.RxBytes != device.RxBytes {
		t.Fatalf("device total %d != sum of summaries %d", got.RxBytes, device.RxBytes)
	}
}

func TestUserSummaryIsScopedToCallerUser(t *testing.T) {
	svc, _, _ := newTestService(t, time.Hour,
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 10001, StartMS: 0, EndMS: 10, RxBytes: 5},
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 1010001, StartMS: 0, EndMS: 10, RxBytes: 7},
	)
	b, err := svc.QuerySummaryForUser(context.Background(), testCaller, wifi(0, 100))
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if b.RxBytes != 5 {
		t.Fatalf("expected only user 0 traffic, got %+v", b)
	}
}

func TestDetailsForUIDOnlyYieldsThatUID(t *testing.T) {
	svc, _, _ := newTestService(t, 10*time.Millisecond,
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 0, EndMS: 40, RxBytes: 40},
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 2000, StartMS: 0, EndMS: 40, RxBytes: 40},
	)
	cursor, err := svc.QueryDetailsForUID(context.Background(), testCaller, wifi(0, 40), 2000)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	buckets := drain(t, cursor)
	if len(buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(buckets))
	}
	for _, b := range buckets {
		if b.UID != 2000 || b.RxBytes != 10 {
			t.Fatalf("unexpected bucket %+v", b)
		}
	}
}

func TestCursorReadPastEndAndClose(t *testing.T) {
	svc, _, _ := newTestService(t, time.Hour,
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 0, EndMS: 10, RxBytes: 5},
	)
	cursor, err := svc.QuerySummary(context.Background(), testCaller, wifi(0, 100))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	var b domain.Bucket
	if !cursor.NextBucket(&b) {
		t.Fatalf("expected a bucket")
	}
	for i := 0; i < 3; i++ {
		if cursor.HasNextBucket() || cursor.NextBucket(&b) {
			t.Fatalf("cursor must stay exhausted")
		}
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRepeatedQueriesAreIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, 3*time.Millisecond,
		domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 1, EndMS: 20, RxBytes: 77, TxBytes: 13},
	)
	first := drainDetails(t, svc)
	second := drainDetails(t, svc)
	if len(first) != len(second) {
		t.Fatalf("bucket count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("bucket %d changed: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func drainDetails(t *testing.T, svc *Service) []domain.Bucket {
	t.Helper()
	cursor, err := svc.QueryDetails(context.Background(), testCaller, wifi(0, 30))
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	return drain(t, cursor)
}

type allowAll struct{}

func (allowAll) Check(context.Context, domain.Caller, domain.PermissionKind) error { return nil }

type failingGate struct{ err error }

func (g failingGate) Check(context.Context, domain.Caller, domain.PermissionKind) error { return g.err }

type failingSampleRepository struct {
	repository.SampleRepository
	scanErr error
	iterErr error
	samples []domain.TrafficSample
}

func (f *failingSampleRepository) ScanSamples(ctx context.Context, filter repository.SampleFilter) (repository.SampleIterator, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return &failingIterator{samples: f.samples, err: f.iterErr}, nil
}

type failingIterator struct {
	mu      sync.Mutex
	samples []domain.TrafficSample
	err     error
	failed  bool
	closed  int
}

func (it *failingIterator) Next(s *domain.TrafficSample) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.samples) == 0 {
		it.failed = it.err != nil
		return false
	}
	*s = it.samples[0]
	it.samples = it.samples[1:]
	return true
}

func (it *failingIterator) Err() error {
	if it.failed {
		return it.err
	}
	return nil
}

func (it *failingIterator) Close() error {
	it.closed++
	return nil
}

func TestStorageFailureIsServiceError(t *testing.T) {
	ctx := context.Background()
	repoErr := errors.New("disk on fire")
	svc := New(&failingSampleRepository{scanErr: repoErr}, allowAll{}, testLogger(), time.Hour)

	_, err := svc.QuerySummaryForDevice(ctx, testCaller, wifi(0, 10))
	if !errors.Is(err, ErrServiceFailure) || !errors.Is(err, repoErr) {
		t.Fatalf("expected service failure wrapping repo error, got %v", err)
	}
	var se *ServiceError
	if !errors.As(err, &se) || se.Op == "" {
		t.Fatalf("expected *ServiceError with op, got %T", err)
	}
	if errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("storage failure must not look like denial")
	}
	if _, err := svc.QueryDetails(ctx, testCaller, wifi(0, 10)); !errors.Is(err, ErrServiceFailure) {
		t.Fatalf("details: expected service failure, got %v", err)
	}
}

func TestPermissionStoreFailureIsServiceError(t *testing.T) {
	svc := New(memory.New(0), failingGate{err: errors.New("permission store unavailable")}, testLogger(), time.Hour)
	_, err := svc.QuerySummary(context.Background(), testCaller, wifi(0, 10))
	if !errors.Is(err, ErrServiceFailure) {
		t.Fatalf("expected service failure, got %v", err)
	}
	if errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("store failure must not look like denial")
	}
}

func TestMidStreamFailureSurfacesThroughCursor(t *testing.T) {
	iterErr := errors.New("connection reset")
	repo := &failingSampleRepository{
		iterErr: iterErr,
		samples: []domain.TrafficSample{
			{NetworkType: domain.NetworkWifi, UID: 1000, StartMS: 0, EndMS: 10, RxBytes: 5},
			{NetworkType: domain.NetworkWifi, UID: 2000, StartMS: 0, EndMS: 10, RxBytes: 5},
		},
	}
	svc := New(repo, allowAll{}, testLogger(), time.Hour)
	cursor, err := svc.QuerySummary(context.Background(), testCaller, wifi(0, 10))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	defer cursor.Close()

	var b domain.Bucket
	if !cursor.NextBucket(&b) || b.UID != 1000 {
		t.Fatalf("expected first uid before failure, got %+v", b)
	}
	if cursor.NextBucket(&b) {
		t.Fatalf("partial uid must not be emitted after failure")
	}
	if !errors.Is(cursor.Err(), ErrServiceFailure) || !errors.Is(cursor.Err(), iterErr) {
		t.Fatalf("expected service failure from cursor, got %v", cursor.Err())
	}
}
