package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
)

func wifiSample(uid int, start, end, rx int64) *domain.TrafficSample {
	return &domain.TrafficSample{NetworkType: domain.NetworkWifi, UID: uid, StartMS: start, EndMS: end, RxBytes: rx}
}

func drain(t *testing.T, it repository.SampleIterator) []domain.TrafficSample {
	t.Helper()
	defer it.Close()
	var out []domain.TrafficSample
	var s domain.TrafficSample
	for it.Next(&s) {
		out = append(out, s)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return out
}

func TestScanSamplesOrdersByUIDThenStart(t *testing.T) {
	repo := New(0)
	ctx := context.Background()
	for _, s := range []*domain.TrafficSample{
		wifiSample(10002, 3000, 4000, 1),
		wifiSample(10001, 2000, 3000, 2),
		wifiSample(10001, 1000, 2000, 3),
		{NetworkType: domain.NetworkMobile, SubscriberID: "imsi", UID: 10001, StartMS: 1000, EndMS: 2000},
	} {
		if err := repo.AppendSample(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	it, err := repo.ScanSamples(ctx, repository.SampleFilter{NetworkType: domain.NetworkWifi, StartTime: 0, EndTime: 5000})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := drain(t, it)
	if len(got) != 3 {
		t.Fatalf("expected 3 wifi samples, got %d", len(got))
	}
	if got[0].RxBytes != 3 || got[1].RxBytes != 2 || got[2].RxBytes != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].ID == 0 || got[0].IngestedAt.IsZero() {
		t.Fatalf("expected id and ingest time assigned, got %+v", got[0])
	}
}

func TestScanSeesSnapshotAtCallTime(t *testing.T) {
	repo := New(0)
	ctx := context.Background()
	if err := repo.AppendSample(ctx, wifiSample(1000, 0, 10, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	it, err := repo.ScanSamples(ctx, repository.SampleFilter{NetworkType: domain.NetworkWifi, EndTime: 100})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := repo.AppendSample(ctx, wifiSample(1000, 20, 30, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := drain(t, it); len(got) != 1 {
		t.Fatalf("expected snapshot of 1 sample, got %d", len(got))
	}
}

func TestAppendEvictsOldestWhenFull(t *testing.T) {
	repo := New(10)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		if err := repo.AppendSample(ctx, wifiSample(1000, int64(i), int64(i+1), int64(i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	count, _ := repo.CountSamples(ctx)
	if count != 10 {
		t.Fatalf("expected 10 samples retained, got %d", count)
	}
	if repo.Evicted() != 1 {
		t.Fatalf("expected one eviction, got %d", repo.Evicted())
	}
	it, _ := repo.ScanSamples(ctx, repository.SampleFilter{NetworkType: domain.NetworkWifi, EndTime: 100})
	if got := drain(t, it); got[0].RxBytes != 1 {
		t.Fatalf("expected oldest sample evicted, first is %+v", got[0])
	}
}

func TestExpiredSamplesThenDelete(t *testing.T) {
	repo := New(0)
	ctx := context.Background()
	_ = repo.AppendSample(ctx, wifiSample(1000, 0, 100, 1))
	_ = repo.AppendSample(ctx, wifiSample(1000, 100, 200, 2))

	expired, err := repo.ExpiredSamples(ctx, 150)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].RxBytes != 1 {
		t.Fatalf("unexpected expired samples %+v", expired)
	}
	if count, _ := repo.CountSamples(ctx); count != 2 {
		t.Fatalf("listing must not remove samples, %d left", count)
	}
	deleted, err := repo.DeleteSamples(ctx, []int64{expired[0].ID})
	if err != nil || deleted != 1 {
		t.Fatalf("delete: n=%d err=%v", deleted, err)
	}
	count, _ := repo.CountSamples(ctx)
	if count != 1 {
		t.Fatalf("expected one sample left, got %d", count)
	}
}

func TestSetPermissionReturnsPrevious(t *testing.T) {
	repo := New(0)
	ctx := context.Background()

	if _, existed, _ := repo.SetPermission(ctx, "com.example", domain.PermissionUsageAccess, domain.ModeAllow); existed {
		t.Fatal("expected no previous mode")
	}
	prev, existed, _ := repo.SetPermission(ctx, "com.example", domain.PermissionUsageAccess, domain.ModeDeny)
	if !existed || prev != domain.ModeAllow {
		t.Fatalf("expected previous allow, got %q (existed=%v)", prev, existed)
	}
	if _, ok, _ := repo.GetPermission(ctx, "com.example", domain.PermissionWriteSettings); ok {
		t.Fatal("expected write settings untouched")
	}
}

func TestCallers(t *testing.T) {
	repo := New(0)
	ctx := context.Background()
	caller := &domain.Caller{ID: "c1", Identity: "com.example", UID: 10001, SecretHash: []byte("hash")}
	if err := repo.CreateCaller(ctx, caller); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateCaller(ctx, caller); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := repo.GetCallerByIdentity(ctx, "com.example")
	if err != nil || got.UID != 10001 {
		t.Fatalf("unexpected caller %+v, %v", got, err)
	}
	if _, err := repo.GetCallerByIdentity(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentAppendAndScan(t *testing.T) {
	repo := New(0)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = repo.AppendSample(ctx, wifiSample(uid, int64(i), int64(i+1), 1))
			}
		}(10000 + w)
	}
	for i := 0; i < 20; i++ {
		it, err := repo.ScanSamples(ctx, repository.SampleFilter{NetworkType: domain.NetworkWifi, EndTime: 1000})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		drain(t, it)
	}
	wg.Wait()
	count, _ := repo.CountSamples(ctx)
	if count != 800 {
		t.Fatalf("expected 800 samples, got %d", count)
	}
}
