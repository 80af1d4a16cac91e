package access

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/netusage/internal/domain"
)

type permKey struct {
	identity string
	kind     domain.PermissionKind
}

type stubPermissionRepository struct {
	mu    sync.Mutex
	modes map[permKey]domain.PermissionMode
	reads int
	err   error
}

func newStubPermissionRepository() *stubPermissionRepository {
	return &stubPermissionRepository{modes: make(map[permKey]domain.PermissionMode)}
}

func (s *stubPermissionRepository) GetPermission(ctx context.Context, identity string, kind domain.PermissionKind) (domain.PermissionMode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return "", false, s.err
	}
	mode, ok := s.modes[permKey{identity, kind}]
	return mode, ok, nil
}

func (s *stubPermissionRepository) SetPermission(ctx context.Context, identity string, kind domain.PermissionKind, mode domain.PermissionMode) (domain.PermissionMode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	key := permKey{identity, kind}
	prev, ok := s.modes[key]
	s.modes[key] = mode
	return prev, ok, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckFollowsStoredModeOnEveryCall(t *testing.T) {
	ctx := context.Background()
	repo := newStubPermissionRepository()
	gate := New(repo, Defaults{}, testLogger())
	caller := domain.Caller{Identity: "com.example", UID: 10001}

	if err := gate.Check(ctx, caller, domain.PermissionUsageAccess); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected default deny, got %v", err)
	}
	if _, err := gate.Set(ctx, caller.Identity, domain.PermissionUsageAccess, domain.ModeAllow); err != nil {
		t.Fatalf("set allow: %v", err)
	}
	if err := gate.Check(ctx, caller, domain.PermissionUsageAccess); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if _, err := gate.Set(ctx, caller.Identity, domain.PermissionUsageAccess, domain.ModeDeny); err != nil {
		t.Fatalf("set deny: %v", err)
	}
	if err := gate.Check(ctx, caller, domain.PermissionUsageAccess); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected deny after revoke, got %v", err)
	}
	if repo.reads != 3 {
		t.Fatalf("expected a repository read per check, got %d", repo.reads)
	}
}

func TestWriteSettingsIsIndependent(t *testing.T) {
	ctx := context.Background()
	repo := newStubPermissionRepository()
	gate := New(repo, Defaults{UsageAccess: domain.ModeAllow}, testLogger())
	caller := domain.Caller{Identity: "com.example", UID: 10001}

	if _, err := gate.Set(ctx, caller.Identity, domain.PermissionWriteSettings, domain.ModeDeny); err != nil {
		t.Fatalf("set settings: %v", err)
	}
	if err := gate.Check(ctx, caller, domain.PermissionUsageAccess); err != nil {
		t.Fatalf("write settings must not gate usage access: %v", err)
	}
	if _, err := gate.Set(ctx, caller.Identity, domain.PermissionWriteSettings, domain.ModeAllow); err != nil {
		t.Fatalf("set settings allow: %v", err)
	}
	if _, err := gate.Set(ctx, caller.Identity, domain.PermissionUsageAccess, domain.ModeDeny); err != nil {
		t.Fatalf("set usage deny: %v", err)
	}
	if err := gate.Check(ctx, caller, domain.PermissionUsageAccess); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected deny, got %v", err)
	}
}

func TestSetReturnsPreviousEffectiveMode(t *testing.T) {
	ctx := context.Background()
	gate := New(newStubPermissionRepository(), Defaults{UsageAccess: domain.ModeAllow}, testLogger())

	prev, err := gate.Set(ctx, "pkg", domain.PermissionUsageAccess, domain.ModeDeny)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if prev != domain.ModeAllow {
		t.Fatalf("expected default as previous, got %q", prev)
	}
	prev, err = gate.Set(ctx, "pkg", domain.PermissionUsageAccess, domain.ModeAllow)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if prev != domain.ModeDeny {
		t.Fatalf("expected deny as previous, got %q", prev)
	}
}

func TestSetRejectsUnknownMode(t *testing.T) {
	gate := New(newStubPermissionRepository(), Defaults{}, testLogger())
	if _, err := gate.Set(context.Background(), "pkg", domain.PermissionUsageAccess, "ignore"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if _, err := gate.Set(context.Background(), " ", domain.PermissionUsageAccess, domain.ModeAllow); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected missing identity, got %v", err)
	}
}

func TestRepositoryFailureIsNotDenial(t *testing.T) {
	repo := newStubPermissionRepository()
	repo.err = errors.New("connection reset")
	gate := New(repo, Defaults{UsageAccess: domain.ModeAllow}, testLogger())

	err := gate.Check(context.Background(), domain.Caller{Identity: "pkg"}, domain.PermissionUsageAccess)
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("store failure must not surface as denial: %v", err)
	}
	if !errors.Is(err, repo.err) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestOnChangeRunsAfterSuccessfulSet(t *testing.T) {
	ctx := context.Background()
	repo := newStubPermissionRepository()
	gate := New(repo, Defaults{}, testLogger())

	var seen []string
	gate.OnChange(func(identity string, kind domain.PermissionKind, mode domain.PermissionMode) {
		seen = append(seen, identity+"/"+string(kind)+"/"+string(mode))
	})

	if _, err := gate.Set(ctx, " com.example ", domain.PermissionUsageAccess, domain.ModeDeny); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(seen) != 1 || seen[0] != "com.example/GET_USAGE_STATS/deny" {
		t.Fatalf("unexpected notifications %v", seen)
	}

	repo.err = errors.New("db down")
	if _, err := gate.Set(ctx, "com.example", domain.PermissionUsageAccess, domain.ModeAllow); err == nil {
		t.Fatalf("expected write failure")
	}
	if len(seen) != 1 {
		t.Fatalf("failed set must not notify, got %v", seen)
	}
}
