package auth

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
	"github.com/splax/netusage/pkg/config"
	jwtpkg "github.com/splax/netusage/pkg/jwt"
)

type stubCallerRepository struct {
	mu      sync.Mutex
	callers map[string]domain.Caller
}

func newStubCallerRepository() *stubCallerRepository {
	return &stubCallerRepository{callers: make(map[string]domain.Caller)}
}

func (s *stubCallerRepository) CreateCaller(ctx context.Context, caller *domain.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callers[caller.Identity]; ok {
		return repository.ErrConflict
	}
	s.callers[caller.Identity] = *caller
	return nil
}

func (s *stubCallerRepository) GetCallerByIdentity(ctx context.Context, identity string) (*domain.Caller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, ok := s.callers[identity]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &caller, nil
}

func newTestService(repo *stubCallerRepository) *Service {
	cfg := config.ServiceConfig{
		JWTSecret:     "test-secret",
		TokenTTL:      time.Hour,
		AdminIdentity: "android",
		AdminSecret:   "bootstrap-secret",
		AdminUID:      1000,
	}
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestRegisterIssueAndAuthorize(t *testing.T) {
	ctx := context.Background()
	repo := newStubCallerRepository()
	svc := newTestService(repo)

	caller, err := svc.Register(ctx, RegisterInput{Identity: " com.example.usage ", UID: 10042, Secret: "s3cret-value"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if caller.Identity != "com.example.usage" || caller.ID == "" {
		t.Fatalf("unexpected caller %+v", caller)
	}
	if string(caller.SecretHash) == "s3cret-value" {
		t.Fatalf("secret must be hashed")
	}
	if _, err := svc.Register(ctx, RegisterInput{Identity: "com.example.usage", UID: 1, Secret: "another-secret"}); !errors.Is(err, ErrCallerExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	if _, _, err := svc.IssueToken(ctx, "com.example.usage", "wrong-secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.IssueToken(ctx, "unknown", "s3cret-value"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown caller, got %v", err)
	}
	_, token, err := svc.IssueToken(ctx, "com.example.usage", "s3cret-value")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if token.ExpiresIn != time.Hour {
		t.Fatalf("unexpected ttl %v", token.ExpiresIn)
	}
	claims, err := jwtpkg.Parse(token.AccessToken, "test-secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UID != 10042 || claims.Admin {
		t.Fatalf("unexpected claims %+v", claims)
	}

	authorized, err := svc.Authorize(ctx, "  "+token.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if authorized.Identity != "com.example.usage" || authorized.UID != 10042 {
		t.Fatalf("unexpected authorized caller %+v", authorized)
	}
}

func TestAuthorizeRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newStubCallerRepository())

	if _, err := svc.Authorize(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for empty token, got %v", err)
	}
	if _, err := svc.Authorize(ctx, "not-a-jwt"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for garbage, got %v", err)
	}
	orphan, err := jwtpkg.GenerateToken("ghost", 10001, false, "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Authorize(ctx, orphan); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for unregistered caller, got %v", err)
	}
}

func TestEnsureBootstrapAdminIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newStubCallerRepository()
	svc := newTestService(repo)

	if err := svc.EnsureBootstrapAdmin(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := svc.EnsureBootstrapAdmin(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	admin, err := repo.GetCallerByIdentity(ctx, "android")
	if err != nil {
		t.Fatalf("lookup admin: %v", err)
	}
	if !admin.Admin || admin.UID != 1000 {
		t.Fatalf("unexpected admin %+v", admin)
	}

	svc.cfg.AdminSecret = ""
	svc.cfg.AdminIdentity = "other"
	if err := svc.EnsureBootstrapAdmin(ctx); err != nil {
		t.Fatalf("bootstrap without secret: %v", err)
	}
	if _, err := repo.GetCallerByIdentity(ctx, "other"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("admin must not be created without a secret")
	}
}
