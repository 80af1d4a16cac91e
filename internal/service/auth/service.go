package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
	"github.com/splax/netusage/pkg/config"
	"github.com/splax/netusage/pkg/crypto"
	jwtpkg "github.com/splax/netusage/pkg/jwt"
)

var (
	// ErrInvalidCredentials covers unknown identities and wrong secrets alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated is returned for missing, malformed or stale tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrCallerExists is returned when registering a taken identity.
	ErrCallerExists = errors.New("caller already registered")
	// ErrInvalidCaller wraps rejected registration attributes.
	ErrInvalidCaller = errors.New("invalid caller")
)

// Service registers callers and exchanges their credentials for tokens.
type Service struct {
	callers repository.CallerRepository
	logger  *slog.Logger
	cfg     config.ServiceConfig
	now     func() time.Time
}

// New constructs a Service.
func New(callers repository.CallerRepository, logger *slog.Logger, cfg config.ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{callers: callers, logger: logger, cfg: cfg, now: time.Now}
}

// RegisterInput carries the attributes of a new caller.
type RegisterInput struct {
	Identity string
	UID      int
	Secret   string
	Admin    bool
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Register stores a new caller with a hashed secret.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.Caller, error) {
	identity := strings.TrimSpace(input.Identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity required", ErrInvalidCaller)
	}
	if input.UID < 0 {
		return nil, fmt.Errorf("%w: uid must be non-negative", ErrInvalidCaller)
	}
	hash, err := crypto.HashSecret(input.Secret)
	if err != nil {
		return nil, err
	}
	caller := &domain.Caller{
		ID:         uuid.NewString(),
		Identity:   identity,
		UID:        input.UID,
		Admin:      input.Admin,
		SecretHash: hash,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.callers.CreateCaller(ctx, caller); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrCallerExists
		}
		return nil, err
	}
	s.logger.Info("caller registered", "caller_id", caller.ID, "identity", identity, "uid", caller.UID, "admin", caller.Admin)
	return caller, nil
}

// IssueToken verifies identity and secret and returns a signed token.
func (s *Service) IssueToken(ctx context.Context, identity, secret string) (*domain.Caller, Token, error) {
	caller, err := s.callers.GetCallerByIdentity(ctx, strings.TrimSpace(identity))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.CompareSecret(caller.SecretHash, secret); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	access, err := jwtpkg.GenerateToken(caller.Identity, caller.UID, caller.Admin, s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("token issued", "identity", caller.Identity)
	return caller, Token{AccessToken: access, ExpiresIn: s.cfg.TokenTTL}, nil
}

// Authorize validates a bearer token and returns the registered caller it names.
func (s *Service) Authorize(ctx context.Context, token string) (domain.Caller, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return domain.Caller{}, ErrUnauthenticated
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	caller, err := s.callers.GetCallerByIdentity(ctx, claims.Identity)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Caller{}, ErrUnauthenticated
		}
		return domain.Caller{}, err
	}
	return *caller, nil
}

// EnsureBootstrapAdmin registers the configured admin caller if it is missing.
// It does nothing when no admin secret is configured.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context) error {
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("no admin secret configured; bootstrap admin not created")
		return nil
	}
	_, err := s.callers.GetCallerByIdentity(ctx, s.cfg.AdminIdentity)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	_, err = s.Register(ctx, RegisterInput{
		Identity: s.cfg.AdminIdentity,
		UID:      s.cfg.AdminUID,
		Secret:   s.cfg.AdminSecret,
		Admin:    true,
	})
	if errors.Is(err, ErrCallerExists) {
		return nil
	}
	return err
}
