package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/repository"
)

var (
	// ErrPermissionDenied is returned when the caller's usage access mode is deny.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrMissingIdentity is returned for calls without a caller identity.
	ErrMissingIdentity = errors.New("caller identity required")
)

// Gate answers app-op style permission checks. Modes are read from the
// repository on every call so revocations apply to the next query.
type Gate struct {
	repo     repository.PermissionRepository
	defaults map[domain.PermissionKind]domain.PermissionMode
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []ChangeFunc
}

// ChangeFunc observes a stored mode after Set succeeds.
type ChangeFunc func(identity string, kind domain.PermissionKind, mode domain.PermissionMode)

// Defaults supplies the mode used when nothing is stored for a kind.
type Defaults struct {
	UsageAccess   domain.PermissionMode
	WriteSettings domain.PermissionMode
}

// New constructs a Gate. Empty defaults resolve to deny.
func New(repo repository.PermissionRepository, defaults Defaults, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	orDeny := func(m domain.PermissionMode) domain.PermissionMode {
		if m == domain.ModeAllow {
			return m
		}
		return domain.ModeDeny
	}
	return &Gate{
		repo: repo,
		defaults: map[domain.PermissionKind]domain.PermissionMode{
			domain.PermissionUsageAccess:   orDeny(defaults.UsageAccess),
			domain.PermissionWriteSettings: orDeny(defaults.WriteSettings),
		},
		logger: logger,
	}
}

// Check returns ErrPermissionDenied when the caller's mode for kind is deny.
// Any other failure is returned wrapped and is never reported as a denial.
func (g *Gate) Check(ctx context.Context, caller domain.Caller, kind domain.PermissionKind) error {
	mode, err := g.Get(ctx, caller.Identity, kind)
	if err != nil {
		return err
	}
	if mode == domain.ModeDeny {
		g.logger.Debug("permission denied", "identity", caller.Identity, "uid", caller.UID, "op", string(kind))
		return ErrPermissionDenied
	}
	return nil
}

// Get returns the effective mode, falling back to the configured default.
func (g *Gate) Get(ctx context.Context, identity string, kind domain.PermissionKind) (domain.PermissionMode, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrMissingIdentity
	}
	mode, ok, err := g.repo.GetPermission(ctx, identity, kind)
	if err != nil {
		return "", fmt.Errorf("read permission %s for %s: %w", kind, identity, err)
	}
	if !ok {
		return g.defaults[kind], nil
	}
	return mode, nil
}

// Set stores mode for identity and kind and returns the previously effective mode.
func (g *Gate) Set(ctx context.Context, identity string, kind domain.PermissionKind, mode domain.PermissionMode) (domain.PermissionMode, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrMissingIdentity
	}
	if _, err := domain.ParsePermissionKind(string(kind)); err != nil {
		return "", err
	}
	if _, err := domain.ParsePermissionMode(string(mode)); err != nil {
		return "", err
	}
	previous, existed, err := g.repo.SetPermission(ctx, identity, kind, mode)
	if err != nil {
		return "", fmt.Errorf("write permission %s for %s: %w", kind, identity, err)
	}
	if !existed {
		previous = g.defaults[kind]
	}
	g.logger.Info("permission updated", "identity", identity, "op", string(kind), "mode", string(mode), "previous", string(previous))

	g.mu.RLock()
	listeners := g.listeners
	g.mu.RUnlock()
	for _, fn := range listeners {
		fn(identity, kind, mode)
	}
	return previous, nil
}

// OnChange registers fn to run synchronously after every successful Set, so
// the change is observed before Set returns to its caller.
func (g *Gate) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}
