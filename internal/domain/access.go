package domain

import (
	"fmt"
	"strings"
	"time"
)

// PermissionKind names an app-op style permission.
type PermissionKind string

const (
	// PermissionUsageAccess gates every usage query.
	PermissionUsageAccess PermissionKind = "GET_USAGE_STATS"
	// PermissionWriteSettings governs configuration writes and never gates queries.
	PermissionWriteSettings PermissionKind = "WRITE_SETTINGS"
)

// ParsePermissionKind accepts the op name with or without the OPSTR-style prefix.
func ParsePermissionKind(value string) (PermissionKind, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.TrimPrefix(v, "ANDROID:")
	switch v {
	case string(PermissionUsageAccess):
		return PermissionUsageAccess, nil
	case string(PermissionWriteSettings):
		return PermissionWriteSettings, nil
	default:
		return "", fmt.Errorf("unknown permission %q", value)
	}
}

// PermissionMode is the decision stored for a (caller, kind) pair.
type PermissionMode string

const (
	ModeAllow PermissionMode = "allow"
	ModeDeny  PermissionMode = "deny"
)

// ParsePermissionMode accepts allow|deny.
func ParsePermissionMode(value string) (PermissionMode, error) {
	switch PermissionMode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeAllow:
		return ModeAllow, nil
	case ModeDeny:
		return ModeDeny, nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", value)
	}
}

// Caller is a registered API principal, typically an application package.
type Caller struct {
	ID         string
	Identity   string
	UID        int
	Admin      bool
	SecretHash []byte
	CreatedAt  time.Time
}

// UserID returns the device user the caller's uid belongs to.
func (c Caller) UserID() int {
	return UserOf(c.UID)
}
