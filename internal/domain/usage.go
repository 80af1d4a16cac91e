package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange indicates a malformed query window or sample interval.
var ErrInvalidRange = errors.New("invalid range")

// NetworkType identifies the transport a sample was accounted on.
type NetworkType int

const (
	NetworkMobile NetworkType = 0
	NetworkWifi   NetworkType = 1
)

// String returns the lower-case wire name.
func (t NetworkType) String() string {
	switch t {
	case NetworkMobile:
		return "mobile"
	case NetworkWifi:
		return "wifi"
	default:
		return fmt.Sprintf("network(%d)", int(t))
	}
}

// Valid reports whether t is a known network type.
func (t NetworkType) Valid() bool {
	return t == NetworkMobile || t == NetworkWifi
}

// ParseNetworkType accepts wifi|mobile (case-insensitive) or their numeric codes.
func ParseNetworkType(value string) (NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "wifi", "1":
		return NetworkWifi, nil
	case "mobile", "0":
		return NetworkMobile, nil
	default:
		return 0, fmt.Errorf("%w: unknown network type %q", ErrInvalidRange, value)
	}
}

// BucketState tags the foreground/background split of a bucket. Only StateAll
// is produced today.
type BucketState int

const (
	StateAll        BucketState = -1
	StateForeground BucketState = 1
	StateBackground BucketState = 2
)

func (s BucketState) String() string {
	switch s {
	case StateAll:
		return "all"
	case StateForeground:
		return "foreground"
	case StateBackground:
		return "background"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BucketScope records which query granularity produced a bucket.
type BucketScope string

const (
	ScopeDevice  BucketScope = "device"
	ScopeUser    BucketScope = "user"
	ScopeSummary BucketScope = "summary"
	ScopeDetail  BucketScope = "detail"
)

const (
	// UIDAll marks a bucket aggregated over every uid.
	UIDAll = -1
	// PerUserRange is the number of uids reserved for each device user.
	PerUserRange = 100000
)

// UserOf returns the device user owning uid, or -1 for special negative uids.
func UserOf(uid int) int {
	if uid < 0 {
		return -1
	}
	return uid / PerUserRange
}

// UserUIDRange returns the half-open uid interval [lo, hi) owned by user.
func UserUIDRange(user int) (int, int) {
	return user * PerUserRange, (user + 1) * PerUserRange
}

// TrafficSample is one traffic delta reported by the collector. Timestamps are
// milliseconds since the epoch. Samples are never mutated after being stored.
type TrafficSample struct {
	ID           int64
	NetworkType  NetworkType
	SubscriberID string
	UID          int
	StartMS      int64
	EndMS        int64
	RxBytes      int64
	TxBytes      int64
	RxPackets    int64
	TxPackets    int64
	IngestedAt   time.Time
}

// Validate checks the sample's interval and counters.
func (s TrafficSample) Validate() error {
	if !s.NetworkType.Valid() {
		return fmt.Errorf("%w: unknown network type %d", ErrInvalidRange, int(s.NetworkType))
	}
	if s.UID == UIDAll {
		return fmt.Errorf("uid %d is reserved", UIDAll)
	}
	if s.StartMS < 0 || s.EndMS < s.StartMS {
		return fmt.Errorf("%w: sample interval [%d, %d]", ErrInvalidRange, s.StartMS, s.EndMS)
	}
	if s.RxBytes < 0 || s.TxBytes < 0 || s.RxPackets < 0 || s.TxPackets < 0 {
		return errors.New("sample counters must be non-negative")
	}
	return nil
}

// Bucket is a time- and uid-scoped traffic aggregate returned by queries.
type Bucket struct {
	Scope          BucketScope
	State          BucketState
	UID            int
	StartTimeStamp int64
	EndTimeStamp   int64
	RxBytes        int64
	TxBytes        int64
	RxPackets      int64
	TxPackets      int64
}

// QueryRange scopes a query to one network and a half-open window [StartTime, EndTime)
// in milliseconds since the epoch.
type QueryRange struct {
	NetworkType  NetworkType
	SubscriberID string
	StartTime    int64
	EndTime      int64
}

// Validate rejects unknown networks, negative timestamps and inverted windows.
func (q QueryRange) Validate() error {
	if !q.NetworkType.Valid() {
		return fmt.Errorf("%w: unknown network type %d", ErrInvalidRange, int(q.NetworkType))
	}
	if q.StartTime < 0 || q.EndTime < 0 {
		return fmt.Errorf("%w: negative timestamp", ErrInvalidRange)
	}
	if q.StartTime > q.EndTime {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidRange, q.StartTime, q.EndTime)
	}
	return nil
}

// Normalize trims the subscriber id and clears it for non-cellular networks.
func (q QueryRange) Normalize() QueryRange {
	q.SubscriberID = NormalizeSubscriber(q.NetworkType, q.SubscriberID)
	return q
}

// NormalizeSubscriber returns the subscriber id a sample or query on network t is keyed by.
func NormalizeSubscriber(t NetworkType, subscriberID string) string {
	if t != NetworkMobile {
		return ""
	}
	return strings.TrimSpace(subscriberID)
}
