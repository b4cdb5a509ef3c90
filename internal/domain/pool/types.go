// Package pool contains the domain types and admission logic for the
// credential pool.
package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Plan is the rate-limit tier a key is subscribed to.
type Plan string

const (
	// PlanPro is the standard tier.
	PlanPro Plan = "pro"
	// PlanUltimate is the high-volume tier.
	PlanUltimate Plan = "ultimate"
)

// IsValid returns true if the plan is a known tier.
func (p Plan) IsValid() bool {
	switch p {
	case PlanPro, PlanUltimate:
		return true
	default:
		return false
	}
}

// ErrInvalidPlan is returned when a registration names an unknown plan.
var ErrInvalidPlan = errors.New("invalid plan")

// ErrKeyNotFound is returned by KeyStore.Get when no record exists for the id.
var ErrKeyNotFound = errors.New("key not found")

// StorageError wraps a failure of the backing store. The controller never
// retries internally; retry policy belongs to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PlanLimit defines the consumption limit for one plan.
type PlanLimit struct {
	// MaxRequests is the number of reservations allowed per window.
	MaxRequests int `json:"maxRequestsPerWindow"`

	// Window is the fixed interval over which MaxRequests applies.
	Window time.Duration `json:"-"`

	// WindowMs mirrors Window in milliseconds for the JSON surface.
	WindowMs int64 `json:"windowDurationMs"`
}

// DefaultPlanLimits returns the built-in plan policies.
// Overridable via the pool.plans config section.
func DefaultPlanLimits() map[Plan]PlanLimit {
	return map[Plan]PlanLimit{
		PlanPro:      {MaxRequests: 100, Window: 24 * time.Hour, WindowMs: (24 * time.Hour).Milliseconds()},
		PlanUltimate: {MaxRequests: 1000, Window: 24 * time.Hour, WindowMs: (24 * time.Hour).Milliseconds()},
	}
}

// KeyRecord is the persisted state of one credential.
// Rate-limit fields (WindowCount, WindowStart, NextAllowedAt) are mutated only
// by the admission controller's Reserve path.
type KeyRecord struct {
	// ID is the credential itself, externally issued and unique in the pool.
	ID string

	// Plan selects the rate-limit policy.
	Plan Plan

	// WindowCount is the number of reservations granted in the current window.
	WindowCount int

	// WindowStart is when the current window opened.
	WindowStart time.Time

	// NextAllowedAt is the earliest time a new reservation may succeed.
	// Monotonically non-decreasing while the key stays in the pool.
	NextAllowedAt time.Time

	// LastValidatedAt is when the health validator last confirmed the key
	// upstream (nil = never validated).
	LastValidatedAt *time.Time

	// CreatedAt is when the key was registered (UTC).
	CreatedAt time.Time
}

// KeyView is the read-only availability annotation returned by snapshots.
type KeyView struct {
	ID            string    `json:"subscriptionId"`
	Plan          Plan      `json:"plan"`
	NextAllowedAt time.Time `json:"nextAllowedAt"`

	// NextRequestInMs is max(NextAllowedAt-now, 0) at snapshot time.
	// Zero means the key is immediately usable.
	NextRequestInMs int64 `json:"nextRequestInMs"`
}

// KeyStatus is the full observability view of one key.
type KeyStatus struct {
	ID              string     `json:"subscriptionId"`
	Plan            Plan       `json:"plan"`
	WindowCount     int        `json:"windowCount"`
	WindowStart     time.Time  `json:"windowStart"`
	NextAllowedAt   time.Time  `json:"nextAllowedAt"`
	LastValidatedAt *time.Time `json:"lastValidatedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Reservation is the outcome of a Reserve call.
type Reservation struct {
	// Granted reports whether a permit was consumed.
	Granted bool

	// RetryAfter is the wait until the next permit can succeed.
	// Only meaningful when Granted is false.
	RetryAfter time.Duration
}

// Fingerprint returns a short stable hash of a credential for log lines.
// Raw credentials are never logged.
func Fingerprint(id string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(id))
}
