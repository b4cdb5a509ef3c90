package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AdmissionController owns allocation and rate-limit accounting for the pool.
// It is the only component that mutates rate-limit fields of key records.
// All methods are safe for concurrent use; reservations against the same key
// serialize on a per-key lock so the last permit in a window is granted to
// exactly one caller. There is no pool-wide lock across store I/O.
type AdmissionController struct {
	store  KeyStore
	limits map[Plan]PlanLimit
	logger *slog.Logger
	now    func() time.Time

	// mu guards the per-key lock registry only. It is never held across
	// store calls. Lock entries persist across delete/re-register; pool
	// cardinality is small (tens of credentials), so the registry is not
	// pruned.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an AdmissionController.
type Option func(*AdmissionController)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *AdmissionController) { c.logger = l }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *AdmissionController) { c.now = now }
}

// NewAdmissionController creates a controller over the given store.
// A nil limits map falls back to DefaultPlanLimits.
func NewAdmissionController(store KeyStore, limits map[Plan]PlanLimit, opts ...Option) *AdmissionController {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	c := &AdmissionController{
		store:  store,
		limits: limits,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lockFor returns the serialization point for one key id.
func (c *AdmissionController) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// Reserve atomically consumes one permit from the key's current window.
//
// If the window has elapsed the counter resets and a new window opens at now.
// A granted reservation increments the window count and never moves
// NextAllowedAt backwards. A denied reservation reports the wait until the
// window resets and pins NextAllowedAt to the reset instant.
func (c *AdmissionController) Reserve(ctx context.Context, id string) (Reservation, error) {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return Reservation{}, ErrKeyNotFound
		}
		return Reservation{}, &StorageError{Op: "get", Err: err}
	}

	limit, ok := c.limits[rec.Plan]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %q", ErrInvalidPlan, rec.Plan)
	}

	now := c.now().UTC()

	// Roll the window when it has elapsed. A zero WindowStart means no
	// reservation has been made yet; the first grant opens the window.
	if rec.WindowStart.IsZero() || now.Sub(rec.WindowStart) >= limit.Window {
		rec.WindowCount = 0
		rec.WindowStart = now
	}

	if rec.WindowCount < limit.MaxRequests {
		rec.WindowCount++
		if rec.NextAllowedAt.Before(now) {
			rec.NextAllowedAt = now
		}
		if err := c.store.Upsert(ctx, rec); err != nil {
			return Reservation{}, &StorageError{Op: "upsert", Err: err}
		}
		return Reservation{Granted: true}, nil
	}

	reset := rec.WindowStart.Add(limit.Window)
	if rec.NextAllowedAt.Before(reset) {
		rec.NextAllowedAt = reset
		if err := c.store.Upsert(ctx, rec); err != nil {
			return Reservation{}, &StorageError{Op: "upsert", Err: err}
		}
	}

	c.logger.Debug("reservation denied",
		"key", Fingerprint(id),
		"plan", rec.Plan,
		"retry_after", reset.Sub(now).String(),
	)
	return Reservation{Granted: false, RetryAfter: reset.Sub(now)}, nil
}

// RegisterKey adds a key to the pool or updates its plan in place.
//
// Unknown plans are rejected with ErrInvalidPlan. Registering an existing key
// with a new plan preserves its rate-limit counters; registering it with the
// same plan is a no-op. A previously deleted id comes back as a fresh record
// with zeroed counters.
func (c *AdmissionController) RegisterKey(ctx context.Context, id string, plan Plan) error {
	if !plan.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}

	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := c.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		rec = KeyRecord{
			ID:        id,
			Plan:      plan,
			CreatedAt: c.now().UTC(),
		}
	case err != nil:
		return &StorageError{Op: "get", Err: err}
	default:
		if rec.Plan == plan {
			return nil
		}
		rec.Plan = plan
	}

	if err := c.store.Upsert(ctx, rec); err != nil {
		return &StorageError{Op: "upsert", Err: err}
	}
	c.logger.Info("key registered", "key", Fingerprint(id), "plan", plan)
	return nil
}

// DeleteKey removes a key from the pool. Unconditionally idempotent: deleting
// an unknown id succeeds.
func (c *AdmissionController) DeleteKey(ctx context.Context, id string) error {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := c.store.Delete(ctx, id); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	c.logger.Info("key deleted", "key", Fingerprint(id))
	return nil
}

// RecordValidation stamps LastValidatedAt on a key after a successful health
// probe. Rate-limit fields are untouched. Unknown ids are ignored: the key may
// have been deleted between the probe and the stamp.
func (c *AdmissionController) RecordValidation(ctx context.Context, id string) error {
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return &StorageError{Op: "get", Err: err}
	}

	t := c.now().UTC()
	rec.LastValidatedAt = &t
	if err := c.store.Upsert(ctx, rec); err != nil {
		return &StorageError{Op: "upsert", Err: err}
	}
	return nil
}

// AvailableSnapshot returns every key in the pool annotated with its
// availability. Never blocks on other operations and never mutates state.
// An empty result means no key is currently registered.
func (c *AdmissionController) AvailableSnapshot(ctx context.Context) ([]KeyView, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	now := c.now().UTC()
	views := make([]KeyView, 0, len(recs))
	for _, rec := range recs {
		wait := rec.NextAllowedAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		views = append(views, KeyView{
			ID:              rec.ID,
			Plan:            rec.Plan,
			NextAllowedAt:   rec.NextAllowedAt,
			NextRequestInMs: wait.Milliseconds(),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

// Status returns the full counter view of every key, for observability.
func (c *AdmissionController) Status(ctx context.Context) ([]KeyStatus, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	statuses := make([]KeyStatus, 0, len(recs))
	for _, rec := range recs {
		statuses = append(statuses, KeyStatus{
			ID:              rec.ID,
			Plan:            rec.Plan,
			WindowCount:     rec.WindowCount,
			WindowStart:     rec.WindowStart,
			NextAllowedAt:   rec.NextAllowedAt,
			LastValidatedAt: rec.LastValidatedAt,
			CreatedAt:       rec.CreatedAt,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses, nil
}

// PlanLimits returns the static plan policy mapping. The returned map is a
// copy; callers cannot mutate controller state through it.
func (c *AdmissionController) PlanLimits() map[Plan]PlanLimit {
	out := make(map[Plan]PlanLimit, len(c.limits))
	for p, l := range c.limits {
		out[p] = l
	}
	return out
}
