// Package reconcile drives the pool toward the declarative desired state
// from configuration.
package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/poolgate/poolgate/internal/config"
	"github.com/poolgate/poolgate/internal/domain/pool"
)

// Pool is the mutation surface the reconciler needs from the admission
// controller.
type Pool interface {
	Status(ctx context.Context) ([]pool.KeyStatus, error)
	RegisterKey(ctx context.Context, id string, plan pool.Plan) error
	DeleteKey(ctx context.Context, id string) error
}

// Result counts the mutations one reconciliation pass applied.
type Result struct {
	Registered int
	Updated    int
	Deleted    int
}

// Total returns the number of mutations applied.
func (r Result) Total() int {
	return r.Registered + r.Updated + r.Deleted
}

// Reconciler applies a desired key set to the pool: missing keys are
// registered, plan drift is corrected in place, undesired keys are deleted.
// Applying the same desired state twice is a no-op the second time.
type Reconciler struct {
	pool   Pool
	logger *slog.Logger
}

// NewReconciler creates a Reconciler over the given pool.
func NewReconciler(p Pool, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		pool:   p,
		logger: logger,
	}
}

// Apply diffs desired against the pool's current membership and applies the
// difference. A failing mutation is logged and skipped; the pass continues so
// one bad key cannot block the rest. All failures are joined into the
// returned error.
//
// Duplicate ids in desired resolve last-entry-wins.
func (r *Reconciler) Apply(ctx context.Context, desired []config.KeySpec) (Result, error) {
	current, err := r.pool.Status(ctx)
	if err != nil {
		return Result{}, err
	}

	want := make(map[string]pool.Plan, len(desired))
	for _, spec := range desired {
		want[spec.ID] = spec.Plan
	}
	have := make(map[string]pool.Plan, len(current))
	for _, st := range current {
		have[st.ID] = st.Plan
	}

	var result Result
	var errs []error

	for id, plan := range want {
		currentPlan, exists := have[id]
		if exists && currentPlan == plan {
			continue
		}
		if err := r.pool.RegisterKey(ctx, id, plan); err != nil {
			r.logger.Warn("reconcile: register failed",
				"key", pool.Fingerprint(id), "plan", plan, "error", err)
			errs = append(errs, err)
			continue
		}
		if exists {
			result.Updated++
		} else {
			result.Registered++
		}
	}

	for id := range have {
		if _, ok := want[id]; ok {
			continue
		}
		if err := r.pool.DeleteKey(ctx, id); err != nil {
			r.logger.Warn("reconcile: delete failed",
				"key", pool.Fingerprint(id), "error", err)
			errs = append(errs, err)
			continue
		}
		result.Deleted++
	}

	if result.Total() > 0 {
		r.logger.Info("reconcile pass applied",
			"registered", result.Registered,
			"updated", result.Updated,
			"deleted", result.Deleted,
		)
	}
	return result, errors.Join(errs...)
}
