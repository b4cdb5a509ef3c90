package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/poolgate/poolgate/internal/adapter/outbound/memory"
	"github.com/poolgate/poolgate/internal/config"
	"github.com/poolgate/poolgate/internal/domain/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool() *pool.AdmissionController {
	return pool.NewAdmissionController(memory.NewKeyStore(), nil, pool.WithLogger(discardLogger()))
}

func TestApplyRegistersMissingKeys(t *testing.T) {
	t.Parallel()

	ctrl := newTestPool()
	r := NewReconciler(ctrl, discardLogger())

	desired := []config.KeySpec{
		{ID: "key-a", Plan: pool.PlanPro},
		{ID: "key-b", Plan: pool.PlanUltimate},
	}

	result, err := r.Apply(context.Background(), desired)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Registered != 2 || result.Updated != 0 || result.Deleted != 0 {
		t.Errorf("result = %+v, want 2 registered", result)
	}

	statuses, err := ctrl.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 2 {
		t.Errorf("len(statuses) = %d, want 2", len(statuses))
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := newTestPool()
	r := NewReconciler(ctrl, discardLogger())

	desired := []config.KeySpec{
		{ID: "key-a", Plan: pool.PlanPro},
		{ID: "key-b", Plan: pool.PlanUltimate},
	}

	if _, err := r.Apply(context.Background(), desired); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	result, err := r.Apply(context.Background(), desired)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if result.Total() != 0 {
		t.Errorf("second Apply result = %+v, want no mutations", result)
	}
}

func TestApplyUpdatesDriftedPlan(t *testing.T) {
	t.Parallel()

	ctrl := newTestPool()
	r := NewReconciler(ctrl, discardLogger())

	if err := ctrl.RegisterKey(context.Background(), "key-a", pool.PlanPro); err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}

	result, err := r.Apply(context.Background(), []config.KeySpec{
		{ID: "key-a", Plan: pool.PlanUltimate},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Updated != 1 || result.Registered != 0 {
		t.Errorf("result = %+v, want 1 updated", result)
	}

	statuses, _ := ctrl.Status(context.Background())
	if len(statuses) != 1 || statuses[0].Plan != pool.PlanUltimate {
		t.Errorf("statuses = %+v, want key-a on ultimate", statuses)
	}
}

func TestApplyDeletesUndesiredKeys(t *testing.T) {
	t.Parallel()

	ctrl := newTestPool()
	r := NewReconciler(ctrl, discardLogger())

	if err := ctrl.RegisterKey(context.Background(), "key-gone", pool.PlanPro); err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	if err := ctrl.RegisterKey(context.Background(), "key-kept", pool.PlanPro); err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}

	result, err := r.Apply(context.Background(), []config.KeySpec{
		{ID: "key-kept", Plan: pool.PlanPro},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("result = %+v, want 1 deleted", result)
	}

	statuses, _ := ctrl.Status(context.Background())
	if len(statuses) != 1 || statuses[0].ID != "key-kept" {
		t.Errorf("statuses = %+v, want only key-kept", statuses)
	}
}

func TestApplyEmptyDesiredDrainsPool(t *testing.T) {
	t.Parallel()

	ctrl := newTestPool()
	r := NewReconciler(ctrl, discardLogger())

	if err := ctrl.RegisterKey(context.Background(), "key-a", pool.PlanPro); err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}

	result, err := r.Apply(context.Background(), nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("result = %+v, want 1 deleted", result)
	}
}

func TestApplyDuplicateIDsLastWins(t *testing.T) {
	t.Parallel()

	ctrl := newTestPool()
	r := NewReconciler(ctrl, discardLogger())

	_, err := r.Apply(context.Background(), []config.KeySpec{
		{ID: "key-a", Plan: pool.PlanPro},
		{ID: "key-a", Plan: pool.PlanUltimate},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	statuses, _ := ctrl.Status(context.Background())
	if len(statuses) != 1 || statuses[0].Plan != pool.PlanUltimate {
		t.Errorf("statuses = %+v, want key-a on ultimate", statuses)
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { runs.Add(1) })
	defer d.Stop()

	for range 5 {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 for a coalesced burst", got)
	}
}

func TestDebouncerRunsAgainAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { runs.Add(1) })
	defer d.Stop()

	d.Trigger()
	time.Sleep(80 * time.Millisecond)
	d.Trigger()
	time.Sleep(80 * time.Millisecond)

	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 for separated triggers", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { runs.Add(1) })

	d.Trigger()
	d.Stop()
	d.Trigger() // ignored after Stop

	time.Sleep(120 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0 after Stop", got)
	}
}
