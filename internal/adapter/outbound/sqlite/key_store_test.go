package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

func openTestStore(t *testing.T) *KeyStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), ""); err == nil {
		t.Error("Open(\"\") = nil, want error")
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	validated := time.Now().UTC().Truncate(time.Millisecond)
	rec := pool.KeyRecord{
		ID:              "key-a",
		Plan:            pool.PlanPro,
		WindowCount:     42,
		WindowStart:     time.Now().UTC().Truncate(time.Millisecond),
		NextAllowedAt:   time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond),
		LastValidatedAt: &validated,
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "key-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != rec.ID || got.Plan != rec.Plan || got.WindowCount != rec.WindowCount {
		t.Errorf("Get = %+v, want %+v", got, rec)
	}
	if !got.WindowStart.Equal(rec.WindowStart) || !got.NextAllowedAt.Equal(rec.NextAllowedAt) {
		t.Errorf("timestamps = %v/%v, want %v/%v",
			got.WindowStart, got.NextAllowedAt, rec.WindowStart, rec.NextAllowedAt)
	}
	if got.LastValidatedAt == nil || !got.LastValidatedAt.Equal(validated) {
		t.Errorf("LastValidatedAt = %v, want %v", got.LastValidatedAt, validated)
	}
}

func TestUpsertReplacesRecord(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, pool.KeyRecord{ID: "key-a", Plan: pool.PlanPro, WindowCount: 5}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, pool.KeyRecord{ID: "key-a", Plan: pool.PlanUltimate, WindowCount: 9}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "key-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Plan != pool.PlanUltimate || got.WindowCount != 9 {
		t.Errorf("Get = %+v, want fully replaced record", got)
	}
}

func TestZeroTimesSurviveRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, pool.KeyRecord{ID: "key-a", Plan: pool.PlanPro, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "key-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.WindowStart.IsZero() || !got.NextAllowedAt.IsZero() {
		t.Errorf("zero times = %v/%v, want zero", got.WindowStart, got.NextAllowedAt)
	}
	if got.LastValidatedAt != nil {
		t.Errorf("LastValidatedAt = %v, want nil", got.LastValidatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	if !errors.Is(err, pool.ErrKeyNotFound) {
		t.Errorf("Get = %v, want ErrKeyNotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, pool.KeyRecord{ID: "key-a", Plan: pool.PlanPro, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for range 2 {
		if err := s.Delete(ctx, "key-a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if _, err := s.Get(ctx, "key-a"); !errors.Is(err, pool.ErrKeyNotFound) {
		t.Errorf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestListOrderedByID(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"key-c", "key-a", "key-b"} {
		if err := s.Upsert(ctx, pool.KeyRecord{ID: id, Plan: pool.PlanPro, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Upsert(%s): %v", id, err)
		}
	}

	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != "key-a" || recs[2].ID != "key-c" {
		t.Errorf("List = %+v, want ordered key-a..key-c", recs)
	}
}

func TestConcurrentWritersDistinctKeys(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	// Writes to different keys must not fail against the shared DB file;
	// only per-key serialization is acceptable, never hard write errors.
	const workers = 16
	const iterations = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("key-%02d", w)
			for i := range iterations {
				rec := pool.KeyRecord{
					ID:          id,
					Plan:        pool.PlanPro,
					WindowCount: i,
					CreatedAt:   time.Now().UTC(),
				}
				if err := s.Upsert(ctx, rec); err != nil {
					errs <- fmt.Errorf("upsert %s: %w", id, err)
					return
				}
				if _, err := s.Get(ctx, id); err != nil {
					errs <- fmt.Errorf("get %s: %w", id, err)
					return
				}
			}
			if err := s.Delete(ctx, id); err != nil {
				errs <- fmt.Errorf("delete %s: %w", id, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("len(recs) = %d, want 0 after all deletes", len(recs))
	}
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pool.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Upsert(ctx, pool.KeyRecord{ID: "key-a", Plan: pool.PlanPro, WindowCount: 3, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.Get(ctx, "key-a")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.WindowCount != 3 {
		t.Errorf("WindowCount = %d, want 3 persisted across reopen", got.WindowCount)
	}
}
