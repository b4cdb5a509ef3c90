package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

func TestKeyStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewKeyStore()
	ctx := context.Background()

	validated := time.Now().UTC().Truncate(time.Millisecond)
	rec := pool.KeyRecord{
		ID:              "key-a",
		Plan:            pool.PlanUltimate,
		WindowCount:     7,
		WindowStart:     time.Now().UTC(),
		NextAllowedAt:   time.Now().UTC().Add(time.Minute),
		LastValidatedAt: &validated,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "key-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Plan != pool.PlanUltimate || got.WindowCount != 7 {
		t.Errorf("Get = %+v, want stored record", got)
	}
	if got.LastValidatedAt == nil || !got.LastValidatedAt.Equal(validated) {
		t.Errorf("LastValidatedAt = %v, want %v", got.LastValidatedAt, validated)
	}
}

func TestKeyStoreGetMissing(t *testing.T) {
	t.Parallel()

	s := NewKeyStore()
	_, err := s.Get(context.Background(), "ghost")
	if !errors.Is(err, pool.ErrKeyNotFound) {
		t.Errorf("Get = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyStoreDeleteIdempotent(t *testing.T) {
	t.Parallel()

	s := NewKeyStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, pool.KeyRecord{ID: "key-a", Plan: pool.PlanPro}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for range 2 {
		if err := s.Delete(ctx, "key-a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if s.Size() != 0 {
		t.Errorf("Size = %d, want 0", s.Size())
	}
}

func TestKeyStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewKeyStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			for range 50 {
				_ = s.Upsert(ctx, pool.KeyRecord{ID: id, Plan: pool.PlanPro})
				_, _ = s.Get(ctx, id)
				_, _ = s.List(ctx)
			}
		}()
	}
	wg.Wait()

	if s.Size() != 8 {
		t.Errorf("Size = %d, want 8", s.Size())
	}
}
