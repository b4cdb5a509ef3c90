package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

// Pool is the surface the validator needs from the admission controller.
type Pool interface {
	Status(ctx context.Context) ([]pool.KeyStatus, error)
	DeleteKey(ctx context.Context, id string) error
	RecordValidation(ctx context.Context, id string) error
}

// Validator runs validation cycles against every key in the pool: one cycle
// at startup, then one per interval. A key the provider rejects is evicted
// from the pool and scrubbed from the config file so the next reconcile does
// not bring it back.
type Validator struct {
	pool     Pool
	prober   Prober
	interval time.Duration
	delay    time.Duration
	onEvict  func(id string)
	logger   *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures a Validator.
type Option func(*Validator)

// WithProbeDelay sets the pacing delay between probes within a cycle.
func WithProbeDelay(d time.Duration) Option {
	return func(v *Validator) { v.delay = d }
}

// WithEvictionHook registers a callback invoked after a key is evicted.
// Used to scrub the key from the config file. Best effort.
func WithEvictionHook(fn func(id string)) Option {
	return func(v *Validator) { v.onEvict = fn }
}

// NewValidator creates a Validator probing every interval.
func NewValidator(p Pool, prober Prober, interval time.Duration, logger *slog.Logger, opts ...Option) *Validator {
	v := &Validator{
		pool:     p,
		prober:   prober,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Start launches the background validation loop. The first cycle runs
// immediately.
func (v *Validator) Start() {
	v.wg.Add(1)
	go v.run()
	v.logger.Info("health validator started", "interval", v.interval.String())
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
// Safe to call more than once.
func (v *Validator) Stop() {
	v.stopOnce.Do(func() {
		close(v.stopChan)
	})
	v.wg.Wait()
}

func (v *Validator) run() {
	defer v.wg.Done()

	v.runCycle()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopChan:
			return
		case <-ticker.C:
			v.runCycle()
		}
	}
}

// runCycle probes every key currently in the pool. Probes are paced with a
// fixed delay so a large pool does not burst against the provider. The cycle
// aborts promptly on shutdown.
func (v *Validator) runCycle() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-v.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	statuses, err := v.pool.Status(ctx)
	if err != nil {
		v.logger.Warn("validation cycle: listing keys failed", "error", err)
		return
	}
	if len(statuses) == 0 {
		return
	}

	var healthy, evicted, inconclusive int
	for i, st := range statuses {
		if i > 0 && v.delay > 0 {
			select {
			case <-v.stopChan:
				return
			case <-time.After(v.delay):
			}
		}

		verdict := v.prober.Probe(ctx, st.ID)
		switch verdict {
		case VerdictHealthy:
			healthy++
			if err := v.pool.RecordValidation(ctx, st.ID); err != nil {
				v.logger.Warn("recording validation failed",
					"key", pool.Fingerprint(st.ID), "error", err)
			}
		case VerdictAuthRejected:
			evicted++
			v.evict(ctx, st.ID)
		default:
			inconclusive++
			v.logger.Debug("probe inconclusive", "key", pool.Fingerprint(st.ID))
		}
	}

	v.logger.Info("validation cycle finished",
		"keys", len(statuses),
		"healthy", healthy,
		"evicted", evicted,
		"inconclusive", inconclusive,
	)
}

// evict removes a rejected key from the pool and runs the eviction hook.
func (v *Validator) evict(ctx context.Context, id string) {
	v.logger.Warn("provider rejected key, evicting", "key", pool.Fingerprint(id))

	if err := v.pool.DeleteKey(ctx, id); err != nil {
		v.logger.Error("evicting key failed", "key", pool.Fingerprint(id), "error", err)
		return
	}
	if v.onEvict != nil {
		v.onEvict(id)
	}
}
