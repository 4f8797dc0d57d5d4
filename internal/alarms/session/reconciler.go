package session

import (
	"context"
	"errors"
	"log"
	"time"

	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/observability/metrics"
)

// Source pulls the current known set of occurrences from the backing store.
type Source interface {
	Pull(ctx context.Context) ([]alarms.AlarmOccurrence, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]alarms.AlarmOccurrence, error)

// Pull implements Source.
func (f SourceFunc) Pull(ctx context.Context) ([]alarms.AlarmOccurrence, error) { return f(ctx) }

// PushSource delivers occurrence updates as they happen. Pull and push merge
// through the same idempotent upsert, so delivery order per id does not
// matter.
type PushSource interface {
	Events() <-chan alarms.AlarmOccurrence
}

// StatsListener receives recomputed statistics after each merged cycle.
type StatsListener func(Stats)

// Reconciler keeps the session store in sync with the backing store by
// periodic pulls and optional push delivery.
type Reconciler struct {
	store    *Store
	source   Source
	push     PushSource
	interval time.Duration
	recency  time.Duration
	clock    Clock
	logger   *log.Logger
	onStats  StatsListener
}

// ReconcilerOption customizes the reconciler.
type ReconcilerOption func(*Reconciler)

// WithPushSource attaches a push delivery channel.
func WithPushSource(push PushSource) ReconcilerOption {
	return func(r *Reconciler) { r.push = push }
}

// WithStatsListener registers a listener for recomputed statistics.
func WithStatsListener(listener StatsListener) ReconcilerOption {
	return func(r *Reconciler) { r.onStats = listener }
}

// WithRecencyWindow overrides the window for the "new" count.
func WithRecencyWindow(window time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if window > 0 {
			r.recency = window
		}
	}
}

// WithReconcilerClock overrides the default clock.
func WithReconcilerClock(clock Clock) ReconcilerOption {
	return func(r *Reconciler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewReconciler constructs a reconciler.
func NewReconciler(store *Store, source Source, interval time.Duration, logger *log.Logger, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if source == nil {
		return nil, errors.New("session: nil source")
	}
	if interval <= 0 {
		return nil, errors.New("session: interval must be positive")
	}
	r := &Reconciler{
		store:    store,
		source:   source,
		interval: interval,
		recency:  DefaultRecencyWindow,
		clock:    systemClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run reconciles until the context is cancelled. A failed pull leaves the
// store intact and retries on the next tick. A pull whose result arrives
// after cancellation is discarded rather than applied.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	r.cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pushEvents <-chan alarms.AlarmOccurrence
	if r.push != nil {
		pushEvents = r.push.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		case occ, ok := <-pushEvents:
			if !ok {
				pushEvents = nil
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.store.Upsert(occ)
			r.publishStats()
		}
	}
}

// Reconcile runs one pull-and-merge cycle.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	return r.cycle(ctx)
}

func (r *Reconciler) cycle(ctx context.Context) error {
	occurrences, err := r.source.Pull(ctx)
	if err != nil {
		metrics.IncReconcileCycle("error")
		if r.logger != nil {
			r.logger.Printf("alarm reconcile failed, keeping current view: %v", err)
		}
		return err
	}
	// The consuming view may have been torn down while the pull was in
	// flight; a late result must not be applied.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, occ := range occurrences {
		r.store.Upsert(occ)
	}
	metrics.IncReconcileCycle("success")
	metrics.SetStoreOccurrences(r.store.Len())
	r.publishStats()
	return nil
}

func (r *Reconciler) publishStats() {
	if r.onStats == nil {
		return
	}
	r.onStats(ComputeStats(r.store.Snapshot(), r.clock.Now(), r.recency))
}
