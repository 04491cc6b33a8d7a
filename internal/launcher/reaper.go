package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultReapTimeout bounds how long stale units may take to disappear.
	DefaultReapTimeout = 45 * time.Second
	// DefaultReapBackoff is the pause between a delete batch and the next list.
	DefaultReapBackoff = time.Second

	defaultMaxConcurrentDeletes = 8
)

// Reaper deletes every non-terminal unit carrying a logical key and waits
// until none remain. Running it before any create is what keeps at most one
// execution active per key; the backend itself offers no lock.
type Reaper struct {
	backend              ClusterBackend
	labelKey             string
	timeout              time.Duration
	backoff              time.Duration
	maxConcurrentDeletes int
	limiter              *rate.Limiter
	logger               *slog.Logger
	metrics              *instruments
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReapTimeout sets the wall-clock budget of one ReapAll call.
func WithReapTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithReapBackoff sets the pause between delete batches.
func WithReapBackoff(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// WithDeleteRateLimit limits delete requests per second sent to the backend.
// Zero disables the limit.
func WithDeleteRateLimit(perSecond float64, burst int) ReaperOption {
	return func(r *Reaper) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLabelKey overrides the label that carries the logical key.
func WithLabelKey(key string) ReaperOption {
	return func(r *Reaper) {
		if key != "" {
			r.labelKey = key
		}
	}
}

// WithReaperLogger sets the logger.
func WithReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReaperMeterProvider records the reaper metrics on mp instead of the
// global meter provider.
func WithReaperMeterProvider(mp metric.MeterProvider) ReaperOption {
	return func(r *Reaper) {
		if mp != nil {
			r.metrics = newInstruments(mp)
		}
	}
}

// NewReaper creates a reaper with a 45s deadline and a 1s backoff.
func NewReaper(backend ClusterBackend, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		backend:              backend,
		labelKey:             ConnectionIDLabelKey,
		timeout:              DefaultReapTimeout,
		backoff:              DefaultReapBackoff,
		maxConcurrentDeletes: defaultMaxConcurrentDeletes,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = newInstruments(otel.GetMeterProvider())
	}
	return r
}

// ReapAll deletes all non-terminal units labelled with logicalKey, except the
// ones addressed by except, and returns once none are left. It returns a
// *ReapTimeoutError if units persist past the deadline.
func (r *Reaper) ReapAll(ctx context.Context, logicalKey string, except ...ExecutionIdentity) error {
	start := time.Now()
	log := r.logger.With("connection_id", logicalKey)

	units, err := r.listStale(ctx, logicalKey, except)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return nil
	}

	attempted := make(map[UnitRef]struct{})
	for len(units) > 0 && time.Since(start) < r.timeout {
		log.Warn("there are currently running units for the connection", "units", unitNames(units))

		log.Info("attempting to delete units", "units", unitNames(units))
		r.deleteAll(ctx, log, units)
		for _, u := range units {
			attempted[u] = struct{}{}
		}

		log.Info("waiting for deletion")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff):
		}

		units, err = r.listStale(ctx, logicalKey, except)
		if err != nil {
			return err
		}
	}

	r.metrics.recordReap(ctx, time.Since(start), removedCount(attempted, units))

	if len(units) > 0 {
		return &ReapTimeoutError{LogicalKey: logicalKey, Remaining: units}
	}
	log.Info("successfully deleted all running units for the connection")
	return nil
}

func (r *Reaper) listStale(ctx context.Context, logicalKey string, except []ExecutionIdentity) ([]UnitRef, error) {
	units, err := r.backend.ListNonTerminalUnits(ctx, r.labelKey, logicalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list units for %s: %w", logicalKey, err)
	}
	if len(except) == 0 {
		return units, nil
	}

	stale := units[:0:0]
	for _, u := range units {
		if !excluded(u, except) {
			stale = append(stale, u)
		}
	}
	return stale, nil
}

// deleteAll issues the deletes of one batch in parallel and returns after all
// of them have completed.
func (r *Reaper) deleteAll(ctx context.Context, log *slog.Logger, units []UnitRef) {
	var g errgroup.Group
	g.SetLimit(r.maxConcurrentDeletes)

	for _, u := range units {
		g.Go(func() error {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if err := r.backend.Delete(ctx, u); err != nil {
				return fmt.Errorf("delete %s: %w", u, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// The next list decides whether the batch worked.
		log.Warn("failed to delete some units", "error", err)
	}
}

// removedCount counts the distinct units a delete was sent for that are no
// longer listed.
func removedCount(attempted map[UnitRef]struct{}, remaining []UnitRef) int {
	n := len(attempted)
	for _, u := range remaining {
		if _, ok := attempted[u]; ok {
			n--
		}
	}
	return n
}

func excluded(u UnitRef, except []ExecutionIdentity) bool {
	for _, id := range except {
		if u == id.Ref() {
			return true
		}
	}
	return false
}

func unitNames(units []UnitRef) []string {
	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Name)
	}
	return names
}
