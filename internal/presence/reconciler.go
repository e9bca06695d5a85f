// Package presence keeps persisted presence records in step with
// join, leave and heartbeat signals and builds the snapshots broadcast
// after each change.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ashureev/retro-relay/internal/domain"
	"github.com/ashureev/retro-relay/internal/event"
	"github.com/ashureev/retro-relay/internal/shared"
	"github.com/ashureev/retro-relay/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ashureev/retro-relay/internal/presence"

// Reconciler applies presence signals to a store.Repository.
type Reconciler struct {
	repo    store.Repository
	timeout time.Duration
	retry   shared.RetryPolicy
	now     func() time.Time

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTimeout bounds every store call made for a single signal.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithClock overrides the time source used for lastSeenAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithRetryPolicy overrides the retry policy for store writes.
func WithRetryPolicy(p shared.RetryPolicy) Option {
	return func(r *Reconciler) { r.retry = p }
}

// NewReconciler creates a Reconciler backed by repo.
func NewReconciler(repo store.Repository, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:    repo,
		timeout: 5 * time.Second,
		retry:   shared.DefaultRetryPolicy,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}

	duration, err := otel.Meter(instrumentationName).Float64Histogram("presence_reconcile_duration_seconds",
		metric.WithDescription("Time to apply a presence signal and rebuild the snapshot"),
		metric.WithUnit("s"))
	if err == nil {
		r.duration = duration
	}
	return r
}

// Join marks userID active in sessionID and returns the recomputed
// snapshot. An empty userName keeps any stored name; snapshots list a
// nameless user under their id.
func (r *Reconciler) Join(ctx context.Context, sessionID, userID, userName string) (event.PresenceSnapshot, error) {
	ctx, done := r.begin(ctx, "join", sessionID)
	var snap event.PresenceSnapshot
	err := func() error {
		now := r.now()
		if err := shared.Retry(ctx, r.retry, "upsert user", func(ctx context.Context) error {
			return r.repo.UpsertUser(ctx, &domain.User{ID: userID, Name: userName, UpdatedAt: now})
		}); err != nil {
			return err
		}
		if err := r.setActive(ctx, sessionID, userID, true, now); err != nil {
			return err
		}
		var err error
		snap, err = r.snapshot(ctx, sessionID)
		return err
	}()
	done(err)
	return snap, err
}

// Leave marks userID inactive in sessionID and returns the recomputed
// snapshot, which no longer lists the user.
func (r *Reconciler) Leave(ctx context.Context, sessionID, userID string) (event.PresenceSnapshot, error) {
	ctx, done := r.begin(ctx, "leave", sessionID)
	var snap event.PresenceSnapshot
	err := func() error {
		if err := r.setActive(ctx, sessionID, userID, false, r.now()); err != nil {
			return err
		}
		var err error
		snap, err = r.snapshot(ctx, sessionID)
		return err
	}()
	done(err)
	return snap, err
}

// Heartbeat refreshes lastSeenAt for a pair that has joined. It never
// creates a record, never changes the active flag and produces no snapshot.
func (r *Reconciler) Heartbeat(ctx context.Context, sessionID, userID string) error {
	ctx, done := r.begin(ctx, "heartbeat", sessionID)
	err := shared.Retry(ctx, r.retry, "touch presence", func(ctx context.Context) error {
		return r.repo.TouchPresence(ctx, sessionID, userID, r.now())
	})
	done(err)
	return err
}

// Snapshot returns the current active set for sessionID.
func (r *Reconciler) Snapshot(ctx context.Context, sessionID string) (event.PresenceSnapshot, error) {
	ctx, done := r.begin(ctx, "snapshot", sessionID)
	snap, err := r.snapshot(ctx, sessionID)
	done(err)
	return snap, err
}

// Sweep deactivates every record not seen within staleAfter and returns
// the ids of sessions whose active set changed, sorted.
func (r *Reconciler) Sweep(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	ctx, done := r.begin(ctx, "sweep", "")
	stale, err := r.repo.MarkStale(ctx, r.now().Add(-staleAfter))
	done(err)
	if err != nil {
		return nil, fmt.Errorf("sweep stale presence: %w", err)
	}

	seen := make(map[string]struct{}, len(stale))
	sessions := make([]string, 0, len(stale))
	for _, rec := range stale {
		if _, ok := seen[rec.SessionID]; ok {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		sessions = append(sessions, rec.SessionID)
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (r *Reconciler) setActive(ctx context.Context, sessionID, userID string, active bool, at time.Time) error {
	return shared.Retry(ctx, r.retry, "upsert presence", func(ctx context.Context) error {
		return r.repo.UpsertPresence(ctx, sessionID, userID, active, at)
	})
}

func (r *Reconciler) snapshot(ctx context.Context, sessionID string) (event.PresenceSnapshot, error) {
	users, err := r.repo.ListActive(ctx, sessionID)
	if err != nil {
		return event.PresenceSnapshot{}, fmt.Errorf("list active users: %w", err)
	}
	return event.NewPresenceSnapshot(sessionID, users), nil
}

// begin starts a bounded, traced unit of work. The returned func records
// the outcome and must be called exactly once.
func (r *Reconciler) begin(ctx context.Context, op, sessionID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	ctx, span := r.tracer.Start(ctx, "presence."+op,
		trace.WithAttributes(attribute.String("session_id", sessionID)))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		if r.duration != nil {
			r.duration.Record(context.Background(), time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("op", op),
					attribute.Bool("error", err != nil),
				))
		}
	}
}
