package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stage-system/internal/status"
	"stage-system/utils"
)

// Transient reports whether err is an I/O failure worth retrying. Logical
// outcomes (conflicts, missing rows, bad input) and cancellation are not.
func Transient(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, status.ErrConflict),
		errors.Is(err, status.ErrNotFound),
		errors.Is(err, ErrInvalidMutation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, utils.ErrCircuitOpen),
		errors.Is(err, utils.ErrTooManyRequests):
		return false
	}
	return true
}

type ResilientOptions struct {
	MaxRetries int
	Backoff    time.Duration
	Breaker    utils.BreakerSettings
	// OnRetry is called before each retry of op.
	OnRetry func(op string, attempt int, err error)
}

// Resilient wraps a Store with a circuit breaker and retries transient read
// failures with linear backoff. Commit goes through the breaker but is never
// retried: a lost reply may hide a write that already landed.
type Resilient struct {
	next    Store
	breaker *utils.CircuitBreaker
	opts    ResilientOptions
}

func NewResilient(next Store, opts ResilientOptions) *Resilient {
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	opts.Breaker.IsFailure = Transient
	return &Resilient{
		next:    next,
		breaker: utils.NewCircuitBreaker("store", opts.Breaker),
		opts:    opts,
	}
}

func (r *Resilient) Breaker() *utils.CircuitBreaker { return r.breaker }

func (r *Resilient) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.breaker.Execute(ctx, fn)
		if !Transient(err) || attempt >= r.opts.MaxRetries {
			return err
		}

		if r.opts.OnRetry != nil {
			r.opts.OnRetry(op, attempt+1, err)
		}
		slog.Warn("store call failed, retrying", "op", op, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * r.opts.Backoff):
		}
	}
}

func (r *Resilient) Read(ctx context.Context, room, table, key string) (Row, error) {
	var row Row
	err := r.retry(ctx, "read", func() (err error) {
		row, err = r.next.Read(ctx, room, table, key)
		return err
	})
	return row, err
}

func (r *Resilient) Commit(ctx context.Context, room string, muts ...Mutation) (int64, error) {
	var seq int64
	err := r.breaker.Execute(ctx, func() (err error) {
		seq, err = r.next.Commit(ctx, room, muts...)
		return err
	})
	return seq, err
}

func (r *Resilient) Scan(ctx context.Context, room, table string) ([]Row, error) {
	var rows []Row
	err := r.retry(ctx, "scan", func() (err error) {
		rows, err = r.next.Scan(ctx, room, table)
		return err
	})
	return rows, err
}

func (r *Resilient) Snapshot(ctx context.Context, room string, tables ...string) (Snapshot, error) {
	var snap Snapshot
	err := r.retry(ctx, "snapshot", func() (err error) {
		snap, err = r.next.Snapshot(ctx, room, tables...)
		return err
	})
	return snap, err
}

func (r *Resilient) Changes(ctx context.Context, room string, afterSeq int64, limit int) ([]Change, error) {
	var changes []Change
	err := r.retry(ctx, "changes", func() (err error) {
		changes, err = r.next.Changes(ctx, room, afterSeq, limit)
		return err
	})
	return changes, err
}

// NextID is retried; a lost reply only leaves a gap in the id sequence.
func (r *Resilient) NextID(ctx context.Context, room, counter string) (int64, error) {
	var id int64
	err := r.retry(ctx, "next_id", func() (err error) {
		id, err = r.next.NextID(ctx, room, counter)
		return err
	})
	return id, err
}

func (r *Resilient) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	err := r.retry(ctx, "rooms", func() (err error) {
		rooms, err = r.next.Rooms(ctx)
		return err
	})
	return rooms, err
}

// Ping bypasses the breaker so health checks see the real backend.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
