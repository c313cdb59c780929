package core

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/core")

type run struct {
	c     *Coordinator
	id    string
	state State
	log   *zap.Logger
}

func (r *run) to(next State) {
	prev := r.state
	r.state = next
	r.log.Debug("transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	for _, o := range r.c.observers {
		o(r.id, prev, next)
	}
}

// Execute runs mutate under the lease req.LockKey and applies
// req.Invalidations after it succeeds, before the lease is released.
//
// It fails with errors.ErrLockUnavailable, without calling mutate, when the
// lease is held elsewhere. A mutation error wrapping errors.ErrNotFound is
// returned as is; any other mutation or invalidation failure is joined with
// errors.ErrUpdateFailed. Under ReleaseStrict, a committed run whose lease
// expired before release returns its value together with
// errors.ErrNotHeldByCaller.
func Execute[T any](ctx context.Context, c *Coordinator, req Request, mutate Mutation[T]) (value T, err error) {
	id, uerr := uuid.GenerateUUID()
	if uerr != nil {
		id = "unknown"
	}
	r := &run{c: c, id: id, state: StateIdle}
	r.log = logger.From(ctx, c.log).With(logger.RunID(id), logger.LockKey(req.LockKey))

	ctx, span := tracer.Start(ctx, "core.Execute", trace.WithAttributes(
		attribute.String("warden.run_id", id),
		attribute.String("warden.lock_key", req.LockKey),
		attribute.String("warden.policy", req.Policy.String()),
	))
	start := time.Now()
	defer func() {
		metrics.UpdateCounter.WithLabelValues(req.Policy.String(), r.state.String()).Inc()
		metrics.UpdateDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("warden.final_state", r.state.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ttl := req.LeaseTTL
	if ttl <= 0 {
		ttl = c.leaseTTL
	}

	r.to(StateLockAcquiring)
	lease, ok, aerr := c.locks.Acquire(ctx, req.LockKey, ttl)
	if aerr != nil {
		r.to(StateError)
		return value, fmt.Errorf("core: acquire %s: %w", req.LockKey, aerr)
	}
	if !ok {
		r.to(StateError)
		r.log.Debug("lock unavailable")
		return value, fmt.Errorf("core: %s: %w", req.LockKey, wardenerrors.ErrLockUnavailable)
	}
	r.to(StateLocked)

	// the mutation and everything after it outlive caller cancellation
	wctx := context.WithoutCancel(ctx)

	if req.Policy == ReleaseStrict {
		defer func() {
			released, rerr := c.locks.Release(wctx, req.LockKey, lease.Token)
			switch {
			case rerr != nil:
				r.log.Error("release failed", zap.Error(rerr))
				if err == nil {
					r.to(StateError)
					err = fmt.Errorf("core: release %s: %w", req.LockKey, rerr)
				}
			case !released:
				r.log.Warn("lease expired before release")
				if err == nil {
					r.to(StateError)
					err = fmt.Errorf("core: release %s: %w", req.LockKey, wardenerrors.ErrNotHeldByCaller)
				}
			case err == nil:
				r.to(StateUnlocked)
			}
		}()
	}

	r.to(StateMutating)
	v, merr := mutate(wctx)
	if merr != nil {
		r.to(StateError)
		if stdErrors.Is(merr, wardenerrors.ErrNotFound) {
			return value, merr
		}
		r.log.Warn("mutation failed", zap.Error(merr))
		return value, stdErrors.Join(wardenerrors.ErrUpdateFailed, merr)
	}
	r.to(StatePersisted)

	for _, inv := range req.Invalidations {
		if ierr := inv.Run(wctx); ierr != nil {
			r.to(StateError)
			r.log.Error("invalidation failed", zap.String("target", inv.Target), zap.Error(ierr))
			return value, stdErrors.Join(wardenerrors.ErrUpdateFailed, fmt.Errorf("invalidate %s: %w", inv.Target, ierr))
		}
	}
	r.to(StateInvalidated)

	if req.Policy == ReleaseLeaky {
		r.log.Warn("lease left to expire", logger.TTL(ttl))
	}
	return v, nil
}
