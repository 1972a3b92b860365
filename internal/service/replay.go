package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fieldsync/internal/dispatch"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/resolver"
	"fieldsync/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReplayConfig bounds the engine. Parallelism is the number of distinct
// entity-key groups dispatched concurrently; within a group delivery is
// strictly sequential.
type ReplayConfig struct {
	Parallelism        int
	MaxAttempts        int
	UnknownRetryBudget int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	DispatchTimeout    time.Duration
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.UnknownRetryBudget <= 0 {
		c.UnknownRetryBudget = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	return c
}

// CycleResult summarizes one replay cycle for the coordinator.
type CycleResult struct {
	Dispatched  int
	Succeeded   int
	Conflicted  int
	DeadLetters int
	AuthExpired bool
}

// ReplayEngine drains the queue against the remote dispatcher. Each
// cycle repeatedly takes the ready heads (one per entity key), fans them
// out across a bounded worker group, and applies the outcome to the
// queue. The cycle ends when nothing is ready right now or the session
// expires; due retries are picked up by the coordinator's next trigger.
type ReplayEngine struct {
	queue      *queue.ActionQueue
	dispatcher dispatch.Dispatcher
	resolver   *resolver.Resolver
	session    *Session
	projection *ProjectionCache
	observer   metrics.Observer
	cfg        ReplayConfig
}

func NewReplayEngine(q *queue.ActionQueue, d dispatch.Dispatcher, r *resolver.Resolver, session *Session, projection *ProjectionCache, observer metrics.Observer, cfg ReplayConfig) *ReplayEngine {
	return &ReplayEngine{
		queue:      q,
		dispatcher: d,
		resolver:   r,
		session:    session,
		projection: projection,
		observer:   observer,
		cfg:        cfg.withDefaults(),
	}
}

// RunCycle drains everything currently ready. It never returns an error:
// every dispatch failure is contained and applied to the owning action.
func (e *ReplayEngine) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()

	var mu sync.Mutex
	var res CycleResult

	for {
		if ctx.Err() != nil {
			break
		}

		mu.Lock()
		paused := res.AuthExpired
		mu.Unlock()
		if paused {
			break
		}

		heads := e.queue.NextReady(time.Now())
		if len(heads) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Parallelism)
		for _, head := range heads {
			action := head
			g.Go(func() error {
				outcome := e.processHead(gctx, action)
				mu.Lock()
				res.Dispatched++
				switch outcome {
				case outcomeSucceeded:
					res.Succeeded++
				case outcomeConflicted:
					res.Conflicted++
				case outcomeDeadLetter:
					res.DeadLetters++
				case outcomeAuthExpired:
					res.AuthExpired = true
				}
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}

	e.observer.ObserveCycleDuration(time.Since(start).Seconds())
	e.observer.SetPendingActions(e.queue.PendingCount())
	return res
}

type headOutcome int

const (
	outcomeSucceeded headOutcome = iota
	outcomeRetrying
	outcomeConflicted
	outcomeDeadLetter
	outcomeAuthExpired
)

func (e *ReplayEngine) processHead(ctx context.Context, action model.Action) headOutcome {
	if e.session != nil && !e.session.Valid() {
		return outcomeAuthExpired
	}

	if err := e.queue.MarkInFlight(ctx, action.ID); err != nil {
		logger.Warn("skipping head", zap.String("action", action.ID), zap.Error(err))
		return outcomeRetrying
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	ack, err := e.dispatcher.Dispatch(dctx, action)
	cancel()

	if err == nil {
		if err := e.queue.MarkSucceeded(ctx, action.ID); err != nil {
			logger.Error("ack received but action not cleared", zap.String("action", action.ID), zap.Error(err))
		}
		if e.projection != nil && ack != nil {
			if perr := e.projection.SetConfirmed(ctx, ack.EntityKey, ack.NewVersion, ack.State); perr != nil {
				logger.Warn("projection update failed", zap.String("entity", ack.EntityKey), zap.Error(perr))
			}
		}
		e.observer.RecordDispatch("succeeded")
		return outcomeSucceeded
	}

	return e.applyFailure(ctx, action, err)
}

func (e *ReplayEngine) applyFailure(ctx context.Context, action model.Action, err error) headOutcome {
	var (
		authErr       *dispatch.AuthExpiredError
		conflictErr   *dispatch.ConflictError
		validationErr *dispatch.ValidationError
		transientErr  *dispatch.TransientError
	)

	switch {
	case errors.As(err, &authErr):
		// Not this action's fault. Put it back untouched and pause the
		// whole engine until a refreshed session arrives.
		if rerr := e.queue.Release(ctx, action.ID); rerr != nil {
			logger.Error("release after auth expiry failed", zap.String("action", action.ID), zap.Error(rerr))
		}
		e.observer.RecordDispatch("auth_expired")
		logger.Warn("session expired, pausing replay", zap.String("action", action.ID))
		return outcomeAuthExpired

	case errors.As(err, &conflictErr):
		outcome := e.resolver.Resolve(action, conflictErr)
		if outcome.Decision == resolver.Discard {
			if merr := e.queue.MarkConflicted(ctx, action.ID, outcome.Reason); merr != nil {
				logger.Error("conflict mark failed", zap.String("action", action.ID), zap.Error(merr))
			}
			e.observer.RecordDispatch("conflicted")
			e.observer.RecordConflict()
			logger.Warn("action conflicted", zap.String("action", action.ID), zap.String("reason", outcome.Reason))
			return outcomeConflicted
		}
		// Bounded resolver retry: eligible again immediately, with the
		// attempt recorded so a second conflict discards.
		if merr := e.queue.MarkFailedTransient(ctx, action.ID, action.Attempts+1, outcome.Reason, time.Now()); merr != nil {
			logger.Error("conflict retry mark failed", zap.String("action", action.ID), zap.Error(merr))
		}
		e.observer.RecordDispatch("conflict_retry")
		return outcomeRetrying

	case errors.As(err, &validationErr):
		if merr := e.queue.MarkFailedPermanent(ctx, action.ID, validationErr.Error()); merr != nil {
			logger.Error("dead-letter mark failed", zap.String("action", action.ID), zap.Error(merr))
		}
		e.observer.RecordDispatch("validation_failed")
		logger.Warn("action rejected", zap.String("action", action.ID), zap.Int("status", validationErr.Status))
		return outcomeDeadLetter

	case errors.As(err, &transientErr), errors.Is(err, context.DeadlineExceeded):
		return e.retryOrExhaust(ctx, action, err, e.cfg.MaxAttempts, "transient")

	default:
		// Unclassified errors get a small budget, then are treated as
		// permanent rather than retried forever.
		return e.retryOrExhaust(ctx, action, err, e.cfg.UnknownRetryBudget, "unknown")
	}
}

func (e *ReplayEngine) retryOrExhaust(ctx context.Context, action model.Action, err error, budget int, kind string) headOutcome {
	attempts := action.Attempts + 1
	if attempts >= budget {
		msg := fmt.Sprintf("%s failure after %d attempts: %v", kind, attempts, err)
		if merr := e.queue.MarkFailedPermanent(ctx, action.ID, msg); merr != nil {
			logger.Error("dead-letter mark failed", zap.String("action", action.ID), zap.Error(merr))
		}
		e.observer.RecordDispatch("exhausted")
		logger.Error("action retries exhausted", zap.String("action", action.ID), zap.Int("attempts", attempts), zap.Error(err))
		return outcomeDeadLetter
	}

	next := time.Now().Add(e.backoff(attempts))
	if merr := e.queue.MarkFailedTransient(ctx, action.ID, attempts, err.Error(), next); merr != nil {
		logger.Error("transient mark failed", zap.String("action", action.ID), zap.Error(merr))
	}
	e.observer.RecordDispatch(kind)
	logger.Debug("action will retry", zap.String("action", action.ID), zap.Int("attempts", attempts), zap.Time("next", next))
	return outcomeRetrying
}

// backoff returns base*2^(attempts-1) capped at BackoffMax, with up to
// 50% jitter so a fleet of devices coming back online does not stampede.
func (e *ReplayEngine) backoff(attempts int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			d = e.cfg.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d/2) + 1))
	return d + jitter
}
