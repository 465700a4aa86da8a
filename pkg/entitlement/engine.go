package entitlement

import (
	"context"
	"fmt"
	"time"
)

// Work is one unit of externally-provided work (an image generation or
// enhancement call). The engine only cares about success or failure.
type Work func(ctx context.Context) error

// LimitError is returned by Consume when the active limit is already spent.
// It carries everything the transport layer needs for a 429.
type LimitError struct {
	Denial Denial
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit of %d reached", e.Denial.Kind, e.Denial.Limit)
}

func (e *LimitError) Unwrap() error {
	return ErrLimitReached
}

// Engine applies the resolved policy to a unit of work: reset if due, check
// the limit, debit before the work runs, and compensate if the work fails.
//
// Debit-before-work is the concurrency mechanism of record. The underlying
// store is last-write-wins with no transactions, so checking first and
// debiting after the work would let N concurrent requests all observe a stale
// "below limit" read and all succeed. Debiting first trades a rare harmless
// under-grant (compensation failing after a failed work call) for eliminating
// that over-grant race.
type Engine struct {
	store    ProfileStore
	resolver *Resolver
	logger   Logger
	metrics  Metrics
}

// NewEngine creates an accounting engine backed by the given store.
func NewEngine(store ProfileStore, resolver *Resolver) (*Engine, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if resolver == nil {
		resolver = NewResolver(Config{})
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		logger:   resolver.cfg.Logger,
		metrics:  resolver.cfg.Metrics,
	}, nil
}

// Status returns the usage-status view for one resource kind. Any reset
// decided during resolution is persisted best-effort so a subsequent read
// observes the corrected baseline.
func (e *Engine) Status(ctx context.Context, userID, metadataTZ string, kind Kind) (*Status, error) {
	profile, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.resolver.Now()
	pol, err := e.resolver.Resolve(profile, metadataTZ, now, kind)
	if err != nil {
		return nil, err
	}
	e.stageResets(ctx, userID, pol)

	return &Status{
		Kind:      kind,
		Limit:     pol.Limit,
		Used:      pol.UsageBefore,
		Remaining: pol.RemainingAfter(0),
		ResetsAt:  pol.NextReset,
		Tier:      pol.Tier,
	}, nil
}

// Consume runs one unit of work under quota accounting. On denial it returns
// a *LimitError. On a permitted run the usage counter is debited before work
// starts; if work fails the counter is restored to its pre-call value and the
// work error is propagated unchanged.
func (e *Engine) Consume(ctx context.Context, userID, metadataTZ string, kind Kind, work Work) (*ConsumeResult, error) {
	profile, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.resolver.Now()
	pol, err := e.resolver.Resolve(profile, metadataTZ, now, kind)
	if err != nil {
		return nil, err
	}
	e.stageResets(ctx, userID, pol)

	if pol.Limit != Unlimited && pol.UsageBefore >= pol.Limit {
		e.metrics.RecordConsumption(string(kind), pol.Tier, "denied")
		e.logger.Info("consumption denied",
			F("user_id", userID), F("kind", kind),
			F("used", pol.UsageBefore), F("limit", pol.Limit),
			F("resets_at", pol.NextReset))
		return nil, &LimitError{Denial: Denial{
			Kind:     kind,
			Limit:    pol.Limit,
			Used:     pol.UsageBefore,
			ResetsAt: pol.NextReset,
			Tier:     pol.Tier,
			Timezone: pol.Timezone,
		}}
	}

	// Uncapped tiers don't track usage at all; run the work directly.
	if pol.Limit == Unlimited {
		if err := work(ctx); err != nil {
			e.metrics.RecordConsumption(string(kind), pol.Tier, "error")
			return nil, err
		}
		e.metrics.RecordConsumption(string(kind), pol.Tier, "granted")
		return &ConsumeResult{Kind: kind, UsageAfter: 0, Limit: Unlimited, NextReset: pol.NextReset}, nil
	}

	usageBefore := pol.UsageBefore
	attemptAt := now

	if err := e.update(ctx, "debit", userID, map[ProfileField]any{
		kind.UsedField():   usageBefore + 1,
		kind.LastAtField(): attemptAt,
	}); err != nil {
		e.metrics.RecordConsumption(string(kind), pol.Tier, "error")
		return nil, fmt.Errorf("failed to debit %s: %w", kind, err)
	}

	if workErr := work(ctx); workErr != nil {
		// Restore the absolute pre-call value, not used-1: correct even when
		// a concurrent request has moved the counter in between.
		// The last-attempt timestamp deliberately stays at the failed attempt.
		if err := e.update(ctx, "compensate", userID, map[ProfileField]any{
			kind.UsedField(): usageBefore,
		}); err != nil {
			e.metrics.RecordCompensationFailure(string(kind))
			e.logger.Error("failed to revert debit after work failure, user charged for a failed attempt",
				F("user_id", userID), F("kind", kind),
				F("restore_to", usageBefore), F("revert_error", err.Error()),
				F("work_error", workErr.Error()))
		} else {
			e.metrics.RecordConsumption(string(kind), pol.Tier, "reverted")
		}
		return nil, workErr
	}

	e.metrics.RecordConsumption(string(kind), pol.Tier, "granted")
	return &ConsumeResult{
		Kind:       kind,
		UsageAfter: usageBefore + 1,
		Limit:      pol.Limit,
		NextReset:  pol.NextReset,
	}, nil
}

// stageResets persists any reset the resolver staged. Best-effort: failure is
// logged and the request proceeds on the in-memory zeroed baseline.
func (e *Engine) stageResets(ctx context.Context, userID string, pol *Policy) {
	if len(pol.Updates) == 0 {
		return
	}
	if err := e.update(ctx, "stage_reset", userID, pol.Updates); err != nil {
		e.logger.Warn("failed to persist staged usage reset",
			F("user_id", userID), F("kind", pol.Kind), F("error", err.Error()))
	}
}

func (e *Engine) update(ctx context.Context, op, userID string, fields map[ProfileField]any) error {
	started := time.Now()
	err := e.store.Update(ctx, userID, fields)
	e.metrics.RecordStorageOperation(op, time.Since(started), err)
	return err
}
