// Package orchestrator owns the payout state machine:
//
//	CREATED → VALIDATING → PENDING → SUBMITTED → CONFIRMING →
//	{CONFIRMED, FAILED, CANCELLED}
//
// Each payout is advanced by at most one worker at a time; the shared
// limit guard is never held across a ledger call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/terminal-bench/payoutengine/internal/ledger"
	"github.com/terminal-bench/payoutengine/internal/limits"
	"github.com/terminal-bench/payoutengine/internal/payout"
	"github.com/terminal-bench/payoutengine/internal/router"
	"github.com/terminal-bench/payoutengine/internal/store"
)

// Deduper reserves caller-supplied reference ids so replayed requests
// resolve to the original payout instead of creating a second one.
type Deduper interface {
	// Reserve claims key for id. When the key is already claimed it
	// returns the owning payout id and false.
	Reserve(ctx context.Context, key string, id uuid.UUID) (uuid.UUID, bool, error)
}

// Hooks are outward callbacks consumed by the notification layer.
type Hooks struct {
	// OnTerminal fires on every CONFIRMED/FAILED/CANCELLED transition.
	OnTerminal func(rec *payout.Record)
	// OnSubmitted fires once a transaction id is known.
	OnSubmitted func(rec *payout.Record)
}

// Config holds orchestrator configuration.
type Config struct {
	Bounds        payout.Bounds
	FeePercent    decimal.Decimal
	MaxConcurrent int64
	Retry         RetryPolicy
}

// Orchestrator drives payouts from intake to a terminal state.
type Orchestrator struct {
	cfg     Config
	guard   *limits.Guard
	gateway ledger.Gateway
	store   store.Store
	dedup   Deduper
	hooks   Hooks
	log     *slog.Logger

	sem   *semaphore.Weighted
	locks sync.Map // payout id -> *sync.Mutex
	wg    sync.WaitGroup
	now   func() time.Time
}

// New creates an orchestrator. dedup may be nil when reference-id
// replay protection is not wanted.
func New(cfg Config, guard *limits.Guard, gateway ledger.Gateway, st store.Store, dedup Deduper, hooks Hooks, log *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Orchestrator{
		cfg:     cfg,
		guard:   guard,
		gateway: gateway,
		store:   st,
		dedup:   dedup,
		hooks:   hooks,
		log:     log,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		now:     time.Now,
	}
}

// Process runs a request through intake: validation and the limit
// check happen synchronously; ledger submission continues
// asynchronously on a bounded worker. The returned record reflects the
// state at return time.
func (o *Orchestrator) Process(ctx context.Context, req payout.Request) (*payout.Record, error) {
	rec, err := o.Prepare(ctx, req)
	if err != nil {
		return rec, err
	}
	return o.release(ctx, rec)
}

// Prepare runs intake without releasing the payout for submission:
// reference-id reservation, validation, fee and router assignment, and
// persistence of the PENDING record. Validation errors are returned to
// the caller directly. The batch scheduler uses this so every batched
// payout has an id and a queryable, cancellable record the moment it
// is accepted.
func (o *Orchestrator) Prepare(ctx context.Context, req payout.Request) (*payout.Record, error) {
	id := uuid.New()

	if o.dedup != nil && req.ReferenceID != "" {
		owner, fresh, err := o.dedup.Reserve(ctx, req.ReferenceID, id)
		if err != nil {
			return nil, fmt.Errorf("reference reservation failed: %w", err)
		}
		if !fresh {
			existing, err := o.store.Get(ctx, owner)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", payout.ErrDuplicateReference, req.ReferenceID)
			}
			return existing, payout.ErrDuplicateReference
		}
	}

	now := o.now()
	rec := &payout.Record{
		ID:        id,
		Request:   req,
		State:     payout.StateCreated,
		FeeAmount: decimal.Zero,
		NetAmount: decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// CREATED → VALIDATING is immediate, no I/O.
	rec.State = payout.StateValidating

	if err := req.Validate(o.cfg.Bounds); err != nil {
		rec.State = payout.StateFailed
		rec.Reason = payout.ReasonInvalidRequest
		if cerr := o.store.Create(ctx, rec); cerr != nil {
			o.log.Error("failed to persist invalid payout", "payout_id", rec.ID, "error", cerr)
		}
		o.terminal(rec)
		return rec, err
	}

	rec.FeeAmount, rec.NetAmount = payout.Fee(req.Amount, o.cfg.FeePercent)
	rec.Router = router.Select(req.KYCVerified, req.KYCHash != "", req.NodeID)
	rec.State = payout.StatePending

	if err := o.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist payout: %w", err)
	}
	return rec, nil
}

// Dispatch releases a prepared payout for submission. The batch
// scheduler calls this at window close for every payout in the sealed
// batch. Payouts cancelled while waiting for their window are left
// untouched.
func (o *Orchestrator) Dispatch(ctx context.Context, id uuid.UUID) error {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != payout.StatePending {
		if rec.State.Terminal() {
			return payout.ErrTerminal
		}
		return fmt.Errorf("payout %s is %s, not pending", id, rec.State)
	}
	_, err = o.release(ctx, rec)
	return err
}

// release gates PENDING → SUBMITTED on the limit guard. A denial never
// reaches the ledger and is surfaced to the caller directly; on
// approval the bounded submission worker takes over.
func (o *Orchestrator) release(ctx context.Context, rec *payout.Record) (*payout.Record, error) {
	if err := o.guard.Check(rec.NetAmount); err != nil {
		failed, uerr := o.store.UpdateStatus(ctx, rec.ID, payout.StatePending, payout.StateFailed,
			store.Update{Reason: reasonPtr(payout.ReasonLimitExceeded)})
		if uerr != nil {
			o.log.Error("failed to record limit denial", "payout_id", rec.ID, "error", uerr)
			return rec, err
		}
		o.terminal(failed)
		return failed, err
	}

	o.wg.Add(1)
	go o.submit(rec.ID)

	return rec, nil
}

// submit performs the ledger submission for one pending payout under
// the unified retry policy.
func (o *Orchestrator) submit(id uuid.UUID) {
	defer o.wg.Done()

	ctx := context.Background()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	unlock := o.lock(id)
	defer unlock()

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		o.log.Error("submitted payout vanished", "payout_id", id, "error", err)
		return
	}
	if rec.State != payout.StatePending {
		// Cancelled between intake and pickup.
		return
	}

	txid, err := o.submitWithRetry(ctx, rec)
	if err != nil {
		o.guard.RecordFailure()
		failed, uerr := o.store.UpdateStatus(ctx, id, payout.StatePending, payout.StateFailed,
			store.Update{Reason: reasonPtr(payout.ReasonSubmitFailed)})
		if uerr != nil {
			o.log.Error("failed to record submit failure", "payout_id", id, "error", uerr)
			return
		}
		o.log.Warn("payout submission failed", "payout_id", id, "error", err)
		o.terminal(failed)
		return
	}

	submitted, err := o.store.UpdateStatus(ctx, id, payout.StatePending, payout.StateSubmitted,
		store.Update{TxID: &txid, SubmittedNow: true})
	if err != nil {
		o.log.Error("failed to record submission", "payout_id", id, "txid", txid, "error", err)
		return
	}
	if o.hooks.OnSubmitted != nil {
		o.hooks.OnSubmitted(submitted)
	}

	// SUBMITTED → CONFIRMING immediately; the confirmation monitor
	// takes over from here.
	if _, err := o.store.UpdateStatus(ctx, id, payout.StateSubmitted, payout.StateConfirming, store.Update{}); err != nil {
		o.log.Error("failed to enter confirming", "payout_id", id, "error", err)
	}
}

func (o *Orchestrator) submitWithRetry(ctx context.Context, rec *payout.Record) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.Retry.MaxAttempts; attempt++ {
		txid, err := o.gateway.Submit(ctx, rec.Request.RecipientAddress, rec.NetAmount, rec.Request.Asset)
		if err == nil {
			return txid, nil
		}
		lastErr = err

		if !ledger.IsTransient(err) {
			// The node rejected the transfer outright; retrying cannot help.
			return "", err
		}
		if attempt == o.cfg.Retry.MaxAttempts {
			break
		}
		o.log.Debug("transient submit error, backing off",
			"payout_id", rec.ID, "attempt", attempt, "error", err)
		if serr := sleep(ctx, o.cfg.Retry.Delay(attempt)); serr != nil {
			return "", serr
		}
	}
	return "", fmt.Errorf("retries exhausted: %w", lastErr)
}

// MarkConfirmed finalizes a payout whose transaction reached the
// confirmation threshold with an on-chain success.
func (o *Orchestrator) MarkConfirmed(ctx context.Context, id uuid.UUID, confirmations int) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.store.UpdateStatus(ctx, id, payout.StateConfirming, payout.StateConfirmed,
		store.Update{Confirmations: &confirmations})
	if err != nil {
		return err
	}
	o.guard.RecordSuccess(rec.NetAmount)
	o.terminal(rec)
	return nil
}

// MarkFailed finalizes a confirming payout with the given reason.
// Ambiguous timeouts are not counted against the breaker: the
// transaction may still settle and needs manual reconciliation rather
// than breaker pressure.
func (o *Orchestrator) MarkFailed(ctx context.Context, id uuid.UUID, reason payout.Reason) error {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.store.UpdateStatus(ctx, id, payout.StateConfirming, payout.StateFailed,
		store.Update{Reason: &reason})
	if err != nil {
		return err
	}
	if reason != payout.ReasonTimeoutUnconfirmed {
		o.guard.RecordFailure()
	}
	o.terminal(rec)
	return nil
}

// SetConfirmations records confirmation progress on an in-flight payout.
func (o *Orchestrator) SetConfirmations(ctx context.Context, id uuid.UUID, n int) error {
	unlock := o.lock(id)
	defer unlock()

	_, err := o.store.UpdateStatus(ctx, id, payout.StateConfirming, payout.StateConfirming,
		store.Update{Confirmations: &n})
	return err
}

// Cancel marks a payout cancelled. Only payouts that have not been
// submitted can be cancelled; once the transfer is on the wire it
// exists outside the engine's control.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*payout.Record, error) {
	unlock := o.lock(id)
	defer unlock()

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.State {
	case payout.StateCreated, payout.StateValidating, payout.StatePending:
		cancelled, err := o.store.UpdateStatus(ctx, id, rec.State, payout.StateCancelled,
			store.Update{Reason: reasonPtr(payout.ReasonCancelled)})
		if err != nil {
			return nil, err
		}
		o.terminal(cancelled)
		return cancelled, nil
	case payout.StateConfirmed, payout.StateFailed, payout.StateCancelled:
		return rec, payout.ErrTerminal
	default:
		return rec, payout.ErrNotCancellable
	}
}

// Get returns a snapshot of one payout record.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*payout.Record, error) {
	return o.store.Get(ctx, id)
}

// Stats summarizes payout counts per state plus the guard snapshot.
type Stats struct {
	ByState map[payout.State]int `json:"by_state"`
	Limits  limits.Snapshot      `json:"limits"`
}

// Stats builds a statistics snapshot.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	recs, err := o.store.List(ctx, store.Filter{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{ByState: make(map[payout.State]int), Limits: o.guard.Snapshot()}
	for _, rec := range recs {
		s.ByState[rec.State]++
	}
	return s, nil
}

// Wait blocks until all in-flight submission workers have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// lock serializes transitions for a single payout.
func (o *Orchestrator) lock(id uuid.UUID) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) terminal(rec *payout.Record) {
	o.log.Info("payout terminal",
		"payout_id", rec.ID, "state", rec.State, "reason", rec.Reason, "txid", rec.TxID)
	if o.hooks.OnTerminal != nil {
		o.hooks.OnTerminal(rec)
	}
}

func reasonPtr(r payout.Reason) *payout.Reason { return &r }

// IsValidationError reports whether err came from request validation.
func IsValidationError(err error) bool {
	return errors.Is(err, payout.ErrInvalidAddress) ||
		errors.Is(err, payout.ErrInvalidAsset) ||
		errors.Is(err, payout.ErrAmountOutOfBounds) ||
		errors.Is(err, payout.ErrInvalidKYCHash)
}

// IsLimitError reports whether err came from the limit guard.
func IsLimitError(err error) bool {
	return errors.Is(err, limits.ErrBreakerOpen) ||
		errors.Is(err, limits.ErrTooManyRequests) ||
		errors.Is(err, limits.ErrDailyLimitReached) ||
		errors.Is(err, limits.ErrHourlyLimitReached)
}
