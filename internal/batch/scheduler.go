// Package batch accumulates non-immediate payouts into wall-clock
// windows and dispatches each sealed window through the orchestrator.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payoutengine/internal/payout"
)

// Dispatcher is the slice of the orchestrator the scheduler drives.
// Prepare runs intake for a batched payout so it has a persisted,
// cancellable record while it waits for its window; Dispatch releases
// it at window close. Process is the immediate path.
type Dispatcher interface {
	Prepare(ctx context.Context, req payout.Request) (*payout.Record, error)
	Dispatch(ctx context.Context, id uuid.UUID) error
	Process(ctx context.Context, req payout.Request) (*payout.Record, error)
}

var (
	ErrImmediateBatch  = errors.New("immediate payouts are not batched")
	ErrUnknownBatch    = errors.New("unknown batch")
	ErrBelowBatchFloor = errors.New("amount below the batch payout floor")
)

// Config holds scheduler configuration.
type Config struct {
	// MaxBatchSize caps items per window; arrivals beyond the cap are
	// deferred to the next window, never rejected.
	MaxBatchSize int

	// MinAmount is the floor a payout must reach before it may ride a
	// scheduled window. Zero disables the floor. Immediate payouts are
	// not subject to it.
	MinAmount decimal.Decimal

	// Tick is how often window boundaries are checked.
	Tick time.Duration

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time

	// OnDispatched fires after a sealed batch finishes dispatching.
	OnDispatched func(b *payout.Batch)
}

// bucket is the open accumulator for one (batch type, window) pair.
// It holds payout ids: every buffered payout already exists as a
// PENDING record, so it can be queried and cancelled while waiting.
type bucket struct {
	id          uuid.UUID
	batchType   payout.BatchType
	windowStart time.Time
	windowEnd   time.Time
	payoutIDs   []uuid.UUID
	deferred    []uuid.UUID
}

// sealedBatch is an immutable window awaiting or past dispatch.
type sealedBatch struct {
	batch      *payout.Batch
	dispatched bool
}

// Scheduler owns one open bucket per non-immediate batch type and the
// registry of sealed batches.
type Scheduler struct {
	cfg        Config
	dispatcher Dispatcher
	log        *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	open   map[payout.BatchType]*bucket
	sealed map[uuid.UUID]*sealedBatch
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, d Dispatcher, log *slog.Logger) *Scheduler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:        cfg,
		dispatcher: d,
		log:        log,
		now:        now,
		open:       make(map[payout.BatchType]*bucket),
		sealed:     make(map[uuid.UUID]*sealedBatch),
	}
}

// Enqueue runs intake for one non-immediate request and buffers the
// resulting payout into the currently open window for its type. The
// PENDING record and its id exist as soon as Enqueue returns;
// validation failures are surfaced to the caller directly and nothing
// is buffered.
func (s *Scheduler) Enqueue(ctx context.Context, req payout.Request) (*payout.Record, uuid.UUID, error) {
	if req.BatchType == payout.BatchImmediate {
		return nil, uuid.Nil, ErrImmediateBatch
	}
	if !req.BatchType.Valid() {
		return nil, uuid.Nil, ErrImmediateBatch
	}
	if !s.cfg.MinAmount.IsZero() && req.Amount.LessThan(s.cfg.MinAmount) {
		return nil, uuid.Nil, ErrBelowBatchFloor
	}

	rec, err := s.dispatcher.Prepare(ctx, req)
	if err != nil {
		return rec, uuid.Nil, err
	}

	s.mu.Lock()
	due := s.rollLocked(s.now())
	b := s.openLocked(req.BatchType)
	if len(b.payoutIDs) >= s.cfg.MaxBatchSize {
		b.deferred = append(b.deferred, rec.ID)
	} else {
		b.payoutIDs = append(b.payoutIDs, rec.ID)
	}
	id := b.id
	s.mu.Unlock()

	s.dispatchAll(ctx, due)
	return rec, id, nil
}

// SubmitBatch enqueues a group of requests and returns the batch id
// plus the payout ids accepted, in input order. For immediate batch
// types it behaves as N independent dispatches and the batch id is
// uuid.Nil. When an item fails intake the error is returned together
// with the ids accepted before it; those stay queued.
func (s *Scheduler) SubmitBatch(ctx context.Context, bt payout.BatchType, reqs []payout.Request) (uuid.UUID, []uuid.UUID, error) {
	accepted := make([]uuid.UUID, 0, len(reqs))

	if bt == payout.BatchImmediate {
		for _, req := range reqs {
			req.BatchType = payout.BatchImmediate
			rec, err := s.dispatcher.Process(ctx, req)
			if rec != nil {
				accepted = append(accepted, rec.ID)
			}
			if err != nil {
				s.log.Warn("immediate batch item failed", "error", err)
			}
		}
		return uuid.Nil, accepted, nil
	}

	var id uuid.UUID
	for i, req := range reqs {
		req.BatchType = bt
		rec, bid, err := s.Enqueue(ctx, req)
		if err != nil {
			return id, accepted, fmt.Errorf("item %d rejected: %w", i, err)
		}
		accepted = append(accepted, rec.ID)
		if id == uuid.Nil {
			id = bid
		}
	}
	return id, accepted, nil
}

// Run checks window boundaries until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick seals every open bucket whose window has closed and dispatches
// the sealed batches.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	due := s.rollLocked(s.now())
	s.mu.Unlock()

	s.dispatchAll(ctx, due)
}

// Get returns a snapshot of a batch, sealed or still open.
func (s *Scheduler) Get(id uuid.UUID) (*payout.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.sealed[id]
	if !ok {
		for _, b := range s.open {
			if b.id == id {
				return &payout.Batch{
					ID:          b.id,
					Type:        b.batchType,
					WindowStart: b.windowStart,
					WindowEnd:   b.windowEnd,
					PayoutIDs:   append([]uuid.UUID(nil), b.payoutIDs...),
					Result:      payout.BatchResult{Total: len(b.payoutIDs)},
				}, nil
			}
		}
		return nil, ErrUnknownBatch
	}
	cp := *sb.batch
	cp.PayoutIDs = append([]uuid.UUID(nil), sb.batch.PayoutIDs...)
	return &cp, nil
}

// Dispatch replays a sealed batch. Already-dispatched batches are a
// no-op, so replay never creates duplicate payout records.
func (s *Scheduler) Dispatch(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	sb, ok := s.sealed[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownBatch
	}
	if sb.dispatched {
		s.mu.Unlock()
		return nil
	}
	sb.dispatched = true
	s.mu.Unlock()

	s.dispatch(ctx, sb)
	return nil
}

// rollLocked swaps out every bucket whose window has closed for a fresh
// one, carrying deferred payouts forward. The swap happens under the
// scheduler lock so no payout can land in a sealed bucket. Returned
// batches are marked dispatched and must be dispatched by the caller
// after the lock is released.
func (s *Scheduler) rollLocked(now time.Time) []*sealedBatch {
	var due []*sealedBatch
	for bt, b := range s.open {
		if now.Before(b.windowEnd) {
			continue
		}

		sb := &sealedBatch{
			batch: &payout.Batch{
				ID:          b.id,
				Type:        b.batchType,
				WindowStart: b.windowStart,
				WindowEnd:   b.windowEnd,
				PayoutIDs:   b.payoutIDs,
			},
			dispatched: true,
		}
		s.sealed[b.id] = sb

		next := s.newBucket(bt, now)
		next.payoutIDs = append(next.payoutIDs, b.deferred...)
		s.open[bt] = next

		if len(sb.batch.PayoutIDs) > 0 {
			due = append(due, sb)
		}
	}
	return due
}

func (s *Scheduler) dispatchAll(ctx context.Context, due []*sealedBatch) {
	for _, sb := range due {
		s.dispatch(ctx, sb)
	}
}

// dispatch releases each contained payout independently, in insertion
// order. One item failing its limit check or having been cancelled
// does not affect its siblings.
func (s *Scheduler) dispatch(ctx context.Context, sb *sealedBatch) {
	result := payout.BatchResult{Total: len(sb.batch.PayoutIDs)}

	for _, id := range sb.batch.PayoutIDs {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			result.Failed++
			s.log.Warn("batch item failed",
				"batch_id", sb.batch.ID, "batch_type", sb.batch.Type,
				"payout_id", id, "error", err)
			continue
		}
		result.Successful++
	}

	s.mu.Lock()
	sb.batch.Result = result
	s.mu.Unlock()

	s.log.Info("batch dispatched",
		"batch_id", sb.batch.ID, "batch_type", sb.batch.Type,
		"total", result.Total, "successful", result.Successful, "failed", result.Failed)

	if s.cfg.OnDispatched != nil {
		s.cfg.OnDispatched(sb.batch)
	}
}

func (s *Scheduler) openLocked(bt payout.BatchType) *bucket {
	b, ok := s.open[bt]
	if !ok {
		b = s.newBucket(bt, s.now())
		s.open[bt] = b
	}
	return b
}

func (s *Scheduler) newBucket(bt payout.BatchType, now time.Time) *bucket {
	start, end := window(bt, now)
	return &bucket{
		id:          uuid.New(),
		batchType:   bt,
		windowStart: start,
		windowEnd:   end,
	}
}

// window returns the wall-clock bounds containing now: top of hour,
// UTC midnight, or Monday 00:00 UTC.
func window(bt payout.BatchType, now time.Time) (time.Time, time.Time) {
	t := now.UTC()
	switch bt {
	case payout.BatchHourly:
		start := t.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case payout.BatchDaily:
		start := t.Truncate(24 * time.Hour)
		return start, start.Add(24 * time.Hour)
	case payout.BatchWeekly:
		midnight := t.Truncate(24 * time.Hour)
		daysSinceMonday := (int(midnight.Weekday()) + 6) % 7
		start := midnight.AddDate(0, 0, -daysSinceMonday)
		return start, start.AddDate(0, 0, 7)
	default:
		return t, t
	}
}
