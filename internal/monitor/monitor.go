// Package monitor tracks submitted transactions to on-chain finality
// and drives the orchestrator's confirming-phase transitions.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payoutengine/internal/ledger"
	"github.com/terminal-bench/payoutengine/internal/payout"
	"github.com/terminal-bench/payoutengine/internal/store"
)

// Resolver is the slice of the orchestrator the monitor drives.
type Resolver interface {
	MarkConfirmed(ctx context.Context, id uuid.UUID, confirmations int) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason payout.Reason) error
	SetConfirmations(ctx context.Context, id uuid.UUID, n int) error
}

// Config holds confirmation monitor configuration.
type Config struct {
	// PollInterval is the cadence of status polls.
	PollInterval time.Duration

	// ConfirmationThreshold is the block depth treated as final. The
	// count is authoritative; block-time estimates are not.
	ConfirmationThreshold int

	// NotFoundGrace is how long a transaction may stay unseen on the
	// ledger before the single rebroadcast attempt, and again before it
	// is declared orphaned.
	NotFoundGrace time.Duration

	// ConfirmTimeout bounds the wait from submission to finality.
	ConfirmTimeout time.Duration

	// PayoutDeadline bounds a payout's whole lifetime, creation to
	// terminal state.
	PayoutDeadline time.Duration

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// inflight is per-transaction bookkeeping the ledger cannot give us.
type inflight struct {
	notFoundSince time.Time
	rebroadcast   bool
}

// Monitor polls the ledger for every confirming payout.
type Monitor struct {
	cfg      Config
	gateway  ledger.Gateway
	store    store.Store
	resolver Resolver
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	tracking map[uuid.UUID]*inflight
}

// New creates a confirmation monitor.
func New(cfg Config, gw ledger.Gateway, st store.Store, r Resolver, log *slog.Logger) *Monitor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:      cfg,
		gateway:  gw,
		store:    st,
		resolver: r,
		log:      log,
		now:      now,
		tracking: make(map[uuid.UUID]*inflight),
	}
}

// Run polls until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs one pass over every confirming payout.
func (m *Monitor) Poll(ctx context.Context) {
	recs, err := m.store.List(ctx, store.Filter{State: payout.StateConfirming})
	if err != nil {
		m.log.Error("failed to list confirming payouts", "error", err)
		return
	}

	for _, rec := range recs {
		m.check(ctx, rec)
	}
	m.prune(recs)
}

func (m *Monitor) check(ctx context.Context, rec *payout.Record) {
	now := m.now()

	// Deadlines trump whatever the ledger would report: past them the
	// payout is closed out for bookkeeping even though the transaction
	// might still settle. That reason code flags it for manual
	// reconciliation.
	if now.Sub(rec.CreatedAt) > m.cfg.PayoutDeadline ||
		(rec.SubmittedAt != nil && now.Sub(*rec.SubmittedAt) > m.cfg.ConfirmTimeout) {
		m.resolve(ctx, rec.ID, payout.ReasonTimeoutUnconfirmed)
		return
	}

	status, err := m.gateway.GetStatus(ctx, rec.TxID)
	if err != nil {
		// Poll errors are absorbed; the next tick retries.
		m.log.Warn("status poll failed", "payout_id", rec.ID, "txid", rec.TxID, "error", err)
		return
	}

	switch status.Result {
	case ledger.ResultSuccess:
		m.clear(rec.ID)
		if status.Confirmations >= m.cfg.ConfirmationThreshold {
			if err := m.resolver.MarkConfirmed(ctx, rec.ID, status.Confirmations); err != nil {
				m.log.Error("failed to confirm payout", "payout_id", rec.ID, "error", err)
			}
			return
		}
		m.progress(ctx, rec, status.Confirmations)

	case ledger.ResultPending:
		m.clear(rec.ID)
		m.progress(ctx, rec, status.Confirmations)

	case ledger.ResultReverted:
		m.clear(rec.ID)
		m.resolve(ctx, rec.ID, payout.ReasonOnChainRevert)

	case ledger.ResultNotFound:
		m.handleNotFound(ctx, rec, now)
	}
}

// handleNotFound tracks how long a transaction has been missing. After
// the grace period it gets exactly one rebroadcast; if it is still
// unseen one grace period later, the payout is orphaned.
func (m *Monitor) handleNotFound(ctx context.Context, rec *payout.Record, now time.Time) {
	m.mu.Lock()
	fl, ok := m.tracking[rec.ID]
	if !ok {
		fl = &inflight{notFoundSince: now}
		m.tracking[rec.ID] = fl
	}
	missingFor := now.Sub(fl.notFoundSince)
	alreadyRebroadcast := fl.rebroadcast
	m.mu.Unlock()

	if missingFor < m.cfg.NotFoundGrace {
		return
	}

	if !alreadyRebroadcast {
		m.log.Warn("rebroadcasting unseen transaction", "payout_id", rec.ID, "txid", rec.TxID)
		if err := m.gateway.Rebroadcast(ctx, rec.TxID); err != nil {
			m.log.Warn("rebroadcast failed", "payout_id", rec.ID, "txid", rec.TxID, "error", err)
		}
		m.mu.Lock()
		fl.rebroadcast = true
		fl.notFoundSince = now // restart the clock after the one retry
		m.mu.Unlock()
		return
	}

	m.clear(rec.ID)
	m.resolve(ctx, rec.ID, payout.ReasonOrphaned)
}

func (m *Monitor) progress(ctx context.Context, rec *payout.Record, confirmations int) {
	if confirmations == rec.Confirmations {
		return
	}
	if err := m.resolver.SetConfirmations(ctx, rec.ID, confirmations); err != nil {
		m.log.Warn("failed to record confirmations", "payout_id", rec.ID, "error", err)
	}
}

func (m *Monitor) resolve(ctx context.Context, id uuid.UUID, reason payout.Reason) {
	m.clear(id)
	if err := m.resolver.MarkFailed(ctx, id, reason); err != nil {
		m.log.Error("failed to fail payout", "payout_id", id, "reason", reason, "error", err)
	}
}

func (m *Monitor) clear(id uuid.UUID) {
	m.mu.Lock()
	delete(m.tracking, id)
	m.mu.Unlock()
}

// prune drops bookkeeping for payouts that left the confirming state.
func (m *Monitor) prune(confirming []*payout.Record) {
	live := make(map[uuid.UUID]bool, len(confirming))
	for _, rec := range confirming {
		live[rec.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.tracking {
		if !live[id] {
			delete(m.tracking, id)
		}
	}
}
