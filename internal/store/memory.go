package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payoutengine/internal/payout"
)

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*payout.Record
	order   []uuid.UUID

	// Now overrides the clock for tests. Nil means time.Now.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[uuid.UUID]*payout.Record)}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Create stores a new record.
func (m *Memory) Create(ctx context.Context, rec *payout.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("payout %s already exists", rec.ID)
	}
	cp := *rec
	m.records[rec.ID] = &cp
	m.order = append(m.order, rec.ID)
	return nil
}

// UpdateStatus applies a conditional state transition.
func (m *Memory) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payout.State, upd Update) (*payout.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.State != expected {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrStateConflict, rec.State, expected)
	}

	rec.State = next
	rec.UpdatedAt = m.now()
	if upd.TxID != nil {
		rec.TxID = *upd.TxID
	}
	if upd.Confirmations != nil {
		rec.Confirmations = *upd.Confirmations
	}
	if upd.Reason != nil {
		rec.Reason = *upd.Reason
	}
	if upd.SubmittedNow {
		t := rec.UpdatedAt
		rec.SubmittedAt = &t
	}

	cp := *rec
	return &cp, nil
}

// Get returns a copy of the record.
func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*payout.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// List returns copies of matching records in creation order.
func (m *Memory) List(ctx context.Context, f Filter) ([]*payout.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*payout.Record
	for _, id := range m.order {
		rec := m.records[id]
		if f.State != "" && rec.State != f.State {
			continue
		}
		if f.BatchType != "" && rec.Request.BatchType != f.BatchType {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
