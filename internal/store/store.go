// Package store persists payout records. Updates are conditional on
// the expected current state so concurrent workers cannot lose writes.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/terminal-bench/payoutengine/internal/payout"
)

var (
	ErrNotFound = errors.New("payout not found")

	// ErrStateConflict means the record's current state did not match the
	// expected state of a conditional update.
	ErrStateConflict = errors.New("payout state conflict")
)

// Update carries the optional fields applied together with a state
// transition. Nil pointers leave the stored value unchanged.
type Update struct {
	TxID          *string
	Confirmations *int
	Reason        *payout.Reason
	SubmittedNow  bool
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State     payout.State
	BatchType payout.BatchType
	Limit     int
}

// Store is the persistence contract for payout records.
type Store interface {
	Create(ctx context.Context, rec *payout.Record) error

	// UpdateStatus atomically moves a record from expected to next and
	// applies upd. Returns ErrStateConflict when the stored state is not
	// expected, leaving the record untouched.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next payout.State, upd Update) (*payout.Record, error)

	Get(ctx context.Context, id uuid.UUID) (*payout.Record, error)

	List(ctx context.Context, f Filter) ([]*payout.Record, error)
}
