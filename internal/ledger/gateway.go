// Package ledger defines the submit/query contract against the TRON
// network. The gateway is a thin, possibly-unreliable network client;
// all retry and backoff policy lives with the caller.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payoutengine/internal/payout"
)

// TxResult is the on-chain outcome of a submitted transaction.
type TxResult string

const (
	ResultPending  TxResult = "pending"
	ResultSuccess  TxResult = "success"
	ResultReverted TxResult = "reverted"
	ResultNotFound TxResult = "not_found"
)

// TxStatus reports confirmation progress for a transaction.
type TxStatus struct {
	Confirmations int      `json:"confirmations"`
	Result        TxResult `json:"result"`
}

// Gateway is the capability the payout core needs from the network.
type Gateway interface {
	// Submit broadcasts a transfer and returns the transaction id.
	Submit(ctx context.Context, to string, amount decimal.Decimal, asset payout.Asset) (string, error)

	// GetStatus returns confirmation progress for a transaction id.
	GetStatus(ctx context.Context, txid string) (TxStatus, error)

	// GetBalance returns the spendable balance of an address.
	GetBalance(ctx context.Context, address string, asset payout.Asset) (decimal.Decimal, error)

	// Rebroadcast re-announces a previously submitted transaction that
	// has not been observed on-chain.
	Rebroadcast(ctx context.Context, txid string) error
}

// ErrRejected means the node refused the transaction outright. Not
// retryable: resubmitting the same transfer would be rejected again.
var ErrRejected = errors.New("transaction rejected by node")

// TransientError wraps a failure that is worth retrying: timeouts,
// connection resets, node-side 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient ledger error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried under the unified
// retry policy.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
