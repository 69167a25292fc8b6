package payout

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payoutengine/internal/router"
)

// State is the lifecycle state of a payout record.
type State string

const (
	StateCreated    State = "created"
	StateValidating State = "validating"
	StatePending    State = "pending"
	StateSubmitted  State = "submitted"
	StateConfirming State = "confirming"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state is absorbing. No transition ever
// leaves a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Reason identifies why a payout reached a terminal state.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInvalidRequest     Reason = "invalid_request"
	ReasonLimitExceeded      Reason = "limit_exceeded"
	ReasonSubmitFailed       Reason = "submit_failed"
	ReasonOnChainRevert      Reason = "on_chain_revert"
	ReasonOrphaned           Reason = "orphaned"
	ReasonTimeoutUnconfirmed Reason = "timeout_unconfirmed"
	ReasonCancelled          Reason = "cancelled"
)

// Asset is a transferable asset on the TRON network.
type Asset string

const (
	AssetUSDT Asset = "USDT-TRC20"
	AssetTRX  Asset = "TRX"
)

// Valid reports whether the asset is one the engine can disburse.
func (a Asset) Valid() bool {
	return a == AssetUSDT || a == AssetTRX
}

// BatchType controls how a payout is scheduled for dispatch.
type BatchType string

const (
	BatchImmediate BatchType = "immediate"
	BatchHourly    BatchType = "hourly"
	BatchDaily     BatchType = "daily"
	BatchWeekly    BatchType = "weekly"
)

// Valid reports whether the batch type is known.
func (b BatchType) Valid() bool {
	switch b {
	case BatchImmediate, BatchHourly, BatchDaily, BatchWeekly:
		return true
	}
	return false
}

// Priority orders payouts within a batch window.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Request is the caller-supplied input for a single disbursement.
type Request struct {
	RecipientAddress string          `json:"recipient_address"`
	Amount           decimal.Decimal `json:"amount"`
	Asset            Asset           `json:"asset"`
	ReferenceID      string          `json:"reference_id,omitempty"`
	KYCVerified      bool            `json:"kyc_verified"`
	KYCHash          string          `json:"kyc_hash,omitempty"`
	NodeID           string          `json:"node_id,omitempty"`
	BatchType        BatchType       `json:"batch_type"`
	Priority         Priority        `json:"priority,omitempty"`
}

// Record is the durable, single-writer view of one payout. It is created
// at intake and mutated only through state machine transitions; once a
// terminal state is reached it is never modified again.
type Record struct {
	ID            uuid.UUID       `json:"payout_id"`
	Request       Request         `json:"request"`
	State         State           `json:"state"`
	Router        router.Type     `json:"router"`
	TxID          string          `json:"txid,omitempty"`
	Confirmations int             `json:"confirmations"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Reason        Reason          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
}

// Batch is a sealed window of non-immediate payouts. Once sealed it is
// immutable; dispatch results are accumulated in Result.
type Batch struct {
	ID          uuid.UUID   `json:"batch_id"`
	Type        BatchType   `json:"batch_type"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	PayoutIDs   []uuid.UUID `json:"payout_ids"`
	Result      BatchResult `json:"result"`
}

// BatchResult aggregates per-item dispatch outcomes for a batch.
type BatchResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}
