package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectPayoutSubmitted = "payouts.submitted"
	SubjectPayoutConfirmed = "payouts.confirmed"
	SubjectPayoutFailed    = "payouts.failed"
	SubjectPayoutCancelled = "payouts.cancelled"

	SubjectBatchDispatched = "batches.dispatched"

	SubjectBreakerStateChanged = "limits.breaker_state"
)

// PayoutEvent describes a payout lifecycle transition.
type PayoutEvent struct {
	PayoutID      uuid.UUID `json:"payout_id"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Router        string    `json:"router"`
	TxID          string    `json:"txid,omitempty"`
	Amount        string    `json:"amount"`
	NetAmount     string    `json:"net_amount"`
	Asset         string    `json:"asset"`
	Recipient     string    `json:"recipient_address"`
	Confirmations int       `json:"confirmations"`
	Timestamp     time.Time `json:"timestamp"`
}

// BatchEvent describes a sealed batch dispatch.
type BatchEvent struct {
	BatchID     uuid.UUID `json:"batch_id"`
	BatchType   string    `json:"batch_type"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Total       int       `json:"total"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	Timestamp   time.Time `json:"timestamp"`
}

// BreakerEvent describes a circuit breaker state change.
type BreakerEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}
