// Package notify publishes payout lifecycle events for the webhook and
// notification layer to consume.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/terminal-bench/payoutengine/internal/limits"
	"github.com/terminal-bench/payoutengine/internal/payout"
	"github.com/terminal-bench/payoutengine/pkg/messaging"
)

// Publisher fans payout transitions out to NATS. A nil client turns
// every publish into a no-op so the engine can run without a broker.
type Publisher struct {
	nats *messaging.Client
	log  *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(nats *messaging.Client, log *slog.Logger) *Publisher {
	return &Publisher{nats: nats, log: log}
}

// PayoutTerminal publishes a terminal transition. Subject is derived
// from the final state.
func (p *Publisher) PayoutTerminal(rec *payout.Record) {
	var subject string
	switch rec.State {
	case payout.StateConfirmed:
		subject = messaging.SubjectPayoutConfirmed
	case payout.StateFailed:
		subject = messaging.SubjectPayoutFailed
	case payout.StateCancelled:
		subject = messaging.SubjectPayoutCancelled
	default:
		return
	}
	p.publish(subject, payoutEvent(rec))
}

// PayoutSubmitted publishes a submission with its transaction id.
func (p *Publisher) PayoutSubmitted(rec *payout.Record) {
	p.publish(messaging.SubjectPayoutSubmitted, payoutEvent(rec))
}

// BatchDispatched publishes a sealed batch's dispatch result.
func (p *Publisher) BatchDispatched(b *payout.Batch) {
	p.publish(messaging.SubjectBatchDispatched, messaging.BatchEvent{
		BatchID:     b.ID,
		BatchType:   string(b.Type),
		WindowStart: b.WindowStart,
		WindowEnd:   b.WindowEnd,
		Total:       b.Result.Total,
		Successful:  b.Result.Successful,
		Failed:      b.Result.Failed,
		Timestamp:   time.Now(),
	})
}

// BreakerStateChanged publishes a circuit breaker transition.
func (p *Publisher) BreakerStateChanged(from, to limits.BreakerState) {
	p.publish(messaging.SubjectBreakerStateChanged, messaging.BreakerEvent{
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publish(subject string, data interface{}) {
	if p.nats == nil {
		return
	}
	if err := p.nats.Publish(context.Background(), subject, data); err != nil {
		p.log.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func payoutEvent(rec *payout.Record) messaging.PayoutEvent {
	return messaging.PayoutEvent{
		PayoutID:      rec.ID,
		State:         string(rec.State),
		Reason:        string(rec.Reason),
		Router:        string(rec.Router),
		TxID:          rec.TxID,
		Amount:        rec.Request.Amount.String(),
		NetAmount:     rec.NetAmount.String(),
		Asset:         string(rec.Request.Asset),
		Recipient:     rec.Request.RecipientAddress,
		Confirmations: rec.Confirmations,
		Timestamp:     time.Now(),
	}
}
