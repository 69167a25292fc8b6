package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payoutengine/internal/idempotency"
	"github.com/terminal-bench/payoutengine/internal/ledger"
	"github.com/terminal-bench/payoutengine/internal/limits"
	"github.com/terminal-bench/payoutengine/internal/payout"
	"github.com/terminal-bench/payoutengine/internal/router"
	"github.com/terminal-bench/payoutengine/internal/store"
)

const testAddress = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

// fakeGateway scripts per-call submit outcomes.
type fakeGateway struct {
	mu         sync.Mutex
	submitErrs []error // consumed one per call; nil entry means success
	submits    int
	txid       string
	gate       chan struct{} // when set, Submit blocks until closed
	entered    chan struct{} // signaled when a Submit call reaches the gate
}

func (g *fakeGateway) Submit(ctx context.Context, to string, amount decimal.Decimal, asset payout.Asset) (string, error) {
	if g.gate != nil {
		if g.entered != nil {
			g.entered <- struct{}{}
		}
		<-g.gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if g.txid == "" {
		return "tx-default", nil
	}
	return g.txid, nil
}

func (g *fakeGateway) GetStatus(ctx context.Context, txid string) (ledger.TxStatus, error) {
	return ledger.TxStatus{Result: ledger.ResultPending}, nil
}

func (g *fakeGateway) GetBalance(ctx context.Context, address string, asset payout.Asset) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (g *fakeGateway) Rebroadcast(ctx context.Context, txid string) error { return nil }

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

type env struct {
	orch    *Orchestrator
	guard   *limits.Guard
	gateway *fakeGateway
	store   *store.Memory

	mu        sync.Mutex
	terminals []*payout.Record
}

func newEnv(t *testing.T, mutate func(*Config, *limits.Config)) *env {
	t.Helper()

	e := &env{gateway: &fakeGateway{}, store: store.NewMemory()}

	guardCfg := limits.Config{
		DailyLimit:       decimal.NewFromInt(100000),
		HourlyLimit:      decimal.NewFromInt(10000),
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}
	cfg := Config{
		Bounds:        payout.Bounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10000)},
		FeePercent:    decimal.Zero,
		MaxConcurrent: 4,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg, &guardCfg)
	}

	e.guard = limits.NewGuard(guardCfg)
	hooks := Hooks{OnTerminal: func(rec *payout.Record) {
		e.mu.Lock()
		e.terminals = append(e.terminals, rec)
		e.mu.Unlock()
	}}
	e.orch = New(cfg, e.guard, e.gateway, e.store, idempotency.NewMemory(), hooks, slog.Default())
	return e
}

func validRequest(amount int64) payout.Request {
	return payout.Request{
		RecipientAddress: testAddress,
		Amount:           decimal.NewFromInt(amount),
		Asset:            payout.AssetUSDT,
		BatchType:        payout.BatchImmediate,
	}
}

func TestProcessHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.gateway.txid = "tx-1"

	rec, err := e.orch.Process(ctx, validRequest(50))
	require.NoError(t, err)
	assert.Equal(t, payout.StatePending, rec.State)
	assert.Equal(t, router.V0, rec.Router)

	e.orch.Wait()

	got, err := e.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StateConfirming, got.State)
	assert.Equal(t, "tx-1", got.TxID)
	assert.NotNil(t, got.SubmittedAt)
}

func TestProcessValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("amount below minimum fails fast", func(t *testing.T) {
		e := newEnv(t, func(cfg *Config, _ *limits.Config) {
			cfg.Bounds.Min = decimal.NewFromInt(10)
		})

		rec, err := e.orch.Process(ctx, validRequest(5))
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Equal(t, payout.StateFailed, rec.State)
		assert.Equal(t, payout.ReasonInvalidRequest, rec.Reason)

		// The guard was never consulted and the gateway never called.
		assert.True(t, e.guard.Snapshot().DailyUsed.IsZero())
		assert.Equal(t, 0, e.guard.Snapshot().Failures)
		assert.Equal(t, 0, e.gateway.submitCount())

		got, err := e.store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, payout.StateFailed, got.State)
	})

	t.Run("malformed address fails before anything else", func(t *testing.T) {
		e := newEnv(t, nil)
		req := validRequest(50)
		req.RecipientAddress = "not-a-tron-address"

		rec, err := e.orch.Process(ctx, req)
		require.ErrorIs(t, err, payout.ErrInvalidAddress)
		assert.Equal(t, payout.ReasonInvalidRequest, rec.Reason)
	})

	t.Run("kyc request routes to kyc router", func(t *testing.T) {
		e := newEnv(t, nil)
		req := validRequest(50)
		req.KYCVerified = true
		req.KYCHash = "a3f1c2d4e5b6a7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70"
		req.NodeID = "node-7"

		rec, err := e.orch.Process(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, router.KYC, rec.Router)
	})
}

func TestProcessLimitDenial(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(_ *Config, g *limits.Config) {
		g.HourlyLimit = decimal.NewFromInt(100)
	})

	rec, err := e.orch.Process(ctx, validRequest(200))
	require.Error(t, err)
	assert.True(t, IsLimitError(err))
	assert.Equal(t, payout.StateFailed, rec.State)
	assert.Equal(t, payout.ReasonLimitExceeded, rec.Reason)

	e.orch.Wait()
	assert.Equal(t, 0, e.gateway.submitCount())
	// A denial is not a breaker failure.
	assert.Equal(t, 0, e.guard.Snapshot().Failures)
}

func TestSubmitRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("transient errors are retried then succeed", func(t *testing.T) {
		e := newEnv(t, nil)
		e.gateway.submitErrs = []error{
			ledger.Transient(errors.New("timeout")),
			ledger.Transient(errors.New("connection reset")),
			nil,
		}

		rec, err := e.orch.Process(ctx, validRequest(50))
		require.NoError(t, err)
		e.orch.Wait()

		got, _ := e.store.Get(ctx, rec.ID)
		assert.Equal(t, payout.StateConfirming, got.State)
		assert.Equal(t, 3, e.gateway.submitCount())
		assert.Equal(t, 0, e.guard.Snapshot().Failures)
	})

	t.Run("exhausted retries count one breaker failure", func(t *testing.T) {
		e := newEnv(t, nil)
		e.gateway.submitErrs = []error{
			ledger.Transient(errors.New("timeout")),
			ledger.Transient(errors.New("timeout")),
			ledger.Transient(errors.New("timeout")),
		}

		rec, err := e.orch.Process(ctx, validRequest(50))
		require.NoError(t, err)
		e.orch.Wait()

		got, _ := e.store.Get(ctx, rec.ID)
		assert.Equal(t, payout.StateFailed, got.State)
		assert.Equal(t, payout.ReasonSubmitFailed, got.Reason)
		assert.Equal(t, 3, e.gateway.submitCount())
		assert.Equal(t, 1, e.guard.Snapshot().Failures)
	})

	t.Run("outright rejection is not retried", func(t *testing.T) {
		e := newEnv(t, nil)
		e.gateway.submitErrs = []error{ledger.ErrRejected}

		rec, err := e.orch.Process(ctx, validRequest(50))
		require.NoError(t, err)
		e.orch.Wait()

		got, _ := e.store.Get(ctx, rec.ID)
		assert.Equal(t, payout.StateFailed, got.State)
		assert.Equal(t, 1, e.gateway.submitCount())
		assert.Equal(t, 1, e.guard.Snapshot().Failures)
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *Config, g *limits.Config) {
		cfg.Retry.MaxAttempts = 1
		g.FailureThreshold = 5
	})

	for i := 0; i < 5; i++ {
		e.gateway.submitErrs = append(e.gateway.submitErrs, ledger.Transient(errors.New("down")))
	}
	for i := 0; i < 5; i++ {
		_, err := e.orch.Process(ctx, validRequest(10))
		require.NoError(t, err)
		e.orch.Wait()
	}
	assert.Equal(t, limits.StateOpen, e.guard.State())
	assert.Equal(t, 5, e.gateway.submitCount())

	// The sixth request is denied by the guard before any ledger call.
	rec, err := e.orch.Process(ctx, validRequest(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, limits.ErrBreakerOpen)
	assert.Equal(t, payout.ReasonLimitExceeded, rec.Reason)
	e.orch.Wait()
	assert.Equal(t, 5, e.gateway.submitCount())
}

func TestConfirmLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed payout books spend exactly once", func(t *testing.T) {
		e := newEnv(t, nil)
		rec, err := e.orch.Process(ctx, validRequest(75))
		require.NoError(t, err)
		e.orch.Wait()

		require.NoError(t, e.orch.MarkConfirmed(ctx, rec.ID, 19))

		got, _ := e.store.Get(ctx, rec.ID)
		assert.Equal(t, payout.StateConfirmed, got.State)
		assert.Equal(t, 19, got.Confirmations)

		snap := e.guard.Snapshot()
		assert.Equal(t, "75", snap.DailyUsed.String())
		assert.Equal(t, "75", snap.HourlyUsed.String())
	})

	t.Run("terminal states are absorbing", func(t *testing.T) {
		e := newEnv(t, nil)
		rec, err := e.orch.Process(ctx, validRequest(75))
		require.NoError(t, err)
		e.orch.Wait()
		require.NoError(t, e.orch.MarkConfirmed(ctx, rec.ID, 19))

		assert.ErrorIs(t, e.orch.MarkFailed(ctx, rec.ID, payout.ReasonOnChainRevert), store.ErrStateConflict)
		assert.ErrorIs(t, e.orch.MarkConfirmed(ctx, rec.ID, 20), store.ErrStateConflict)

		_, err = e.orch.Cancel(ctx, rec.ID)
		assert.ErrorIs(t, err, payout.ErrTerminal)

		got, _ := e.store.Get(ctx, rec.ID)
		assert.Equal(t, payout.StateConfirmed, got.State)
	})

	t.Run("ambiguous timeout does not press the breaker", func(t *testing.T) {
		e := newEnv(t, nil)
		rec, err := e.orch.Process(ctx, validRequest(75))
		require.NoError(t, err)
		e.orch.Wait()

		require.NoError(t, e.orch.MarkFailed(ctx, rec.ID, payout.ReasonTimeoutUnconfirmed))
		assert.Equal(t, 0, e.guard.Snapshot().Failures)

		got, _ := e.store.Get(ctx, rec.ID)
		assert.Equal(t, payout.ReasonTimeoutUnconfirmed, got.Reason)
	})

	t.Run("on-chain revert presses the breaker", func(t *testing.T) {
		e := newEnv(t, nil)
		rec, err := e.orch.Process(ctx, validRequest(75))
		require.NoError(t, err)
		e.orch.Wait()

		require.NoError(t, e.orch.MarkFailed(ctx, rec.ID, payout.ReasonOnChainRevert))
		assert.Equal(t, 1, e.guard.Snapshot().Failures)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending payout can be cancelled before pickup", func(t *testing.T) {
		e := newEnv(t, func(cfg *Config, _ *limits.Config) {
			cfg.MaxConcurrent = 1
		})
		gate := make(chan struct{})
		entered := make(chan struct{}, 1)
		e.gateway.gate = gate
		e.gateway.entered = entered

		// First payout occupies the single worker slot inside Submit.
		first, err := e.orch.Process(ctx, validRequest(10))
		require.NoError(t, err)
		<-entered

		// Second payout is stuck behind the semaphore, still PENDING.
		second, err := e.orch.Process(ctx, validRequest(10))
		require.NoError(t, err)

		cancelled, err := e.orch.Cancel(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, payout.StateCancelled, cancelled.State)

		close(gate)
		e.orch.Wait()

		// The cancelled payout never reached the ledger.
		got, _ := e.store.Get(ctx, second.ID)
		assert.Equal(t, payout.StateCancelled, got.State)
		assert.Empty(t, got.TxID)
		assert.Equal(t, 1, e.gateway.submitCount())

		gotFirst, _ := e.store.Get(ctx, first.ID)
		assert.Equal(t, payout.StateConfirming, gotFirst.State)
	})

	t.Run("submitted payout is not cancellable", func(t *testing.T) {
		e := newEnv(t, nil)
		rec, err := e.orch.Process(ctx, validRequest(10))
		require.NoError(t, err)
		e.orch.Wait()

		_, err = e.orch.Cancel(ctx, rec.ID)
		assert.ErrorIs(t, err, payout.ErrNotCancellable)
	})
}

func TestDuplicateReference(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	req := validRequest(20)
	req.ReferenceID = "invoice-42"

	first, err := e.orch.Process(ctx, req)
	require.NoError(t, err)
	e.orch.Wait()

	again, err := e.orch.Process(ctx, req)
	assert.ErrorIs(t, err, payout.ErrDuplicateReference)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	recs, err := e.store.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestTerminalHookFires(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	rec, err := e.orch.Process(ctx, validRequest(30))
	require.NoError(t, err)
	e.orch.Wait()
	require.NoError(t, e.orch.MarkConfirmed(ctx, rec.ID, 19))

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Len(t, e.terminals, 1)
	assert.Equal(t, payout.StateConfirmed, e.terminals[0].State)
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending record without submitting", func(t *testing.T) {
		e := newEnv(t, nil)
		req := validRequest(50)
		req.BatchType = payout.BatchHourly

		rec, err := e.orch.Prepare(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, payout.StatePending, rec.State)

		stored, err := e.orch.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, payout.StatePending, stored.State)

		e.orch.Wait()
		assert.Equal(t, 0, e.gateway.submitCount())
	})

	t.Run("surfaces validation errors with a persisted failed record", func(t *testing.T) {
		e := newEnv(t, nil)
		req := validRequest(50)
		req.BatchType = payout.BatchHourly
		req.RecipientAddress = "not-a-valid-address-at-all!!"

		rec, err := e.orch.Prepare(ctx, req)
		assert.ErrorIs(t, err, payout.ErrInvalidAddress)
		require.NotNil(t, rec)
		assert.Equal(t, payout.StateFailed, rec.State)
		assert.Equal(t, payout.ReasonInvalidRequest, rec.Reason)

		stored, gerr := e.orch.Get(ctx, rec.ID)
		require.NoError(t, gerr)
		assert.Equal(t, payout.StateFailed, stored.State)
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	prepare := func(t *testing.T, e *env, amount int64) *payout.Record {
		t.Helper()
		req := validRequest(amount)
		req.BatchType = payout.BatchHourly
		rec, err := e.orch.Prepare(ctx, req)
		require.NoError(t, err)
		return rec
	}

	t.Run("releases a pending payout to the ledger", func(t *testing.T) {
		e := newEnv(t, nil)
		e.gateway.txid = "tx-batch"
		rec := prepare(t, e, 50)

		require.NoError(t, e.orch.Dispatch(ctx, rec.ID))
		e.orch.Wait()

		stored, err := e.orch.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, payout.StateConfirming, stored.State)
		assert.Equal(t, "tx-batch", stored.TxID)
	})

	t.Run("limit denial fails the payout without a ledger call", func(t *testing.T) {
		e := newEnv(t, func(cfg *Config, guardCfg *limits.Config) {
			guardCfg.HourlyLimit = decimal.NewFromInt(40)
		})
		rec := prepare(t, e, 50)

		err := e.orch.Dispatch(ctx, rec.ID)
		assert.ErrorIs(t, err, limits.ErrHourlyLimitReached)
		assert.Equal(t, 0, e.gateway.submitCount())

		stored, gerr := e.orch.Get(ctx, rec.ID)
		require.NoError(t, gerr)
		assert.Equal(t, payout.StateFailed, stored.State)
		assert.Equal(t, payout.ReasonLimitExceeded, stored.Reason)
	})

	t.Run("cancelled payouts are left untouched", func(t *testing.T) {
		e := newEnv(t, nil)
		rec := prepare(t, e, 50)
		_, err := e.orch.Cancel(ctx, rec.ID)
		require.NoError(t, err)

		err = e.orch.Dispatch(ctx, rec.ID)
		assert.ErrorIs(t, err, payout.ErrTerminal)
		e.orch.Wait()
		assert.Equal(t, 0, e.gateway.submitCount())

		stored, gerr := e.orch.Get(ctx, rec.ID)
		require.NoError(t, gerr)
		assert.Equal(t, payout.StateCancelled, stored.State)
	})

	t.Run("unknown id", func(t *testing.T) {
		e := newEnv(t, nil)
		assert.ErrorIs(t, e.orch.Dispatch(ctx, uuid.New()), store.ErrNotFound)
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))

	jittered := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
