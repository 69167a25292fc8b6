package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payoutengine/internal/batch"
	"github.com/terminal-bench/payoutengine/internal/config"
	"github.com/terminal-bench/payoutengine/internal/idempotency"
	"github.com/terminal-bench/payoutengine/internal/ledger"
	"github.com/terminal-bench/payoutengine/internal/limits"
	"github.com/terminal-bench/payoutengine/internal/logger"
	"github.com/terminal-bench/payoutengine/internal/monitor"
	"github.com/terminal-bench/payoutengine/internal/notify"
	"github.com/terminal-bench/payoutengine/internal/orchestrator"
	"github.com/terminal-bench/payoutengine/internal/payout"
	"github.com/terminal-bench/payoutengine/internal/store"
	"github.com/terminal-bench/payoutengine/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slogger := logger.Setup(cfg.LogLevel)

	minAmount := mustDecimal(cfg.MinAmount, "PAYOUT_MIN_AMOUNT")
	maxAmount := mustDecimal(cfg.MaxAmount, "PAYOUT_MAX_AMOUNT")
	feePercent := mustDecimal(cfg.FeePercent, "PAYOUT_FEE_PERCENT")
	dailyLimit := mustDecimal(cfg.DailyLimit, "PAYOUT_DAILY_LIMIT")
	hourlyLimit := mustDecimal(cfg.HourlyLimit, "PAYOUT_HOURLY_LIMIT")
	batchMinAmount := mustDecimal(cfg.BatchMinAmount, "BATCH_MIN_AMOUNT")

	var natsClient *messaging.Client
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "payoutd",
			ReconnectWait:  time.Second,
			MaxReconnects:  5,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
	}
	publisher := notify.NewPublisher(natsClient, slogger)

	guard := limits.NewGuard(limits.Config{
		DailyLimit:       dailyLimit,
		HourlyLimit:      hourlyLimit,
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		OnStateChange: func(from, to limits.BreakerState) {
			slogger.Warn("breaker state changed", "from", from, "to", to)
			publisher.BreakerStateChanged(from, to)
		},
	})

	var st store.Store = store.NewMemory()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		st = store.NewPostgres(db)
	}

	var dedup orchestrator.Deduper = idempotency.NewMemory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		dedup = idempotency.NewRedis(rdb, cfg.ReferenceTTL)
	}

	gateway := ledger.NewTronClient(ledger.TronClientOptions{BaseURL: cfg.TronNodeURL})

	orch := orchestrator.New(orchestrator.Config{
		Bounds:        payout.Bounds{Min: minAmount, Max: maxAmount},
		FeePercent:    feePercent,
		MaxConcurrent: cfg.MaxConcurrent,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryJitter,
		},
	}, guard, gateway, st, dedup, orchestrator.Hooks{
		OnTerminal:  publisher.PayoutTerminal,
		OnSubmitted: publisher.PayoutSubmitted,
	}, slogger)

	scheduler := batch.NewScheduler(batch.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MinAmount:    batchMinAmount,
		Tick:         cfg.SchedulerTick,
		OnDispatched: publisher.BatchDispatched,
	}, orch, slogger)

	mon := monitor.New(monitor.Config{
		PollInterval:          cfg.PollInterval,
		ConfirmationThreshold: cfg.ConfirmationThreshold,
		NotFoundGrace:         cfg.NotFoundGrace,
		ConfirmTimeout:        cfg.ConfirmTimeout,
		PayoutDeadline:        cfg.PayoutDeadline,
	}, gateway, st, orch, slogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	go mon.Run(ctx)

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		health := gin.H{"status": "healthy"}
		if natsClient != nil {
			health["nats_connected"] = natsClient.IsConnected()
		}
		c.JSON(http.StatusOK, health)
	})

	r.POST("/api/v1/payouts", func(c *gin.Context) {
		var req payout.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.BatchType == "" {
			req.BatchType = payout.BatchImmediate
		}

		if req.BatchType != payout.BatchImmediate {
			rec, batchID, err := scheduler.Enqueue(c.Request.Context(), req)
			switch {
			case err == nil:
				c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "batch_type": req.BatchType, "payout": rec})
			case err == payout.ErrDuplicateReference:
				c.JSON(http.StatusOK, rec)
			case orchestrator.IsValidationError(err), err == batch.ErrBelowBatchFloor:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "payout": rec})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		rec, err := orch.Process(c.Request.Context(), req)
		switch {
		case err == nil:
			c.JSON(http.StatusCreated, rec)
		case err == payout.ErrDuplicateReference:
			c.JSON(http.StatusOK, rec)
		case orchestrator.IsValidationError(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "payout": rec})
		case orchestrator.IsLimitError(err):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "payout": rec})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	r.GET("/api/v1/payouts/:payout_id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("payout_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
			return
		}
		rec, err := orch.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	r.POST("/api/v1/payouts/:payout_id/cancel", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("payout_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
			return
		}
		rec, err := orch.Cancel(c.Request.Context(), id)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, rec)
		case err == payout.ErrNotCancellable || err == payout.ErrTerminal:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "payout": rec})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "payout not found"})
		}
	})

	r.POST("/api/v1/batches", func(c *gin.Context) {
		var req struct {
			BatchType payout.BatchType `json:"batch_type"`
			Payouts   []payout.Request `json:"payouts"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !req.BatchType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch type"})
			return
		}
		batchID, accepted, err := scheduler.SubmitBatch(c.Request.Context(), req.BatchType, req.Payouts)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      err.Error(),
				"batch_id":   batchID,
				"payout_ids": accepted,
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "payout_ids": accepted, "total": len(req.Payouts)})
	})

	r.GET("/api/v1/batches/:batch_id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("batch_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
			return
		}
		b, err := scheduler.Get(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusOK, b)
	})

	r.GET("/api/v1/wallet/balance", func(c *gin.Context) {
		if cfg.HotWallet == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "hot wallet not configured"})
			return
		}
		asset := payout.Asset(c.DefaultQuery("asset", string(payout.AssetUSDT)))
		if !asset.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset"})
			return
		}
		balance, err := gateway.GetBalance(c.Request.Context(), cfg.HotWallet, asset)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": cfg.HotWallet, "asset": asset, "balance": balance})
	})

	r.GET("/api/v1/stats", func(c *gin.Context) {
		stats, err := orch.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()
	slogger.Info("payoutd listening", "port", cfg.Port)

	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slogger.Error("server shutdown failed", "error", err)
	}
	orch.Wait()
	if natsClient != nil {
		if err := natsClient.Drain(); err != nil {
			slogger.Warn("failed to drain NATS connection", "error", err)
		}
	}
}

func mustDecimal(s, name string) decimal.Decimal {
	d, err := config.Decimal(s, name)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return d
}
