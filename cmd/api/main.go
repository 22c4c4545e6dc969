package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/dialer"
	"callbridge/internal/notify"
	"callbridge/internal/poller"
	"callbridge/internal/reconcile"
	"callbridge/internal/reporting"
	"callbridge/internal/session"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	carrier, err := newCarrier(cfg, log)
	if err != nil {
		log.Error("carrier init failed", "err", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	// Call state and lifecycle fan-out.
	store := calls.NewStore()
	hub := notify.NewHub(log.With("component", "notify"))
	rec := reconcile.New(store, hub, reconcile.Options{
		RemovalGrace: cfg.Calls.RemovalGrace,
		Logger:       log.With("component", "reconcile"),
	})
	sched := poller.New(carrier, rec, poller.Options{
		Policy: poller.Policy{
			FastInterval: cfg.Calls.PollFastInterval,
			FastCount:    cfg.Calls.PollFastCount,
			SlowInterval: cfg.Calls.PollSlowInterval,
			Ceiling:      cfg.Calls.PollCeiling,
			FetchTimeout: cfg.Calls.CarrierTimeout,
		},
		Logger: log.With("component", "poller"),
	})
	rec.UsePoller(sched)

	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	reportRepo := reporting.NewMemoryRepo()
	stream := notify.NewStream(log.With("component", "stream"), notify.OriginChecker(cfg.App.AllowedOrigins))

	opts := dialer.Options{
		Carrier:    carrier,
		Store:      store,
		Reconciler: rec,
		Poller:     sched,
		Audit:      auditSvc,
		EndTimeout: cfg.Calls.CarrierTimeout,
		Logger:     log.With("component", "dialer"),
	}
	if rdb != nil {
		hub.Subscribe("redis", notify.NewRedisPublisher(rdb, notify.DefaultChannel, log).Handle)
		if cfg.Calls.MaxConcurrentCalls > 0 {
			limiter, err := utils.NewConcurrencyCap(rdb, "calls:concurrency", cfg.Calls.MaxConcurrentCalls, cfg.Calls.PollCeiling+cfg.Calls.RemovalGrace)
			if err != nil {
				log.Error("concurrency cap init failed", "err", err)
				os.Exit(1)
			}
			opts.Limiter = limiter
		}
	}
	calling, err := dialer.NewService(opts)
	if err != nil {
		log.Error("dialer init failed", "err", err)
		os.Exit(1)
	}

	hub.Subscribe("dialer", calling.OnLifecycle)
	hub.Subscribe("audit", auditSvc.RecordLifecycle)
	hub.Subscribe("reporting", reportRepo.Record)
	hub.Subscribe("stream", stream.Handle)

	bridge := session.NewBridge(store, rec, session.DefaultClassifier, log.With("component", "session"))

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:     cfg,
		auth:    authManager,
		calls:   calling,
		reports: reporting.NewService(reportRepo),
		rec:     rec,
		bridge:  bridge,
		stream:  stream,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Placement may retry once against the carrier.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "twilio", cfg.UseTwilio())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_calls", store.Len(), "polling", sched.Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	sched.StopAll()
	rec.Close()
	stream.Close()
}

// newCarrier returns the Twilio adapter, or the in-memory sandbox when
// credentials are absent outside production.
func newCarrier(cfg config.Config, log *slog.Logger) (telephony.Carrier, error) {
	if !cfg.UseTwilio() {
		log.Warn("twilio credentials absent, using sandbox carrier")
		return telephony.NewSandboxCarrier(telephony.SandboxOptions{
			DefaultRegion: cfg.Calls.DefaultRegion,
			Progression: []calls.CarrierStatus{
				calls.CarrierStatusRinging,
				calls.CarrierStatusRinging,
				calls.CarrierStatusInProgress,
			},
		}), nil
	}
	return telephony.NewTwilioRestCarrier(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, telephony.TwilioOptions{
		FromNumber:        cfg.Twilio.FromNumber,
		StatusCallbackURL: cfg.StatusCallbackURL(),
		SIPHost:           cfg.LiveKit.SIPHost,
		DefaultRegion:     cfg.Calls.DefaultRegion,
		Timeout:           cfg.Calls.CarrierTimeout,
		RetryBackoff:      cfg.Calls.PlaceRetryBackoff,
		Logger:            log.With("component", "telephony"),
	})
}
