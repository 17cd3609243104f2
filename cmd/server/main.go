// Command server runs the taglink gateway: the anti-abuse front door and the
// OTP-gated activation/update state machine for scannable tags.
//
// main wires dependencies and keeps the lifecycle small; business logic lives
// in the internal services.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	abusemetrics "taglink/internal/abuse/metrics"
	abusemw "taglink/internal/abuse/middleware"
	abuseservice "taglink/internal/abuse/service"
	"taglink/internal/abuse/store/counter"
	"taglink/internal/audit"
	httpapi "taglink/internal/http"
	"taglink/internal/notify"
	"taglink/internal/otp"
	"taglink/internal/platform/config"
	"taglink/internal/platform/httpserver"
	"taglink/internal/platform/logger"
	platformpg "taglink/internal/platform/postgres"
	platformredis "taglink/internal/platform/redis"
	taghandler "taglink/internal/tag/handler"
	tagmetrics "taglink/internal/tag/metrics"
	tagservice "taglink/internal/tag/service"
	tagstore "taglink/internal/tag/store"
	memorystore "taglink/internal/tag/store/memory"
	pgstore "taglink/internal/tag/store/postgres"
	"taglink/internal/token"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	// Counter store: Redis when configured, in-process otherwise. The client
	// is constructed once here and passed by reference; nothing reaches for a
	// global connection.
	var counterStore counter.Store
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	readiness := map[string]httpapi.HealthCheck{}
	if redisClient != nil {
		defer redisClient.Close()
		counterStore = counter.NewRedis(redisClient.Client)
		readiness["redis"] = redisClient.Health
	} else {
		log.Warn("redis not configured, using in-memory counter store")
		counterStore = counter.NewMemory()
		readiness["redis"] = nil
	}

	// Tag/owner store: Postgres when configured, in-memory otherwise.
	var tags tagstore.Store
	pool, err := platformpg.New(ctx, cfg.Postgres)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			log.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		tags = store
		readiness["postgres"] = store.Health
	} else {
		log.Warn("postgres not configured, using in-memory tag store")
		tags = memorystore.New()
		readiness["postgres"] = nil
	}

	auditInbox := make(chan audit.Event, 256)
	auditWorker := audit.NewWorker(audit.NewMemoryStore(4096), auditInbox, log)
	auditPublisher := audit.NewPublisher(auditInbox, log)

	guard, err := abuseservice.New(counterStore, cfg.Abuse,
		abuseservice.WithLogger(log),
		abuseservice.WithMetrics(abusemetrics.New(prometheus.DefaultRegisterer)),
		abuseservice.WithAudit(auditPublisher),
	)
	if err != nil {
		log.Error("abuse guard init failed", "error", err)
		os.Exit(1)
	}

	tagSvc, err := tagservice.New(
		tags,
		otp.New(cfg.OTP),
		token.New(cfg.Token.SigningKey, cfg.Token.TTL),
		notify.NewLog(log),
		tagservice.WithLogger(log),
		tagservice.WithMetrics(tagmetrics.New(prometheus.DefaultRegisterer)),
		tagservice.WithAudit(auditPublisher),
	)
	if err != nil {
		log.Error("tag service init failed", "error", err)
		os.Exit(1)
	}

	router := httpapi.New(httpapi.Deps{
		Tags:      taghandler.New(tagSvc, log),
		Guard:     abusemw.New(guard, log),
		GlobalRPS: cfg.Abuse.GlobalRPS,
		Readiness: readiness,
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		log.Info("starting taglink gateway", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		err := auditWorker.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("gateway stopped")
}
