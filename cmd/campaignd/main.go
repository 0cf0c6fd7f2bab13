package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"campaignd/internal/alert"
	"campaignd/internal/awsutil"
	"campaignd/internal/config"
	"campaignd/internal/domain"
	"campaignd/internal/httpapi"
	"campaignd/internal/httpserver"
	"campaignd/internal/instance"
	"campaignd/internal/logging"
	"campaignd/internal/observability"
	"campaignd/internal/providers/gateway"
	sqsqueue "campaignd/internal/queue/sqs"
	"campaignd/internal/rotation"
	"campaignd/internal/scheduler"
	"campaignd/internal/service"
	"campaignd/internal/store/memory"
	"campaignd/internal/store/pg"
	"campaignd/internal/util"
	"campaignd/internal/webhook"
	"campaignd/internal/worker"
)

// engineStore is the full store surface the engine consumes; both the pg and
// memory implementations satisfy it.
type engineStore interface {
	scheduler.Store
	worker.Store
	webhook.Store
	service.Store
	alert.Store
	instance.Store
	httpserver.InstanceStore
}

func main() {
	cfg := config.LoadEngine()
	logging.Init("campaignd", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store engineStore
		db    *pgxpool.Pool
	)
	if cfg.DBDSN != "" {
		var err error
		db, err = pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MaxConnLifetime: cfg.DBConnLife,
		})
		if err != nil {
			slog.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pg.Migrate(startupCtx, db); err != nil {
			startupCancel()
			slog.Error("db migrate failed", "err", err)
			os.Exit(1)
		}
		startupCancel()
		store = pg.New(db)
	} else {
		slog.Warn("DB_DSN not set, running on the in-memory store")
		store = memory.New()
	}

	observability.Register(prometheus.DefaultRegisterer)

	clock := util.SystemClock{}

	gw := &gateway.Client{
		BaseURL: cfg.GatewayBaseURL,
		Token:   cfg.GatewayToken,
		HTTP:    &http.Client{Timeout: cfg.WorkerSendTimeout},
	}
	pool := instance.NewPool(store, func(inst domain.Instance) instance.Connector {
		return gw.Instance(inst.ID)
	}, clock)
	if err := pool.Load(ctx); err != nil {
		slog.Error("load instances failed", "err", err)
		os.Exit(1)
	}

	var events *sqsqueue.Publisher
	if cfg.SQSEventQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("sqs client init failed", "err", err)
			os.Exit(1)
		}
		events = &sqsqueue.Publisher{SQS: sqsClient, QueueURL: cfg.SQSEventQueueURL, Clock: clock}
	}

	var alertPub alert.Publisher
	if events != nil {
		alertPub = events
	}
	emitter := alert.NewEmitter(store, alertPub, clock, cfg.FailureWindowSize, cfg.FailureThreshold)

	sched := scheduler.New(store, pool, rotation.New(), emitter, clock, scheduler.Config{
		TickInterval:           cfg.TickInterval,
		AssignWait:             cfg.AssignWait,
		CancelAbandonsInFlight: cfg.CancelAbandonsInFlight,
	})
	if events != nil {
		sched.SetEventPublisher(events)
	}

	workers := worker.NewPool(store, pool, emitter, clock, worker.Config{
		IdleWait:    cfg.WorkerIdleWait,
		ClaimStale:  cfg.WorkerClaimStale,
		SendTimeout: cfg.WorkerSendTimeout,
	})

	reconciler := webhook.NewReconciler(store, pool, emitter, clock)

	engine := &service.Engine{Store: store, Commands: sched, Instances: pool}
	admin := httpserver.New()
	api := &httpserver.API{Engine: engine}
	api.Register(admin.Mux)
	hook := &httpserver.Webhook{Store: store, Reconciler: reconciler}
	hook.Register(admin.Mux)

	adminSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(httpserver.Metrics(observability.APIRequests)(admin.Mux)),
	}

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	readyChecks := []httpapi.ReadyzCheck{}
	if db != nil {
		readyChecks = append(readyChecks, httpapi.ReadyzCheck{
			Name:  "postgres",
			Probe: func(c context.Context) error { return db.Ping(c) },
		})
	}
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, readyChecks...))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: httpapi.Logging(healthMux),
	}

	errCh := make(chan error, 4)
	go func() {
		slog.Info("admin api listening", "port", cfg.Port)
		errCh <- adminSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		errCh <- healthSrv.ListenAndServe()
	}()
	go func() { errCh <- workers.Run(ctx) }()
	go func() {
		slog.Info("scheduler running", "tick", cfg.TickInterval.String())
		errCh <- sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed && err != context.Canceled {
			slog.Error("engine component failed", "err", err)
			cancel()
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("engine shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
}
