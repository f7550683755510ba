package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/config"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/credential"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/httpapi"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/intake"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/persister"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/queue"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/registry"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/store/pg"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/stream"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/tally"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is the storage the services share. Postgres when a DSN is
// configured, process memory otherwise.
type backend interface {
	election.Elections
	credential.IssuerStore
	credential.ValidatorStore
	intake.Store
	persister.Store
	tally.Store
}

type queueBackend interface {
	queue.Queue
	httpapi.DeadLetterLister
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	admins, err := auth.NewVerifier(cfg.AuthSecret)
	if err != nil {
		log.Fatalf("auth secret: %v", err)
	}
	members, err := registry.NewVerifier(cfg.RegistrySecret, cfg.RegistryIssuer)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	var (
		store    backend
		auditDst audit.Store
		q        queueBackend
		probe    httpapi.ReadyProbe
		closers  []func() error
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		closers = append(closers, pgStore.Close)
		opts := []pg.QueueOption{pg.WithVisibility(cfg.QueueVisibility)}
		if cfg.QueueNotify {
			n, err := pg.NewNotifier(cfg.PGDSN, pg.NotifyChannel)
			if err != nil {
				log.Fatalf("queue notifier: %v", err)
			}
			closers = append(closers, n.Close)
			opts = append(opts, pg.WithWaker(n))
		}
		store, auditDst, probe = pgStore, pgStore, httpapi.ReadyProbe{DB: pgStore.DB()}
		q = pg.NewQueue(pgStore.DB(), opts...)
	} else {
		obs.Warn("no_database_configured", map[string]any{"detail": "using in-memory storage; data is lost on exit"})
		store, auditDst = election.NewInMemory(), audit.NewInMemory()
		q = queue.NewMemory(cfg.QueueVisibility, nil)
	}

	auditLog := audit.NewLog(auditDst, nil)
	questions := election.NewQuestionCache(store, cfg.QuestionCacheSize)
	turnout := stream.New()

	issuer, err := credential.NewIssuer(store, auditLog, []byte(cfg.MemberPepper),
		credential.WithTTL(cfg.CredentialTTL),
		credential.WithMemberRateLimit(cfg.CredentialRatePerS, cfg.CredentialRateBurst),
	)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}
	validator := credential.NewValidator(store, auditLog, nil)
	elections := election.NewService(store, auditLog, nil)

	svc := httpapi.Services{
		Elections:   elections,
		Issuer:      issuer,
		Intake:      intake.NewService(store, questions, validator, q, auditLog, intake.Config{Timeout: cfg.IntakeTimeout}),
		Tally:       tally.NewService(store, q, auditLog, tally.Config{DrainTimeout: cfg.CloseDrainTimeout, Settle: cfg.CloseSettle}),
		DeadLetters: q,
		Turnout:     turnout,
		Members:     members,
		Admins:      admins,
	}
	api := httpapi.New(probe, version, svc,
		httpapi.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	p := persister.New(q, store, questions, turnout, auditLog, persister.Config{
		Workers:     cfg.PersisterWorkers,
		MaxAttempts: cfg.PersisterMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	workers.Add(2)
	go func() {
		defer workers.Done()
		p.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		elections.RunScheduler(workerCtx, cfg.SchedulerInterval)
	}()

	health := httpapi.NewGRPCHealth(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	healthCtx, cancelHealth := context.WithCancel(context.Background())
	go health.Run(healthCtx, 5*time.Second)
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	// No WriteTimeout: turnout streams are long-lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.Info("service_started", map[string]any{
		"version": version,
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
		"config":  cfg.String(),
	})

	<-ctx.Done()
	obs.Info("service_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	cancelHealth()
	grpcServer.GracefulStop()

	// Queued ballots stay in the queue and are picked up on restart.
	cancelWorkers()
	workers.Wait()

	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i]()
	}
	obs.Info("service_stopped", nil)
}
