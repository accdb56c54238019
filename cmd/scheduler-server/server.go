package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/booking"
	"github.com/ehr/scheduler/internal/domain/calendar"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/db"
	"github.com/ehr/scheduler/internal/platform/events"
	"github.com/ehr/scheduler/internal/platform/jobs"
	"github.com/ehr/scheduler/internal/platform/kv"
	"github.com/ehr/scheduler/internal/platform/middleware"
	"github.com/ehr/scheduler/internal/platform/validate"
)

const (
	storageMemory   = "memory"
	storagePostgres = "postgres"
	shutdownTimeout = 10 * time.Second
)

// kvStore is a key/value store that can also be health-checked.
type kvStore interface {
	kv.Store
	db.Pinger
}

// server holds the wired HTTP stack and everything that must be closed on exit.
type server struct {
	echo    *echo.Echo
	jobs    *jobs.Runner
	sched   *scheduling.Service
	closers []io.Closer
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

type closerFunc func()

func (f closerFunc) Close() error { f(); return nil }

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, memory bool) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.Close()
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	// Storage
	var (
		pool    *pgxpool.Pool
		depts   scheduling.DepartmentRepository
		doctors scheduling.DoctorRepository
		appts   scheduling.AppointmentRepository
		mode    = storagePostgres
	)
	if memory {
		mode = storageMemory
		depts = scheduling.NewMemoryDepartmentRepo()
		doctors = scheduling.NewMemoryDoctorRepo()
		appts = scheduling.NewMemoryAppointmentRepo()
		logger.Warn().Msg("using in-memory storage; data is lost on exit")
	} else {
		pool, err = db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		srv.closers = append(srv.closers, closerFunc(pool.Close))
		depts = scheduling.NewDepartmentRepoPG(pool)
		doctors = scheduling.NewDoctorRepoPG(pool)
		appts = scheduling.NewAppointmentRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	// Key/value store for idempotency keys, booking sessions and locks
	var store kvStore
	var memStore *kv.MemoryStore
	if cfg.RedisURL != "" {
		rs, err := kv.NewRedisStore(ctx, cfg.RedisURL, "scheduler:")
		if err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		srv.closers = append(srv.closers, rs)
		store = rs
		logger.Info().Msg("connected to redis")
	} else {
		memStore = kv.NewMemoryStore()
		store = memStore
	}

	// Domain events
	var pub events.Publisher = events.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		rp, err := events.NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fail(fmt.Errorf("connect to rabbitmq: %w", err))
		}
		srv.closers = append(srv.closers, rp)
		pub = rp
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to rabbitmq")
	}

	schedCfg := scheduling.Config{
		Resolver:       cfg.Resolver(),
		Catalog:        scheduling.DefaultSlotCatalog(),
		Location:       loc,
		MissedGrace:    cfg.MissedGrace,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	srv.sched = scheduling.NewService(depts, doctors, appts, store, pub, schedCfg, logger)
	bookingSvc := booking.NewService(srv.sched, store, booking.Config{
		SessionTTL:    cfg.BookingSessionTTL,
		SubmitTimeout: cfg.SubmitTimeout,
	}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Sanitize(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderContentType, middleware.RequestIDHeader, scheduling.IdempotencyKeyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health"))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	scheduling.NewHandler(srv.sched).RegisterRoutes(apiV1)
	calendar.NewHandler(srv.sched).RegisterRoutes(apiV1)
	booking.NewHandler(bookingSvc).RegisterRoutes(apiV1)

	e.GET("/health", db.Liveness(mode))
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/health/kv", db.CheckHandler(store, nil))
	srv.echo = e

	// Periodic jobs
	runner := jobs.NewRunner(store, logger)
	if memStore != nil {
		err = runner.Add(jobs.Job{
			Name: "kv-sweep",
			Spec: cfg.JobSweepSchedule,
			Run: func(context.Context) error {
				if n := memStore.Sweep(); n > 0 {
					logger.Debug().Int("removed", n).Msg("swept expired keys")
				}
				return nil
			},
		})
		if err != nil {
			return fail(err)
		}
	}
	err = runner.Add(jobs.Job{
		Name: "missed-appointments",
		Spec: cfg.JobMissedSchedule,
		Run: func(ctx context.Context) error {
			n, err := srv.sched.ReportMissed(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int("count", n).Msg("reported missed appointments")
			}
			return nil
		},
	})
	if err != nil {
		return fail(err)
	}
	srv.jobs = runner

	return srv, nil
}

func runServer(cfg *config.Config, memory bool) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger, memory)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer srv.Close()

	srv.jobs.Start(ctx)
	defer srv.jobs.Stop()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

var (
	_ kvStore = (*kv.MemoryStore)(nil)
	_ kvStore = (*kv.RedisStore)(nil)
)
