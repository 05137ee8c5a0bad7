// Command server is the Collaborative Coding Service Backend Core's
// composition root: it constructs every long-lived component exactly
// once, wires them together, serves HTTP+WebSocket, and tears everything
// down in parallel on SIGTERM/SIGINT the way the teacher's own run()
// does (spec §9 "process-wide state with explicit init/teardown").
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/e2b-dev/collab-core/internal/cfg"
	"github.com/e2b-dev/collab-core/internal/crdt"
	"github.com/e2b-dev/collab-core/internal/httpapi"
	"github.com/e2b-dev/collab-core/internal/logger"
	"github.com/e2b-dev/collab-core/internal/presence"
	"github.com/e2b-dev/collab-core/internal/queue"
	"github.com/e2b-dev/collab-core/internal/ratelimit"
	"github.com/e2b-dev/collab-core/internal/sandbox"
	"github.com/e2b-dev/collab-core/internal/store"
	"github.com/e2b-dev/collab-core/internal/supervisor"
	"github.com/e2b-dev/collab-core/internal/wsapi"
)

const (
	createWindow = 15 * time.Minute
	createMax    = 5
	joinWindow   = time.Minute
	joinMax      = 20

	presenceSweepInterval = time.Minute

	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	writeTimeout      = 75 * time.Second
	idleTimeout       = 120 * time.Second

	shutdownTimeout = 30 * time.Second
	shutdownDelay   = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config, err := cfg.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "parsing config:", err)
		return 1
	}

	l, err := logger.New(logger.Config{ServiceName: "collab-core", IsDebug: config.AppEnv != "production"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		return 1
	}
	defer l.Sync()
	logger.ReplaceGlobals(l)

	dbPool, err := store.Open(ctx, config.DatabaseURL)
	if err != nil {
		l.Fatal(ctx, "opening database", zap.Error(err))
	}
	defer dbPool.Close()

	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		l.Fatal(ctx, "invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	runner, err := sandbox.NewRunner(config.SandboxImage, "")
	if err != nil {
		l.Fatal(ctx, "constructing sandbox runner", zap.Error(err))
	}
	defer runner.Close()

	jobs := store.NewJobStore(dbPool)
	rooms := store.NewRoomStore(dbPool)

	pool := sandbox.NewPool(runner, config.MaxConcurrentSandboxes, jobs)

	submitRateWindow := time.Duration(config.RateLimitWindowMs) * time.Millisecond
	submitLimiter := ratelimit.New(rdb, "compile-submit", config.RateLimitMax, submitRateWindow)
	dispatcher := queue.New(rdb, submitLimiter, jobs, pool, config.MaxExecutionTimeMs, config.RateLimitMax, submitRateWindow)

	sup := supervisor.New(jobs, dispatcher, config.JobRetentionDays)

	hub := wsapi.NewHub()
	sessions := crdt.NewSessionManager(rooms, hub)
	presenceTracker := presence.New()

	router := httpapi.NewRouter(httpapi.Deps{
		Rooms:         rooms,
		Sessions:      sessions,
		Presence:      presenceTracker,
		Queue:         dispatcher,
		DB:            dbPool,
		Redis:         rdb,
		CreateLimiter: ratelimit.New(rdb, "room-create", createMax, createWindow),
		JoinLimiter:   ratelimit.New(rdb, "room-join", joinMax, joinWindow),
		Logger:        l,
	})
	router.GET(wsapi.Path, wsapi.Handler(wsapi.Deps{
		Rooms:    rooms,
		Sessions: sessions,
		Presence: presenceTracker,
		Hub:      hub,
	}))

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", config.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	presenceStop := make(chan struct{})
	go presenceTracker.RunSweeper(presenceSweepInterval, presenceStop)

	pool.StartReaper(ctx)

	workersDone := make(chan error, 1)
	go func() { workersDone <- dispatcher.StartWorkers(ctx, config.QueueWorkers) }()

	go sup.Run(ctx)

	exitCode := &atomic.Int32{}
	cleanupFns := []func(context.Context) error{
		func(context.Context) error {
			close(presenceStop)
			return nil
		},
		func(shutdownCtx context.Context) error {
			pool.Shutdown(shutdownCtx)
			return nil
		},
	}

	cleanupOnce := &sync.Once{}
	cleanup := func() {
		cleanupOnce.Do(func() {
			cctx, ccancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer ccancel()

			cwg := &sync.WaitGroup{}
			for idx := range cleanupFns {
				if fn := cleanupFns[idx]; fn != nil {
					cwg.Add(1)
					go func(op func(context.Context) error, idx int) {
						defer cwg.Done()
						if err := op(cctx); err != nil {
							exitCode.Add(1)
							l.Error(cctx, "cleanup operation error", zap.Int("index", idx), zap.Error(err))
						}
					}(fn, idx)
				}
			}
			cwg.Wait()
		})
	}
	defer cleanup()

	signalCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer sigCancel()

	wg := &sync.WaitGroup{}

	wg.Go(func() {
		defer cancel()

		l.Info(ctx, "http service starting", zap.Int("port", config.Port))
		err := server.ListenAndServe()
		switch {
		case errors.Is(err, http.ErrServerClosed):
			l.Info(ctx, "http service shut down")
		case err != nil:
			exitCode.Add(1)
			l.Error(ctx, "http service error", zap.Error(err))
		}
	})

	wg.Go(func() {
		<-signalCtx.Done()
		l.Info(ctx, "shutdown signal received")

		time.Sleep(shutdownDelay)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			exitCode.Add(1)
			l.Error(ctx, "http service shutdown error", zap.Error(err))
		}
	})

	wg.Wait()
	cancel()

	if err := <-workersDone; err != nil {
		l.Warn(ctx, "queue workers exited with error", zap.Error(err))
	}

	return int(exitCode.Load())
}
