package bootstrap

import (
	"context"
	"os"
	"sync"

	"pipeline_server/adapter/in/worker"
	"pipeline_server/config"
	syncsvc "pipeline_server/core/service/sync"

	"github.com/rs/zerolog"
)

// Worker runs the sync pipeline: the driver feeds the scheduler, the
// scheduler dispatches into the pool, the pool executes sync cycles.
type Worker struct {
	pool      *worker.Pool
	scheduler *syncsvc.Scheduler
	driver    *worker.SyncDriver
	deps      *Dependencies

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	zlog   zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewWorkerWithDeps(cfg, deps), cleanup, nil
}

// NewWorkerWithDeps builds a worker on an existing dependency graph, so the
// all-in-one mode shares connections with the API instead of opening a
// second set.
func NewWorkerWithDeps(cfg *config.Config, deps *Dependencies) *Worker {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	// The pool, scheduler, and processor form a cycle (scheduler dispatches
	// into the pool, the pool reports outcomes back to the scheduler), so the
	// handler starts empty and is bound once the chain is complete.
	handler := worker.NewHandler(nil)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.PoolSize > 0 {
		poolConfig.Workers = cfg.PoolSize
	}
	if cfg.PoolQueueSize > 0 {
		poolConfig.QueueSize = cfg.PoolQueueSize
	}
	pool := worker.NewPool(handler, poolConfig, zlog)

	dispatcher := worker.NewPoolDispatcher(pool)
	scheduler := syncsvc.NewScheduler(deps.Registry, dispatcher, deps.Debouncer, BackoffFromConfig(cfg))
	processor := worker.NewSyncProcessor(deps.Orchestrator, scheduler)
	handler.Bind(processor)

	driver := worker.NewSyncDriver(scheduler, cfg.SyncInterval, cfg.RetryTickPeriod)

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		pool:      pool,
		scheduler: scheduler,
		driver:    driver,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		zlog:      zlog,
	}
}

// Start runs the pool and the sync driver, then blocks until Stop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pool.Start()
	}()

	w.driver.Start()
	w.zlog.Info().Msg("sync worker started")

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	w.driver.Stop()
	w.pool.Stop()
	w.wg.Wait()
}

func (w *Worker) Scheduler() *syncsvc.Scheduler {
	return w.scheduler
}

func (w *Worker) Pool() *worker.Pool {
	return w.pool
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
