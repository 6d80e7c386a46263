package worker

import (
	"context"
	"time"

	syncsvc "pipeline_server/core/service/sync"
	"pipeline_server/pkg/logger"
)

// =============================================================================
// SyncDriver - timers that feed the scheduler
// =============================================================================
//
// Two loops: the scan loop asks the scheduler to sweep all active accounts,
// the retry loop re-triggers backed-off accounts the moment they become due.
// Both are thin; every decision lives in the scheduler.

type SyncDriver struct {
	scheduler    *syncsvc.Scheduler
	scanInterval time.Duration
	retryTick    time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewSyncDriver(scheduler *syncsvc.Scheduler, scanInterval, retryTick time.Duration) *SyncDriver {
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	if retryTick <= 0 {
		retryTick = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncDriver{
		scheduler:    scheduler,
		scanInterval: scanInterval,
		retryTick:    retryTick,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the scan and retry loops.
func (d *SyncDriver) Start() {
	logger.Info("[SyncDriver] Starting: scan every %v, retry check every %v", d.scanInterval, d.retryTick)
	go d.scanLoop()
	go d.retryLoop()
}

// Stop stops both loops.
func (d *SyncDriver) Stop() {
	logger.Info("[SyncDriver] Stopping...")
	d.cancel()
}

func (d *SyncDriver) scanLoop() {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	// Sweep once at startup so accounts do not wait a full interval.
	d.scan()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.scan()
		}
	}
}

func (d *SyncDriver) scan() {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	n, err := d.scheduler.Tick(ctx)
	if err != nil {
		logger.Error("[SyncDriver] Account scan failed: %v", err)
		return
	}
	if n > 0 {
		logger.Info("[SyncDriver] Dispatched %d sync jobs", n)
	}
}

func (d *SyncDriver) retryLoop() {
	ticker := time.NewTicker(d.retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, job := range d.scheduler.DueJobs() {
				if d.scheduler.TriggerAccount(d.ctx, job.AccountID) {
					logger.WithAccount(job.AccountID, "").
						Debug("[SyncDriver] Re-dispatched backed-off account (attempt %d)", job.Attempt)
				}
			}
		}
	}
}
