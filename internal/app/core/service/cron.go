package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// CronWorker is TickerWorker's calendar-cadence sibling: instead of a fixed
// Interval it fires Tick at each match of a standard five-field cron
// expression, recomputing the next fire time after every run so schedule
// and skew never drift.
type CronWorker struct {
	WorkerName string
	Expr       string
	Log        *logger.Logger
	Tick       TickFunc

	schedule cron.Schedule
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// NewCronWorker parses expr and builds a worker that fires Tick at every
// match.
func NewCronWorker(name, expr string, tick TickFunc, log *logger.Logger) (*CronWorker, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return &CronWorker{WorkerName: name, Expr: expr, Log: log, Tick: tick, schedule: schedule}, nil
}

// Name returns the worker's stable identifier.
func (w *CronWorker) Name() string { return w.WorkerName }

// Start begins the cron loop. Calling Start on an already-running worker is
// a no-op.
func (w *CronWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			next := w.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				w.Tick(runCtx)
			}
		}
	}()

	if w.Log != nil {
		w.Log.WithField("worker", w.WorkerName).WithField("cron", w.Expr).Info("worker started")
	}
	return nil
}

// Stop cancels the cron loop and waits for the in-flight tick to finish or
// ctx to expire, whichever comes first.
func (w *CronWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if w.Log != nil {
		w.Log.WithField("worker", w.WorkerName).Info("worker stopped")
	}
	return nil
}
