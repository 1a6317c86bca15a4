package service

import (
	"context"
	"sync"
	"time"

	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// TickFunc is one worker's periodic unit of work.
type TickFunc func(ctx context.Context)

// TickerWorker provides the ticker-driven start/stop lifecycle shared by the
// coordinator's background workers: a named loop that calls Tick on Interval
// until Stop cancels it.
type TickerWorker struct {
	WorkerName     string
	Interval       time.Duration
	Log            *logger.Logger
	Tick           TickFunc
	RunImmediately bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Name returns the worker's stable identifier.
func (w *TickerWorker) Name() string { return w.WorkerName }

// Start begins the ticker loop. Calling Start on an already-running worker
// is a no-op.
func (w *TickerWorker) Start(ctx context.Context) error {
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
		if w.RunImmediately {
			w.Tick(runCtx)
		}
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.Tick(runCtx)
			}
		}
	}()

	if w.Log != nil {
		w.Log.WithField("worker", w.WorkerName).Info("worker started")
	}
	return nil
}

// Stop cancels the ticker loop and waits for the in-flight tick to finish or
// ctx to expire, whichever comes first.
func (w *TickerWorker) Stop(ctx context.Context) error {
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
