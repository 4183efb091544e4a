package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dripline/dispatch"
)

// Ticker is the part of the dispatch cycle the worker drives.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (dispatch.Result, error)
}

// DispatchWorker runs the dispatch cycle on a fixed interval.
type DispatchWorker struct {
	cycle      Ticker
	interval   time.Duration
	startDelay time.Duration
	log        *logrus.Entry
}

func NewDispatchWorker(cycle Ticker, interval, startDelay time.Duration, logger *logrus.Logger) *DispatchWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &DispatchWorker{
		cycle:      cycle,
		interval:   interval,
		startDelay: startDelay,
		log:        logger.WithField("component", "dispatch_worker"),
	}
}

// Start blocks until ctx is cancelled. A tick that outlasts the interval
// delays the next one rather than overlapping it.
func (w *DispatchWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	if w.startDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.startDelay):
		}
	}

	w.log.WithField("interval", w.interval.String()).Info("Dispatch worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *DispatchWorker) tick(ctx context.Context) {
	if _, err := w.cycle.Tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
		w.log.WithError(err).Error("Dispatch tick failed")
	}
}
