// Package dispatch runs the periodic cycle that delivers due sequence steps
// and advances enrollments.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dripline/delivery"
	"dripline/engine"
	"dripline/models"
	"dripline/store"
)

// Config contains dispatch cycle configuration.
type Config struct {
	// BatchSize bounds how many due enrollments one tick selects.
	// Default: 100.
	BatchSize int

	// Concurrency limits how many enrollments are processed at once.
	// Default: 10.
	Concurrency int

	// Timeout bounds a whole tick.
	// Default: 2 minutes.
	Timeout time.Duration

	// SendTimeout bounds a single delivery.
	// Default: 30 seconds.
	SendTimeout time.Duration

	// ClaimTTL is how long a claimed row stays hidden from other ticks.
	// Default: 5 minutes.
	ClaimTTL time.Duration

	// Retry decides what happens after a failed delivery.
	Retry engine.RetryPolicy
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		Concurrency: 10,
		Timeout:     2 * time.Minute,
		SendTimeout: 30 * time.Second,
		ClaimTTL:    5 * time.Minute,
		Retry: engine.RetryPolicy{
			MaxAttempts: 5,
			Backoff:     time.Minute,
			MaxBackoff:  24 * time.Hour,
		},
	}
}

// writeTimeout bounds state writes that follow a send, which run even if the
// tick's own deadline has passed.
const writeTimeout = 10 * time.Second

// Result summarises one tick.
type Result struct {
	Processed int           `json:"processed"`
	Sent      int           `json:"sent"`
	Recovered int           `json:"recovered"`
	Completed int           `json:"completed"`
	Exited    int           `json:"exited"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

type counters struct {
	processed, sent, recovered, completed, exited, skipped, errors atomic.Int64
}

// Cycle selects due enrollments, claims them, delivers their current step and
// advances them through the engine.
type Cycle struct {
	cfg      Config
	store    *store.Store
	channel  delivery.Channel
	renderer delivery.Renderer
	log      *logrus.Entry

	mu        sync.RWMutex
	observers []func(Result)
}

func NewCycle(cfg Config, st *store.Store, channel delivery.Channel, renderer delivery.Renderer, logger *logrus.Logger) *Cycle {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cycle{
		cfg:      cfg,
		store:    st,
		channel:  channel,
		renderer: renderer,
		log:      logger.WithField("component", "dispatch"),
	}
}

// OnTick registers fn to receive every tick result.
func (c *Cycle) OnTick(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Tick processes the enrollments due at now. Per-enrollment failures are
// logged and counted; the returned error only reports a failed selection.
func (c *Cycle) Tick(ctx context.Context, now time.Time) (Result, error) {
	now = now.UTC()
	started := time.Now()
	result := Result{StartedAt: now}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	due, err := c.store.Enrollments.Due(ctx, now, c.cfg.BatchSize)
	if err != nil {
		c.log.WithError(err).Error("select due enrollments")
		return result, err
	}

	var n counters
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i := range due {
		e := due[i]
		g.Go(func() error {
			c.process(ctx, now, e, &n)
			return nil
		})
	}
	_ = g.Wait()

	result.Processed = int(n.processed.Load())
	result.Sent = int(n.sent.Load())
	result.Recovered = int(n.recovered.Load())
	result.Completed = int(n.completed.Load())
	result.Exited = int(n.exited.Load())
	result.Skipped = int(n.skipped.Load())
	result.Errors = int(n.errors.Load())
	result.Duration = time.Since(started)

	if len(due) > 0 {
		c.log.WithFields(logrus.Fields{
			"due":       len(due),
			"processed": result.Processed,
			"sent":      result.Sent,
			"skipped":   result.Skipped,
			"errors":    result.Errors,
			"duration":  result.Duration.String(),
		}).Info("tick finished")
	}

	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(result)
	}
	return result, nil
}

func (c *Cycle) process(ctx context.Context, now time.Time, e models.Enrollment, n *counters) {
	log := c.log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"sequence_id":   e.SequenceID,
		"subject_id":    e.SubjectID,
		"step_index":    e.CurrentStepIndex,
	})

	claimed, err := c.store.Enrollments.Claim(ctx, &e, uuid.NewString(), now.Add(c.cfg.ClaimTTL))
	if err != nil {
		n.errors.Add(1)
		log.WithError(err).Error("claim enrollment")
		return
	}
	if !claimed {
		n.skipped.Add(1)
		return
	}
	n.processed.Add(1)

	steps, err := c.store.Catalog.Steps(ctx, e.SequenceID)
	if err != nil {
		n.errors.Add(1)
		log.WithError(err).Error("load sequence steps")
		return
	}

	step, ok := engine.CurrentStep(&e, steps)
	if !ok {
		if c.advance(ctx, log, &e, steps, func(e *models.Enrollment, _ []models.SequenceStep) (engine.Counter, error) {
			return engine.Complete(e, now)
		}) {
			n.completed.Add(1)
		} else {
			n.errors.Add(1)
		}
		return
	}

	subject, err := c.store.Subjects.Get(ctx, e.SubjectID)
	if errors.Is(err, store.ErrNotFound) {
		// Not a delivery failure: no attempt is spent and the claim holds the
		// enrollment back until it expires.
		n.skipped.Add(1)
		log.Warn("subject not registered, send deferred")
		return
	}
	if err != nil {
		n.errors.Add(1)
		log.WithError(err).Error("load subject")
		return
	}
	if subject.IsUnsubscribed {
		if c.advance(ctx, log, &e, steps, func(e *models.Enrollment, _ []models.SequenceStep) (engine.Counter, error) {
			return engine.Exit(e, now, engine.ExitReasonUnsubscribed)
		}) {
			n.exited.Add(1)
		} else {
			n.errors.Add(1)
		}
		return
	}

	key := models.DeliveryKey(e.ID, e.Generation, step.Order)
	log = log.WithField("idempotency_key", key)

	existing, err := c.store.Deliveries.FindByKey(ctx, key)
	if err != nil {
		n.errors.Add(1)
		log.WithError(err).Error("check delivery record")
		return
	}
	if existing != nil {
		// Sent before, but the advance that followed was lost.
		if c.delivered(ctx, log, &e, steps, now, n) {
			n.recovered.Add(1)
		}
		return
	}

	content, err := c.renderer.Render(step, subject, key)
	if err != nil {
		n.errors.Add(1)
		log.WithError(err).Error("render step")
		c.fail(ctx, log, &e, steps, now, err, n)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	res := c.channel.Send(sendCtx, delivery.Request{
		SubjectID:      e.SubjectID,
		EnrollmentID:   e.ID,
		StepOrder:      step.Order,
		IdempotencyKey: key,
		To:             subject.Email,
		ToName:         subject.FirstName,
		Content:        content,
	})
	cancel()

	if !res.Success {
		if errors.Is(res.Err, delivery.ErrInFlight) {
			// Another send of this step may still complete; retry once the
			// claim expires without spending an attempt.
			n.skipped.Add(1)
			log.Info("delivery in flight, send deferred")
			return
		}
		cause := res.Err
		if cause == nil {
			cause = errors.New("delivery channel reported failure")
		}
		n.errors.Add(1)
		log.WithError(cause).Warn("delivery failed")
		c.fail(ctx, log, &e, steps, now, cause, n)
		return
	}

	n.sent.Add(1)
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer wcancel()
	if err := c.store.Deliveries.Record(wctx, &models.DeliveryRecord{
		EnrollmentID:      e.ID,
		SubjectID:         e.SubjectID,
		SequenceID:        e.SequenceID,
		Generation:        e.Generation,
		StepOrder:         step.Order,
		IdempotencyKey:    key,
		ExternalMessageID: res.ExternalMessageID,
		SentAt:            now,
	}); err != nil {
		log.WithError(err).Error("record delivery")
	}

	c.delivered(wctx, log, &e, steps, now, n)
}

func (c *Cycle) delivered(ctx context.Context, log *logrus.Entry, e *models.Enrollment, steps []models.SequenceStep, now time.Time, n *counters) bool {
	var completed bool
	ok := c.advance(ctx, log, e, steps, func(e *models.Enrollment, steps []models.SequenceStep) (engine.Counter, error) {
		counter, err := engine.Delivered(e, steps, now)
		completed = counter == engine.CounterCompleted
		return counter, err
	})
	if !ok {
		n.errors.Add(1)
		return false
	}
	if completed {
		n.completed.Add(1)
	}
	return true
}

func (c *Cycle) fail(ctx context.Context, log *logrus.Entry, e *models.Enrollment, steps []models.SequenceStep, now time.Time, cause error, n *counters) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var exited bool
	c.advance(wctx, log, e, steps, func(e *models.Enrollment, _ []models.SequenceStep) (engine.Counter, error) {
		counter, err := engine.DeliveryFailed(e, now, cause, c.cfg.Retry)
		exited = counter == engine.CounterExited
		return counter, err
	})
	if exited {
		n.exited.Add(1)
		log.Warn("delivery attempts exhausted, enrollment exited")
	}
}

// advance writes mutation against the claimed snapshot. A conflict means a
// manual action changed the row mid-tick; that action wins.
func (c *Cycle) advance(ctx context.Context, log *logrus.Entry, e *models.Enrollment, steps []models.SequenceStep, mutation store.Mutation) bool {
	_, err := c.store.Enrollments.ApplyAt(ctx, e, steps, mutation)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrConflict):
		log.Info("enrollment changed during tick, leaving it to the newer write")
	case engine.IsPrecondition(err):
		log.WithError(err).Warn("transition rejected")
	default:
		log.WithError(err).Error("write enrollment")
	}
	return false
}
