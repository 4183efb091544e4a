// Package engine holds the enrollment state machine. Every change to an
// enrollment's status, step index or schedule goes through one of the
// transitions below; callers persist the mutated row together with the
// returned counter increment.
package engine

import (
	"time"

	"dripline/models"
)

// Op names a transition.
type Op string

const (
	OpEnroll     Op = "enroll"
	OpReactivate Op = "reactivate"
	OpPause      Op = "pause"
	OpResume     Op = "resume"
	OpExit       Op = "exit"
	OpForward    Op = "forward"
	OpComplete   Op = "complete"
	OpDelivered  Op = "delivered"
	OpFailed     Op = "delivery_failed"
)

// Counter is the sequence aggregate column a transition increments.
type Counter string

const (
	CounterNone      Counter = ""
	CounterEnrolled  Counter = "total_enrolled"
	CounterCompleted Counter = "total_completed"
	CounterExited    Counter = "total_exited"
)

// Exit reasons set by the engine itself.
const (
	ExitReasonDeliveryFailed = "delivery_failed"
	ExitReasonUnsubscribed   = "unsubscribed"
	ExitReasonManual         = "manual"
)

// CurrentStep returns the enrollment's pending step: the first active step
// ordered after the last one it moved past. False means no step is left.
func CurrentStep(e *models.Enrollment, steps []models.SequenceStep) (models.SequenceStep, bool) {
	for _, step := range models.ActiveSteps(steps) {
		if e.LastStepOrder == nil || step.Order > *e.LastStepOrder {
			return step, true
		}
	}
	return models.SequenceStep{}, false
}

// NewEnrollment builds the initial ACTIVE row for a first-time enrollment.
func NewEnrollment(subjectID, sequenceID uint, steps []models.SequenceStep, now time.Time, source string) (models.Enrollment, Counter) {
	now = now.UTC()
	e := models.Enrollment{
		SubjectID:  subjectID,
		SequenceID: sequenceID,
		Status:     models.EnrollmentActive,
		EnrolledAt: now,
		Source:     source,
	}
	e.NextSendAt = nextSendAt(&e, steps, now)
	return e, CounterEnrolled
}

// Reactivate restarts a terminal enrollment from the first step.
func Reactivate(e *models.Enrollment, steps []models.SequenceStep, now time.Time, source string) (Counter, error) {
	if !e.Status.IsTerminal() {
		return CounterNone, precondition(OpReactivate, e.Status, "enrollment is still in progress")
	}
	now = now.UTC()
	e.Status = models.EnrollmentActive
	e.CurrentStepIndex = 0
	e.LastStepOrder = nil
	e.Generation++
	e.EnrolledAt = now
	e.PausedAt = nil
	e.CompletedAt = nil
	e.ExitedAt = nil
	e.ExitReason = ""
	e.DeliveryAttempts = 0
	e.LastError = ""
	if source != "" {
		e.Source = source
	}
	e.NextSendAt = nextSendAt(e, steps, now)
	return CounterEnrolled, nil
}

// Pause stops automatic sends. The step index is preserved.
func Pause(e *models.Enrollment, now time.Time) (Counter, error) {
	if e.Status != models.EnrollmentActive {
		return CounterNone, precondition(OpPause, e.Status, "only ACTIVE enrollments can be paused")
	}
	now = now.UTC()
	e.Status = models.EnrollmentPaused
	e.PausedAt = &now
	e.NextSendAt = nil
	return CounterNone, nil
}

// Resume reactivates a paused enrollment. The current step's full delay is
// measured again from the resume moment.
func Resume(e *models.Enrollment, steps []models.SequenceStep, now time.Time) (Counter, error) {
	if e.Status != models.EnrollmentPaused {
		return CounterNone, precondition(OpResume, e.Status, "only PAUSED enrollments can be resumed")
	}
	now = now.UTC()
	e.Status = models.EnrollmentActive
	e.PausedAt = nil
	e.NextSendAt = nextSendAt(e, steps, now)
	return CounterNone, nil
}

// Exit ends the enrollment early.
func Exit(e *models.Enrollment, now time.Time, reason string) (Counter, error) {
	if e.Status.IsTerminal() {
		return CounterNone, precondition(OpExit, e.Status, "enrollment already finished")
	}
	now = now.UTC()
	if reason == "" {
		reason = ExitReasonManual
	}
	e.Status = models.EnrollmentExited
	e.ExitedAt = &now
	e.ExitReason = reason
	e.PausedAt = nil
	e.NextSendAt = nil
	return CounterExited, nil
}

// Forward moves the enrollment past its pending step. Forwarding past the
// last active step completes the enrollment, leaving the index one past the
// last step.
func Forward(e *models.Enrollment, steps []models.SequenceStep, now time.Time) (Counter, error) {
	if e.Status.IsTerminal() {
		return CounterNone, precondition(OpForward, e.Status, "enrollment already finished")
	}
	now = now.UTC()
	if current, ok := CurrentStep(e, steps); ok {
		order := current.Order
		e.LastStepOrder = &order
	}
	e.CurrentStepIndex++
	e.PausedAt = nil

	step, ok := CurrentStep(e, steps)
	if !ok {
		e.Status = models.EnrollmentCompleted
		e.CompletedAt = &now
		e.NextSendAt = nil
		return CounterCompleted, nil
	}
	e.Status = models.EnrollmentActive
	at := now.Add(step.Delay())
	e.NextSendAt = &at
	return CounterNone, nil
}

// Complete finishes an ACTIVE enrollment whose current step no longer exists,
// without moving the index.
func Complete(e *models.Enrollment, now time.Time) (Counter, error) {
	if e.Status != models.EnrollmentActive {
		return CounterNone, precondition(OpComplete, e.Status, "only ACTIVE enrollments can be completed")
	}
	now = now.UTC()
	e.Status = models.EnrollmentCompleted
	e.CompletedAt = &now
	e.NextSendAt = nil
	return CounterCompleted, nil
}

// Delivered records a successful send of the current step and advances.
func Delivered(e *models.Enrollment, steps []models.SequenceStep, now time.Time) (Counter, error) {
	if e.Status != models.EnrollmentActive {
		return CounterNone, precondition(OpDelivered, e.Status, "only ACTIVE enrollments receive deliveries")
	}
	e.EmailsReceived++
	e.DeliveryAttempts = 0
	e.LastError = ""
	return Forward(e, steps, now)
}

// RetryPolicy decides what happens after a failed delivery.
type RetryPolicy struct {
	// MaxAttempts exits the enrollment after this many consecutive failures.
	// Zero retries forever.
	MaxAttempts int

	// Backoff is the base delay before the next attempt, doubled per failure
	// and capped at MaxBackoff. Zero leaves NextSendAt unchanged so the next
	// tick retries.
	Backoff time.Duration

	MaxBackoff time.Duration
}

// DeliveryFailed records a failed send. The step index never moves here.
func DeliveryFailed(e *models.Enrollment, now time.Time, cause error, policy RetryPolicy) (Counter, error) {
	if e.Status != models.EnrollmentActive {
		return CounterNone, precondition(OpFailed, e.Status, "only ACTIVE enrollments receive deliveries")
	}
	e.DeliveryAttempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	if policy.MaxAttempts > 0 && e.DeliveryAttempts >= policy.MaxAttempts {
		return Exit(e, now, ExitReasonDeliveryFailed)
	}
	if delay := policy.delay(e.DeliveryAttempts); delay > 0 {
		at := now.UTC().Add(delay)
		e.NextSendAt = &at
	}
	return CounterNone, nil
}

func (p RetryPolicy) delay(attempts int) time.Duration {
	if p.Backoff <= 0 || attempts <= 0 {
		return 0
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = 24 * time.Hour
	}
	d := p.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func nextSendAt(e *models.Enrollment, steps []models.SequenceStep, now time.Time) *time.Time {
	at := now
	if step, ok := CurrentStep(e, steps); ok {
		at = now.Add(step.Delay())
	}
	return &at
}
