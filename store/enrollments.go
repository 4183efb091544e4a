package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dripline/engine"
	"dripline/models"
)

// Mutation applies one engine transition to an enrollment copy.
type Mutation func(e *models.Enrollment, steps []models.SequenceStep) (engine.Counter, error)

// EnrollOutcome describes what Enroll did.
type EnrollOutcome string

const (
	OutcomeCreated         EnrollOutcome = "enrolled"
	OutcomeReactivated     EnrollOutcome = "reactivated"
	OutcomeAlreadyEnrolled EnrollOutcome = "already_enrolled"
	OutcomeSkippedTerminal EnrollOutcome = "skipped_terminal"
)

// EnrollRequest asks for a subject to be enrolled into a sequence.
type EnrollRequest struct {
	SubjectID uint
	Sequence  *models.Sequence
	Now       time.Time
	Source    string

	// ReactivateTerminal restarts COMPLETED or EXITED enrollments.
	ReactivateTerminal bool
}

// EnrollResult is the outcome of an Enroll call.
type EnrollResult struct {
	Outcome    EnrollOutcome
	Enrollment *models.Enrollment
}

// Enrollments is the enrollment store.
type Enrollments struct {
	db         *gorm.DB
	catalog    *Catalog
	maxRetries int
}

// ListFilter narrows List results. Zero values are ignored.
type ListFilter struct {
	SubjectID  uint
	SequenceID uint
	Status     models.EnrollmentStatus
	Limit      int
	Offset     int
}

func (r *Enrollments) Get(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *Enrollments) Find(ctx context.Context, subjectID, sequenceID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := r.db.WithContext(ctx).
		Where("subject_id = ? AND sequence_id = ?", subjectID, sequenceID).
		First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *Enrollments) List(ctx context.Context, f ListFilter) ([]models.Enrollment, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Enrollment{})
	if f.SubjectID != 0 {
		q = q.Where("subject_id = ?", f.SubjectID)
	}
	if f.SequenceID != 0 {
		q = q.Where("sequence_id = ?", f.SequenceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []models.Enrollment
	err := q.Order("id ASC").Limit(limit).Offset(f.Offset).Find(&rows).Error
	return rows, total, err
}

// Enroll creates, reactivates or leaves alone the subject's enrollment. It is
// safe to call repeatedly and concurrently for the same pair.
func (r *Enrollments) Enroll(ctx context.Context, req EnrollRequest) (EnrollResult, error) {
	if req.Sequence == nil {
		return EnrollResult{}, fmt.Errorf("sequence is required")
	}
	steps := req.Sequence.Steps

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		existing, err := r.Find(ctx, req.SubjectID, req.Sequence.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			created, err := r.create(ctx, req)
			if errors.Is(err, errStale) {
				continue
			}
			if err != nil {
				return EnrollResult{}, err
			}
			return EnrollResult{Outcome: OutcomeCreated, Enrollment: created}, nil

		case err != nil:
			return EnrollResult{}, err

		case !existing.Status.IsTerminal():
			return EnrollResult{Outcome: OutcomeAlreadyEnrolled, Enrollment: existing}, nil

		case !req.ReactivateTerminal:
			return EnrollResult{Outcome: OutcomeSkippedTerminal, Enrollment: existing}, nil
		}

		updated, err := r.write(ctx, existing, steps, func(e *models.Enrollment, steps []models.SequenceStep) (engine.Counter, error) {
			return engine.Reactivate(e, steps, req.Now, req.Source)
		})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return EnrollResult{}, err
		}
		return EnrollResult{Outcome: OutcomeReactivated, Enrollment: updated}, nil
	}
	return EnrollResult{}, ErrConflict
}

func (r *Enrollments) create(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	e, counter := engine.NewEnrollment(req.SubjectID, req.Sequence.ID, req.Sequence.Steps, req.Now, req.Source)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		return bumpCounter(tx, e.SequenceID, counter)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Apply runs mutation against the latest row and writes it back atomically,
// re-reading and retrying when another writer got there first. Precondition
// errors from the mutation are returned unchanged and nothing is written.
func (r *Enrollments) Apply(ctx context.Context, id uint, mutation Mutation) (*models.Enrollment, error) {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		steps, err := r.catalog.Steps(ctx, current.SequenceID)
		if err != nil {
			return nil, err
		}
		updated, err := r.write(ctx, current, steps, mutation)
		if errors.Is(err, errStale) {
			continue
		}
		return updated, err
	}
	return nil, ErrConflict
}

// ApplyAt writes mutation only if the row still has snapshot's version. It
// does not retry; ErrConflict means someone else changed the row.
func (r *Enrollments) ApplyAt(ctx context.Context, snapshot *models.Enrollment, steps []models.SequenceStep, mutation Mutation) (*models.Enrollment, error) {
	updated, err := r.write(ctx, snapshot, steps, mutation)
	if errors.Is(err, errStale) {
		return nil, ErrConflict
	}
	return updated, err
}

func (r *Enrollments) write(ctx context.Context, current *models.Enrollment, steps []models.SequenceStep, mutation Mutation) (*models.Enrollment, error) {
	next := *current
	counter, err := mutation(&next, steps)
	if err != nil {
		return nil, err
	}
	if next.CurrentStepIndex < current.CurrentStepIndex && !current.Status.IsTerminal() {
		return nil, fmt.Errorf("enrollment %d: step index cannot move backwards", current.ID)
	}
	next.Version = current.Version + 1
	next.ClaimToken = ""
	next.ClaimExpiresAt = nil

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(stateColumns(&next))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		return bumpCounter(tx, next.SequenceID, counter)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Due returns ACTIVE enrollments whose next send time has passed and that are
// not held by a live claim.
func (r *Enrollments) Due(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	var rows []models.Enrollment
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_send_at IS NOT NULL AND next_send_at <= ?", models.EnrollmentActive, now.UTC()).
		Where("claim_expires_at IS NULL OR claim_expires_at < ?", now.UTC()).
		Order("next_send_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Claim marks e as being processed by token until the given time. It fails
// without error when the row changed since it was read, so overlapping ticks
// skip rows another tick already holds. On success e carries the new version.
func (r *Enrollments) Claim(ctx context.Context, e *models.Enrollment, token string, until time.Time) (bool, error) {
	until = until.UTC()
	res := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND version = ? AND status = ?", e.ID, e.Version, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"claim_token":      token,
			"claim_expires_at": until,
			"version":          e.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	e.Version++
	e.ClaimToken = token
	e.ClaimExpiresAt = &until
	return true, nil
}

func stateColumns(e *models.Enrollment) map[string]interface{} {
	return map[string]interface{}{
		"status":             e.Status,
		"current_step_index": e.CurrentStepIndex,
		"last_step_order":    e.LastStepOrder,
		"next_send_at":       e.NextSendAt,
		"enrolled_at":        e.EnrolledAt,
		"paused_at":          e.PausedAt,
		"completed_at":       e.CompletedAt,
		"exited_at":          e.ExitedAt,
		"exit_reason":        e.ExitReason,
		"source":             e.Source,
		"emails_received":    e.EmailsReceived,
		"delivery_attempts":  e.DeliveryAttempts,
		"last_error":         e.LastError,
		"version":            e.Version,
		"generation":         e.Generation,
		"claim_token":        e.ClaimToken,
		"claim_expires_at":   e.ClaimExpiresAt,
	}
}

func bumpCounter(tx *gorm.DB, sequenceID uint, counter engine.Counter) error {
	if counter == engine.CounterNone {
		return nil
	}
	column := string(counter)
	return tx.Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
}
