// Package backfill enrolls subjects whose trigger history qualifies them for
// a sequence but who were never enrolled, for example because an event was
// dropped upstream.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dripline/models"
	"dripline/store"
)

// ErrInactiveSequence is returned when reconciling a sequence that is switched off.
var ErrInactiveSequence = errors.New("sequence is not active")

// Criteria selects what to reconcile.
type Criteria struct {
	SequenceID uint   `json:"sequence_id"`
	Slug       string `json:"slug"`

	// ReactivateTerminal restarts COMPLETED or EXITED enrollments of
	// qualifying subjects. By default they are left untouched.
	ReactivateTerminal bool `json:"reactivate_terminal"`

	// Since limits the scan to history recorded at or after this time.
	Since *time.Time `json:"since,omitempty"`

	BatchSize int `json:"batch_size" validate:"omitempty,min=1,max=5000"`
}

// Result summarises a reconcile run.
type Result struct {
	Sequence string `json:"sequence"`
	Checked  int    `json:"checked"`
	Enrolled int    `json:"enrolled"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}

// Reconciler re-derives enrollments from subject history.
type Reconciler struct {
	store *store.Store
	log   *logrus.Entry
	now   func() time.Time
}

func NewReconciler(st *store.Store, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		store: st,
		log:   logger.WithField("component", "backfill"),
		now:   time.Now,
	}
}

// WithClock replaces the reconciler's time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile pages through qualifying subjects and enrolls the missing ones
// through the same idempotent path the trigger matcher uses, so repeated runs
// are safe.
func (r *Reconciler) Reconcile(ctx context.Context, c Criteria) (Result, error) {
	seq, err := r.sequence(ctx, c)
	if err != nil {
		return Result{}, err
	}
	result := Result{Sequence: seq.Slug}
	if !seq.IsActive {
		return result, fmt.Errorf("%s: %w", seq.Slug, ErrInactiveSequence)
	}

	batch := c.BatchSize
	if batch <= 0 {
		batch = 500
	}
	log := r.log.WithField("sequence", seq.Slug)

	var after uint
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		page, err := r.store.Subjects.Qualifying(ctx, store.QualifyQuery{
			Sequence: seq,
			Since:    c.Since,
			AfterID:  after,
			Limit:    batch,
		})
		if err != nil {
			return result, fmt.Errorf("scan qualifying subjects: %w", err)
		}

		for _, cand := range page {
			after = cand.SubjectID
			result.Checked++

			if cand.Status != nil {
				terminal := models.EnrollmentStatus(*cand.Status).IsTerminal()
				if !terminal || !c.ReactivateTerminal {
					result.Skipped++
					continue
				}
			}

			res, err := r.store.Enrollments.Enroll(ctx, store.EnrollRequest{
				SubjectID:          cand.SubjectID,
				Sequence:           seq,
				Now:                r.now(),
				Source:             "backfill",
				ReactivateTerminal: c.ReactivateTerminal,
			})
			if err != nil {
				result.Errors++
				log.WithError(err).WithField("subject_id", cand.SubjectID).Error("backfill enrollment failed")
				continue
			}
			switch res.Outcome {
			case store.OutcomeCreated, store.OutcomeReactivated:
				result.Enrolled++
			default:
				result.Skipped++
			}
		}

		if len(page) < batch {
			break
		}
	}

	log.WithFields(logrus.Fields{
		"checked":  result.Checked,
		"enrolled": result.Enrolled,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
	}).Info("backfill finished")
	return result, nil
}

func (r *Reconciler) sequence(ctx context.Context, c Criteria) (*models.Sequence, error) {
	switch {
	case c.SequenceID != 0:
		return r.store.Catalog.Get(ctx, c.SequenceID)
	case c.Slug != "":
		return r.store.Catalog.GetBySlug(ctx, c.Slug)
	default:
		return nil, fmt.Errorf("sequence id or slug is required")
	}
}
