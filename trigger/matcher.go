// Package trigger turns tag and milestone events into enrollments.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dripline/models"
	"dripline/store"
	"dripline/utils"
)

// ErrInvalidEvent wraps validation failures of an incoming event.
var ErrInvalidEvent = errors.New("invalid trigger event")

// MatchStatus reports what happened for one matching sequence.
type MatchStatus struct {
	SequenceID   uint                `json:"sequence_id"`
	Slug         string              `json:"slug"`
	Status       store.EnrollOutcome `json:"status,omitempty"`
	EnrollmentID uint                `json:"enrollment_id,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// MatchResult is the outcome of one event.
type MatchResult struct {
	Enrolled int           `json:"enrolled"`
	Matches  []MatchStatus `json:"matches"`
}

// Matcher finds the active sequences an event triggers and enrolls the subject
// into each of them.
type Matcher struct {
	store *store.Store
	log   *logrus.Entry
	now   func() time.Time
}

func NewMatcher(st *store.Store, logger *logrus.Logger) *Matcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Matcher{
		store: st,
		log:   logger.WithField("component", "trigger"),
		now:   time.Now,
	}
}

// WithClock replaces the matcher's time source.
func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

// OnEvent records the occurrence in the subject's history and enrolls the
// subject into every active sequence it triggers. A failure on one sequence is
// reported in its MatchStatus and does not stop the others.
func (m *Matcher) OnEvent(ctx context.Context, ev models.TriggerEvent) (MatchResult, error) {
	result := MatchResult{Matches: []MatchStatus{}}
	if err := utils.ValidateStruct(ev); err != nil {
		return result, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	now := m.now().UTC()
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	log := m.log.WithFields(logrus.Fields{
		"subject_id": ev.SubjectID,
		"event_kind": ev.EventKind,
		"source":     ev.Source,
	})

	if p := ev.Subject; p != nil {
		subject := models.Subject{Email: p.Email, FirstName: p.FirstName, LastName: p.LastName, Company: p.Company}
		subject.ID = ev.SubjectID
		if _, err := m.store.Subjects.Save(ctx, &subject); err != nil {
			return result, fmt.Errorf("save subject %d: %w", ev.SubjectID, err)
		}
	}

	var sequences []models.Sequence
	switch ev.EventKind {
	case models.EventTagAdded:
		if _, err := m.store.Catalog.GetTag(ctx, ev.TagID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.WithField("tag_id", ev.TagID).Warn("unknown tag, event skipped")
				return result, nil
			}
			return result, fmt.Errorf("lookup tag %d: %w", ev.TagID, err)
		}
		if err := m.store.Subjects.RecordTag(ctx, ev.SubjectID, ev.TagID, ev.Source, occurredAt); err != nil {
			return result, fmt.Errorf("record tag: %w", err)
		}
		seqs, err := m.store.Catalog.ActiveByTag(ctx, ev.TagID)
		if err != nil {
			return result, fmt.Errorf("find sequences for tag %d: %w", ev.TagID, err)
		}
		sequences = seqs

	case models.EventMilestoneReached:
		if err := m.store.Subjects.RecordMilestone(ctx, ev.SubjectID, ev.MilestoneID, ev.Source, occurredAt); err != nil {
			return result, fmt.Errorf("record milestone: %w", err)
		}
		seqs, err := m.store.Catalog.ActiveByTriggerType(ctx, ev.MilestoneID)
		if err != nil {
			return result, fmt.Errorf("find sequences for milestone %s: %w", ev.MilestoneID, err)
		}
		sequences = seqs
	}

	for i := range sequences {
		seq := &sequences[i]
		status := MatchStatus{SequenceID: seq.ID, Slug: seq.Slug}

		res, err := m.store.Enrollments.Enroll(ctx, store.EnrollRequest{
			SubjectID:          ev.SubjectID,
			Sequence:           seq,
			Now:                now,
			Source:             ev.Source,
			ReactivateTerminal: true,
		})
		if err != nil {
			status.Error = err.Error()
			log.WithError(err).WithField("sequence", seq.Slug).Error("enrollment failed")
			result.Matches = append(result.Matches, status)
			continue
		}

		status.Status = res.Outcome
		status.EnrollmentID = res.Enrollment.ID
		if res.Outcome == store.OutcomeCreated || res.Outcome == store.OutcomeReactivated {
			result.Enrolled++
			log.WithFields(logrus.Fields{
				"sequence":      seq.Slug,
				"enrollment_id": res.Enrollment.ID,
				"outcome":       res.Outcome,
			}).Info("subject enrolled")
		}
		result.Matches = append(result.Matches, status)
	}

	return result, nil
}
