package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dripline/models"
)

// Subjects reads subject records and writes their trigger history.
type Subjects struct {
	db *gorm.DB
}

func (s *Subjects) Get(ctx context.Context, id uint) (*models.Subject, error) {
	var subject models.Subject
	if err := s.db.WithContext(ctx).First(&subject, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &subject, nil
}

func (s *Subjects) Create(ctx context.Context, subject *models.Subject) error {
	return s.db.WithContext(ctx).Create(subject).Error
}

// Save creates or updates a subject's profile. A subject with an id is keyed
// by it, so upstream systems can keep their own ids; otherwise the email
// decides. The unsubscribe flag is left alone on update.
func (s *Subjects) Save(ctx context.Context, subject *models.Subject) (created bool, err error) {
	subject.Email = strings.ToLower(strings.TrimSpace(subject.Email))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Subject
		query := tx.Where("email = ?", subject.Email)
		if subject.ID != 0 {
			query = tx.Where("id = ?", subject.ID)
		}
		err := query.First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			return tx.Create(subject).Error
		case err != nil:
			return err
		}

		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"email":      subject.Email,
			"first_name": subject.FirstName,
			"last_name":  subject.LastName,
			"company":    subject.Company,
		}).Error; err != nil {
			return err
		}
		var stored models.Subject
		if err := tx.First(&stored, existing.ID).Error; err != nil {
			return err
		}
		*subject = stored
		return nil
	})
	return created, err
}

// SetUnsubscribed flips the subject's unsubscribe flag. Dispatch exits the
// subject's active enrollments on their next due step.
func (s *Subjects) SetUnsubscribed(ctx context.Context, id uint, unsubscribed bool) (*models.Subject, error) {
	res := s.db.WithContext(ctx).Model(&models.Subject{}).Where("id = ?", id).
		Update("is_unsubscribed", unsubscribed)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// ImportResult counts the outcome of a bulk subject import.
type ImportResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Import saves each subject in turn. A failing row is reported and does not
// stop the rest.
func (s *Subjects) Import(ctx context.Context, subjects []models.Subject) ImportResult {
	var result ImportResult
	for i := range subjects {
		created, err := s.Save(ctx, &subjects[i])
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d (%s): %v", i+1, subjects[i].Email, err))
		case created:
			result.Created++
		default:
			result.Updated++
		}
	}
	return result
}

// RecordTag stores that the subject carries the tag. Repeats are ignored.
func (s *Subjects) RecordTag(ctx context.Context, subjectID, tagID uint, source string, at time.Time) error {
	row := models.SubjectTag{SubjectID: subjectID, TagID: tagID, Source: source, AddedAt: at.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// RecordMilestone stores that the subject reached the milestone. Repeats are ignored.
func (s *Subjects) RecordMilestone(ctx context.Context, subjectID uint, milestone, source string, at time.Time) error {
	row := models.SubjectMilestone{SubjectID: subjectID, Milestone: milestone, Source: source, ReachedAt: at.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Candidate is a subject that qualifies for a sequence, with its current
// enrollment if it has one.
type Candidate struct {
	SubjectID    uint
	EnrollmentID *uint
	Status       *string
}

// QualifyQuery selects subjects whose history satisfies a sequence's trigger.
type QualifyQuery struct {
	Sequence *models.Sequence
	Since    *time.Time
	AfterID  uint
	Limit    int
}

// Qualifying pages through subjects that carry the sequence's trigger tag or
// reached its trigger milestone, ordered by subject id.
func (s *Subjects) Qualifying(ctx context.Context, q QualifyQuery) ([]Candidate, error) {
	var parts []string
	var args []interface{}

	if q.Sequence.TriggerTagID != nil {
		part := "SELECT subject_id FROM subject_tags WHERE tag_id = ? AND deleted_at IS NULL"
		args = append(args, *q.Sequence.TriggerTagID)
		if q.Since != nil {
			part += " AND added_at >= ?"
			args = append(args, q.Since.UTC())
		}
		parts = append(parts, part)
	}
	if q.Sequence.TriggerType != "" {
		part := "SELECT subject_id FROM subject_milestones WHERE milestone = ? AND deleted_at IS NULL"
		args = append(args, q.Sequence.TriggerType)
		if q.Since != nil {
			part += " AND reached_at >= ?"
			args = append(args, q.Since.UTC())
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `
        SELECT q.subject_id AS subject_id, e.id AS enrollment_id, e.status AS status
        FROM (` + strings.Join(parts, " UNION ") + `) q
        LEFT JOIN enrollments e
            ON e.subject_id = q.subject_id AND e.sequence_id = ? AND e.deleted_at IS NULL
        WHERE q.subject_id > ?
        ORDER BY q.subject_id ASC
        LIMIT ?`
	args = append(args, q.Sequence.ID, q.AfterID, limit)

	var out []Candidate
	err := s.db.WithContext(ctx).Raw(query, args...).Scan(&out).Error
	return out, err
}
