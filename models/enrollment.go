package models

import (
	"time"

	"gorm.io/gorm"
)

// EnrollmentStatus is the state of an Enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentPaused    EnrollmentStatus = "PAUSED"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentExited    EnrollmentStatus = "EXITED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentExited
}

// Enrollment tracks one subject's progress through one sequence. Rows are never
// deleted; terminal rows are reused when the subject is triggered again.
type Enrollment struct {
	gorm.Model
	SubjectID  uint `gorm:"not null;uniqueIndex:idx_enrollment_subject_sequence" json:"subject_id"`
	SequenceID uint `gorm:"not null;uniqueIndex:idx_enrollment_subject_sequence;index" json:"sequence_id"`

	// State
	Status           EnrollmentStatus `gorm:"type:varchar(16);not null;index:idx_enrollment_due,priority:1" json:"status"`
	CurrentStepIndex int              `gorm:"not null;default:0" json:"current_step_index"`
	NextSendAt       *time.Time       `gorm:"index:idx_enrollment_due,priority:2" json:"next_send_at"`

	// LastStepOrder is the Order of the step the enrollment last moved past,
	// sent or forwarded, in this generation. Nil until the first one. The
	// pending step is the first active step ordered after it, so toggling
	// steps never shifts an enrollment back or skips one it has not reached.
	LastStepOrder *int `json:"last_step_order"`

	// Lifecycle timestamps
	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	PausedAt    *time.Time `json:"paused_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ExitedAt    *time.Time `json:"exited_at"`
	ExitReason  string     `json:"exit_reason"`
	Source      string     `json:"source"`

	// Delivery statistics
	EmailsReceived int `gorm:"default:0" json:"emails_received"`
	EmailsOpened   int `gorm:"default:0" json:"emails_opened"`
	EmailsClicked  int `gorm:"default:0" json:"emails_clicked"`

	// Delivery retry bookkeeping
	DeliveryAttempts int    `gorm:"default:0" json:"delivery_attempts"`
	LastError        string `json:"last_error,omitempty"`

	// Concurrency control
	Version        int        `gorm:"not null;default:0" json:"version"`
	Generation     int        `gorm:"not null;default:0" json:"generation"`
	ClaimToken     string     `gorm:"index" json:"-"`
	ClaimExpiresAt *time.Time `json:"-"`

	// Relations
	Sequence *Sequence `gorm:"foreignKey:SequenceID" json:"sequence,omitempty"`
}
