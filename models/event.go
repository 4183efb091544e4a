package models

import "time"

// EventKind is the kind of domain occurrence reported by upstream producers.
type EventKind string

const (
	EventTagAdded         EventKind = "tag-added"
	EventMilestoneReached EventKind = "milestone-reached"
)

// TriggerEvent is consumed by the trigger matcher. It is not persisted as-is;
// the occurrence is recorded as a SubjectTag or SubjectMilestone.
type TriggerEvent struct {
	SubjectID   uint      `json:"subject_id" validate:"required"`
	EventKind   EventKind `json:"event_kind" validate:"required,oneof=tag-added milestone-reached"`
	TagID       uint      `json:"tag_id" validate:"required_if=EventKind tag-added"`
	MilestoneID string    `json:"milestone_id" validate:"required_if=EventKind milestone-reached"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`

	// Subject, when present, registers or refreshes the subject's profile
	// under SubjectID before matching.
	Subject *SubjectProfile `json:"subject,omitempty"`
}

// SubjectProfile is the contact data a producer may attach to an event.
type SubjectProfile struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"omitempty,max=100"`
	LastName  string `json:"last_name" validate:"omitempty,max=100"`
	Company   string `json:"company" validate:"omitempty,max=200"`
}
