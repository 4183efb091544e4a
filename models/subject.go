package models

import (
	"time"

	"gorm.io/gorm"
)

// Subject is the lead, student or customer that gets enrolled into sequences.
type Subject struct {
	gorm.Model
	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`

	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
}

// SubjectTag records that a tag was added to a subject. Subjects may be owned
// by an upstream system, so history rows carry no foreign key.
type SubjectTag struct {
	gorm.Model
	SubjectID uint      `gorm:"not null;uniqueIndex:idx_subject_tag" json:"subject_id"`
	TagID     uint      `gorm:"not null;uniqueIndex:idx_subject_tag;index" json:"tag_id"`
	Source    string    `json:"source"`
	AddedAt   time.Time `gorm:"not null" json:"added_at"`
}

// SubjectMilestone records that a subject reached a lifecycle milestone.
type SubjectMilestone struct {
	gorm.Model
	SubjectID uint      `gorm:"not null;uniqueIndex:idx_subject_milestone" json:"subject_id"`
	Milestone string    `gorm:"not null;uniqueIndex:idx_subject_milestone;index" json:"milestone"`
	Source    string    `json:"source"`
	ReachedAt time.Time `gorm:"not null" json:"reached_at"`
}
