package models

import (
	"sort"
	"time"

	"gorm.io/gorm"
)

// Sequence represents an automated drip sequence that subjects are enrolled into
// when its trigger fires.
type Sequence struct {
	gorm.Model
	Slug        string `gorm:"not null;uniqueIndex" json:"slug"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Trigger
	TriggerType  string `gorm:"index" json:"trigger_type"` // milestone kind, empty when tag-triggered only
	TriggerTagID *uint  `gorm:"index" json:"trigger_tag_id"`
	IsActive     bool   `gorm:"not null" json:"is_active"`

	// Statistics (only ever changed with atomic increments)
	TotalEnrolled  int `gorm:"default:0" json:"total_enrolled"`
	TotalCompleted int `gorm:"default:0" json:"total_completed"`
	TotalExited    int `gorm:"default:0" json:"total_exited"`

	// Relations
	Steps      []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	TriggerTag *Tag           `gorm:"foreignKey:TriggerTagID" json:"trigger_tag,omitempty"`
}

// SequenceStep is one timed message within a Sequence.
type SequenceStep struct {
	gorm.Model
	SequenceID uint   `gorm:"not null;uniqueIndex:idx_step_sequence_order" json:"sequence_id"`
	Order      int    `gorm:"column:step_order;not null;uniqueIndex:idx_step_sequence_order" json:"order"`
	Name       string `json:"name"`

	// Delay relative to the previous step's send time (or enrollment time for the first step)
	DelayDays    int `gorm:"default:0" json:"delay_days"`
	DelayHours   int `gorm:"default:0" json:"delay_hours"`
	DelayMinutes int `gorm:"default:0" json:"delay_minutes"`

	// Content payload, opaque to the engine
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	IsActive bool `gorm:"not null" json:"is_active"`
}

// Delay returns the combined step delay.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour +
		time.Duration(s.DelayHours)*time.Hour +
		time.Duration(s.DelayMinutes)*time.Minute
}

// ActiveSteps returns the active steps ordered by Order.
func ActiveSteps(steps []SequenceStep) []SequenceStep {
	active := make([]SequenceStep, 0, len(steps))
	for _, step := range steps {
		if step.IsActive {
			active = append(active, step)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Order < active[j].Order
	})
	return active
}

// Tag is a label that can be attached to subjects and trigger sequences.
type Tag struct {
	gorm.Model
	Name string `gorm:"not null;uniqueIndex" json:"name"`
}
