package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DeliveryRecord marks that a specific step was delivered for a specific
// enrollment generation. Its idempotency key is checked before sending.
type DeliveryRecord struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	SubjectID    uint `gorm:"not null;index" json:"subject_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`
	Generation   int  `gorm:"not null" json:"generation"`
	StepOrder    int  `gorm:"not null" json:"step_order"`

	IdempotencyKey    string `gorm:"not null;uniqueIndex" json:"idempotency_key"`
	ExternalMessageID string `gorm:"index" json:"external_message_id"`

	SentAt     time.Time  `gorm:"not null" json:"sent_at"`
	OpenedAt   *time.Time `json:"opened_at"`
	OpenCount  int        `gorm:"default:0" json:"open_count"`
	ClickedAt  *time.Time `json:"clicked_at"`
	ClickCount int        `gorm:"default:0" json:"click_count"`
}

// DeliveryKey is the stable reference handed to delivery channels for a step send.
func DeliveryKey(enrollmentID uint, generation, stepOrder int) string {
	return fmt.Sprintf("enrollment-%d-g%d-step-%d", enrollmentID, generation, stepOrder)
}
