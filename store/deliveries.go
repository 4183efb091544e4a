package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dripline/models"
)

// Deliveries stores per-step delivery markers and engagement tracking.
type Deliveries struct {
	db *gorm.DB
}

// FindByKey returns the delivery record for an idempotency key, or nil.
func (d *Deliveries) FindByKey(ctx context.Context, key string) (*models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Record stores a delivery marker. A marker already stored for the key wins.
func (d *Deliveries) Record(ctx context.Context, rec *models.DeliveryRecord) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}

// TrackEvent is an engagement kind reported by tracking links.
type TrackEvent string

const (
	TrackOpen  TrackEvent = "open"
	TrackClick TrackEvent = "click"
)

// Track counts an open or click for the delivery identified by messageID
// (external message id or idempotency key). The enrollment's opened/clicked
// counter only moves on the first event of each kind per delivery.
func (d *Deliveries) Track(ctx context.Context, messageID string, event TrackEvent, at time.Time) (bool, error) {
	first := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.DeliveryRecord
		if err := tx.Where("external_message_id = ? OR idempotency_key = ?", messageID, messageID).
			First(&rec).Error; err != nil {
			return notFound(err)
		}

		countCol, atCol, enrollmentCol := "open_count", "opened_at", "emails_opened"
		already := rec.OpenedAt != nil
		if event == TrackClick {
			countCol, atCol, enrollmentCol = "click_count", "clicked_at", "emails_clicked"
			already = rec.ClickedAt != nil
		}

		if err := tx.Model(&models.DeliveryRecord{}).Where("id = ?", rec.ID).
			UpdateColumn(countCol, gorm.Expr(countCol+" + ?", 1)).Error; err != nil {
			return err
		}
		if already {
			return nil
		}

		res := tx.Model(&models.DeliveryRecord{}).
			Where("id = ? AND "+atCol+" IS NULL", rec.ID).
			UpdateColumn(atCol, at.UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		first = true
		return tx.Model(&models.Enrollment{}).Where("id = ?", rec.EnrollmentID).
			UpdateColumn(enrollmentCol, gorm.Expr(enrollmentCol+" + ?", 1)).Error
	})
	return first, err
}
