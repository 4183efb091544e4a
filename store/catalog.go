package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dripline/models"
)

// SequenceDefinition is the configuration form of a sequence. TriggerTag is a
// tag name resolved to an id once, when the definition is stored.
type SequenceDefinition struct {
	Slug        string
	Name        string
	Description string
	IsActive    bool
	TriggerType string
	TriggerTag  string
	Steps       []models.SequenceStep
}

// Catalog is the read model of sequences and their steps.
type Catalog struct {
	db *gorm.DB
}

func (c *Catalog) Get(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := c.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		First(&seq, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*models.Sequence, error) {
	var seq models.Sequence
	if err := c.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Where("slug = ?", slug).
		First(&seq).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (c *Catalog) List(ctx context.Context) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := c.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Order("slug ASC").
		Find(&seqs).Error
	return seqs, err
}

// Steps returns every step of a sequence, active or not, ordered by Order.
func (c *Catalog) Steps(ctx context.Context, sequenceID uint) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := c.db.WithContext(ctx).
		Where("sequence_id = ?", sequenceID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// ActiveByTag returns active sequences triggered by the tag.
func (c *Catalog) ActiveByTag(ctx context.Context, tagID uint) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := c.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Where("trigger_tag_id = ? AND is_active = ?", tagID, true).
		Order("id ASC").
		Find(&seqs).Error
	return seqs, err
}

// ActiveByTriggerType returns active sequences triggered by the milestone kind.
func (c *Catalog) ActiveByTriggerType(ctx context.Context, triggerType string) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := c.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Where("trigger_type = ? AND is_active = ?", triggerType, true).
		Order("id ASC").
		Find(&seqs).Error
	return seqs, err
}

func (c *Catalog) GetTag(ctx context.Context, id uint) (*models.Tag, error) {
	var tag models.Tag
	if err := c.db.WithContext(ctx).First(&tag, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &tag, nil
}

// EnsureTag returns the tag with the given name, creating it if needed.
func (c *Catalog) EnsureTag(ctx context.Context, name string) (*models.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name is required")
	}
	tag := models.Tag{Name: name}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&tag).Error; err != nil {
		return nil, err
	}
	var stored models.Tag
	if err := c.db.WithContext(ctx).Where("name = ?", name).First(&stored).Error; err != nil {
		return nil, notFound(err)
	}
	return &stored, nil
}

// Upsert stores a sequence definition. Existing sequences only take changes to
// name, description and the active flag; once steps are published, the steps
// and the trigger must match.
func (c *Catalog) Upsert(ctx context.Context, def SequenceDefinition) (*models.Sequence, error) {
	var tagID *uint
	if def.TriggerTag != "" {
		tag, err := c.EnsureTag(ctx, def.TriggerTag)
		if err != nil {
			return nil, fmt.Errorf("resolve trigger tag %q: %w", def.TriggerTag, err)
		}
		tagID = &tag.ID
	}

	existing, err := c.GetBySlug(ctx, def.Slug)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		seq := models.Sequence{
			Slug:         def.Slug,
			Name:         def.Name,
			Description:  def.Description,
			TriggerType:  def.TriggerType,
			TriggerTagID: tagID,
			IsActive:     def.IsActive,
			Steps:        def.Steps,
		}
		if err := c.db.WithContext(ctx).Create(&seq).Error; err != nil {
			return nil, fmt.Errorf("create sequence %s: %w", def.Slug, err)
		}
		return c.Get(ctx, seq.ID)
	}

	published := len(existing.Steps) > 0
	if published && !sameSteps(existing.Steps, def.Steps) {
		return nil, fmt.Errorf("sequence %s: %w", def.Slug, ErrStepsPublished)
	}
	if published && !sameTrigger(existing, def.TriggerType, tagID) {
		return nil, fmt.Errorf("sequence %s trigger: %w", def.Slug, ErrStepsPublished)
	}

	updates := map[string]interface{}{
		"name":        def.Name,
		"description": def.Description,
		"is_active":   def.IsActive,
	}
	if !published {
		updates["trigger_type"] = def.TriggerType
		updates["trigger_tag_id"] = tagID
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Sequence{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		if len(existing.Steps) == 0 && len(def.Steps) > 0 {
			steps := make([]models.SequenceStep, len(def.Steps))
			copy(steps, def.Steps)
			for i := range steps {
				steps[i].SequenceID = existing.ID
			}
			return tx.Create(&steps).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update sequence %s: %w", def.Slug, err)
	}
	return c.Get(ctx, existing.ID)
}

func sameTrigger(seq *models.Sequence, triggerType string, tagID *uint) bool {
	if seq.TriggerType != triggerType {
		return false
	}
	if seq.TriggerTagID == nil || tagID == nil {
		return seq.TriggerTagID == nil && tagID == nil
	}
	return *seq.TriggerTagID == *tagID
}

func (c *Catalog) SetActive(ctx context.Context, id uint, active bool) error {
	res := c.db.WithContext(ctx).Model(&models.Sequence{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStepActive toggles a step without changing its stored order.
func (c *Catalog) SetStepActive(ctx context.Context, sequenceID uint, order int, active bool) error {
	res := c.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Where("sequence_id = ? AND step_order = ?", sequenceID, order).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// sameSteps compares the published shape of two step lists, ignoring the
// active flags which may be toggled after publication.
func sameSteps(a, b []models.SequenceStep) bool {
	if len(a) != len(b) {
		return false
	}
	byOrder := make(map[int]models.SequenceStep, len(a))
	for _, s := range a {
		byOrder[s.Order] = s
	}
	for _, s := range b {
		o, ok := byOrder[s.Order]
		if !ok {
			return false
		}
		if o.DelayDays != s.DelayDays || o.DelayHours != s.DelayHours || o.DelayMinutes != s.DelayMinutes ||
			o.Subject != s.Subject || o.Body != s.Body || o.Name != s.Name {
			return false
		}
	}
	return true
}
