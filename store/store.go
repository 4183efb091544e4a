// Package store persists sequences, enrollments and delivery markers with gorm.
// Enrollment rows are only written through conditional updates keyed by id and
// version, so concurrent writers never overwrite each other.
package store

import (
	"errors"

	"gorm.io/gorm"

	"dripline/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("enrollment was modified concurrently")
	ErrStepsPublished = errors.New("sequence steps are already published")

	// errStale signals a lost optimistic-concurrency race on a single attempt.
	errStale = errors.New("stale enrollment version")
)

// DefaultMaxRetries bounds the read-modify-write loop in Enrollments.Apply.
const DefaultMaxRetries = 5

// Store bundles the repositories over one database handle.
type Store struct {
	DB          *gorm.DB
	Catalog     *Catalog
	Enrollments *Enrollments
	Subjects    *Subjects
	Deliveries  *Deliveries
}

func New(db *gorm.DB) *Store {
	catalog := &Catalog{db: db}
	return &Store{
		DB:          db,
		Catalog:     catalog,
		Enrollments: &Enrollments{db: db, catalog: catalog, maxRetries: DefaultMaxRetries},
		Subjects:    &Subjects{db: db},
		Deliveries:  &Deliveries{db: db},
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Migrate creates or updates the tables and indexes the store relies on.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Tag{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.Subject{},
		&models.SubjectTag{},
		&models.SubjectMilestone{},
		&models.Enrollment{},
		&models.DeliveryRecord{},
	)
}
