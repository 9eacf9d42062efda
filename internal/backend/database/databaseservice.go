package database

import (
	"database/sql"

	"github.com/fillier/name-that-thing/internal/backend/pixelation"
)

// DatabaseService is the persistence adapter boundary. The pipeline depends
// on it for load-time integrity checks but does not own its schema; tests
// substitute an in-memory fake implementing the same contract.
type DatabaseService interface {
	CreateDatabase() (*sql.DB, error)
	DoesDatabaseExist() bool
	Close() error

	CreateCategory(name, description string) (*Category, error)
	GetCategories() ([]*Category, error)
	GetCategoryByID(id string) (*Category, error)
	UpdateCategory(id, name, description string) error
	// DeleteCategory removes a category together with its images and
	// their artifacts.
	DeleteCategory(id string) error

	// SaveImage persists a record together with its four level artifacts
	// in one transaction. It rejects any record whose level set is not
	// complete; partial data is never silently accepted.
	SaveImage(record *ImageRecord, levels *pixelation.LevelSet) error
	GetImageByID(id string) (*ImageRecord, error)
	GetImagesByCategory(categoryID string) ([]*ImageRecord, error)
	GetAllImages() ([]*ImageRecord, error)
	DeleteImage(id string) error

	// GetLevels returns whatever artifacts exist for the image, including
	// empty slots; callers run the result through the validator.
	GetLevels(imageID string) (*pixelation.LevelSet, error)
	// ReplaceLevels atomically swaps all four artifacts of an image.
	// Like SaveImage it rejects incomplete sets.
	ReplaceLevels(imageID string, levels *pixelation.LevelSet) error
	PutArtifact(imageID string, level pixelation.Level, blob []byte) error
	GetArtifact(imageID string, level pixelation.Level) ([]byte, error)
}
