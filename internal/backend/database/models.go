package database

import "time"

// Category is a named set of guessing-game images. Ordering of images within
// a category is irrelevant.
type Category struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
}

// ImageRecord is the metadata row for one uploaded image. Its four level
// artifacts live in the artifacts table, keyed (image_id, level). A record
// whose artifact set is incomplete is considered corrupt and is excluded
// from gameplay until repaired or discarded.
type ImageRecord struct {
	ID            string    `db:"id"`
	CategoryID    string    `db:"category_id"`
	Filename      string    `db:"filename"`
	MimeType      string    `db:"mime_type"`
	OriginalSize  int64     `db:"original_size"`
	ProcessedSize int64     `db:"processed_size"`
	Width         int       `db:"width"`
	Height        int       `db:"height"`
	UploadedAt    time.Time `db:"uploaded_at"`
	ProcessedAt   time.Time `db:"processed_at"`
}
