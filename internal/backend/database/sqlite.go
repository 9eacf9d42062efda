package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fillier/name-that-thing/internal/backend/pixelation"
)

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}

	// Blob writes per image are self-contained; a single connection keeps
	// in-memory databases stable and serializes pipeline writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func (s *SQLiteDatabase) CreateDatabase() (*sql.DB, error) {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		original_size INTEGER NOT NULL,
		processed_size INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		uploaded_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS artifacts (
		image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
		level INTEGER NOT NULL CHECK (level BETWEEN 1 AND 4),
		data BLOB NOT NULL,
		PRIMARY KEY (image_id, level)
	)`)
	if err != nil {
		return nil, err
	}

	return s.db, nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist() bool {
	// The SQLite file is created on first connect, so reachability is the
	// only meaningful check.
	return s.db.Ping() == nil
}

func (s *SQLiteDatabase) CreateCategory(name, description string) (*Category, error) {
	category := &Category{
		ID:          generateID(),
		Name:        name,
		Description: description,
	}

	_, err := s.db.Exec("INSERT INTO categories (id, name, description) VALUES (?, ?, ?)",
		category.ID, category.Name, category.Description)
	if err != nil {
		return nil, err
	}

	return category, nil
}

func (s *SQLiteDatabase) GetCategories() ([]*Category, error) {
	rows, err := s.db.Query("SELECT id, name, description FROM categories ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var categories []*Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, err
		}
		categories = append(categories, &c)
	}
	return categories, rows.Err()
}

func (s *SQLiteDatabase) GetCategoryByID(id string) (*Category, error) {
	var c Category
	row := s.db.QueryRow("SELECT id, name, description FROM categories WHERE id = ?", id)
	if err := row.Scan(&c.ID, &c.Name, &c.Description); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteDatabase) UpdateCategory(id, name, description string) error {
	result, err := s.db.Exec("UPDATE categories SET name = ?, description = ? WHERE id = ?",
		name, description, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result, "category", id)
}

func (s *SQLiteDatabase) DeleteCategory(id string) error {
	result, err := s.db.Exec("DELETE FROM categories WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRowAffected(result, "category", id)
}

func (s *SQLiteDatabase) SaveImage(record *ImageRecord, levels *pixelation.LevelSet) error {
	if !levels.IsComplete() {
		return fmt.Errorf("refusing to save image %q with incomplete levels", record.Filename)
	}

	if record.ID == "" {
		record.ID = generateID()
	}
	if record.UploadedAt.IsZero() {
		record.UploadedAt = time.Now().UTC()
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`INSERT INTO images
		(id, category_id, filename, mime_type, original_size, processed_size, width, height, uploaded_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.CategoryID, record.Filename, record.MimeType,
		record.OriginalSize, record.ProcessedSize, record.Width, record.Height,
		record.UploadedAt, record.ProcessedAt)
	if err != nil {
		return err
	}

	for _, level := range pixelation.AllLevels {
		_, err = tx.Exec("INSERT INTO artifacts (image_id, level, data) VALUES (?, ?, ?)",
			record.ID, int(level), levels.Blob(level))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteDatabase) GetImageByID(id string) (*ImageRecord, error) {
	row := s.db.QueryRow(`SELECT id, category_id, filename, mime_type, original_size,
		processed_size, width, height, uploaded_at, processed_at
		FROM images WHERE id = ?`, id)
	return scanImage(row)
}

func (s *SQLiteDatabase) GetImagesByCategory(categoryID string) ([]*ImageRecord, error) {
	return s.queryImages(`SELECT id, category_id, filename, mime_type, original_size,
		processed_size, width, height, uploaded_at, processed_at
		FROM images WHERE category_id = ?`, categoryID)
}

func (s *SQLiteDatabase) GetAllImages() ([]*ImageRecord, error) {
	return s.queryImages(`SELECT id, category_id, filename, mime_type, original_size,
		processed_size, width, height, uploaded_at, processed_at
		FROM images`)
}

func (s *SQLiteDatabase) DeleteImage(id string) error {
	result, err := s.db.Exec("DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRowAffected(result, "image", id)
}

func (s *SQLiteDatabase) GetLevels(imageID string) (*pixelation.LevelSet, error) {
	rows, err := s.db.Query("SELECT level, data FROM artifacts WHERE image_id = ?", imageID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	set := &pixelation.LevelSet{}
	for rows.Next() {
		var level int
		var data []byte
		if err := rows.Scan(&level, &data); err != nil {
			return nil, err
		}
		set.SetBlob(pixelation.Level(level), data)
	}
	return set, rows.Err()
}

func (s *SQLiteDatabase) ReplaceLevels(imageID string, levels *pixelation.LevelSet) error {
	if !levels.IsComplete() {
		return fmt.Errorf("refusing to replace levels of image %s with an incomplete set", imageID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec("DELETE FROM artifacts WHERE image_id = ?", imageID); err != nil {
		return err
	}
	for _, level := range pixelation.AllLevels {
		_, err = tx.Exec("INSERT INTO artifacts (image_id, level, data) VALUES (?, ?, ?)",
			imageID, int(level), levels.Blob(level))
		if err != nil {
			return err
		}
	}
	if _, err := tx.Exec("UPDATE images SET processed_at = ? WHERE id = ?", time.Now().UTC(), imageID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteDatabase) PutArtifact(imageID string, level pixelation.Level, blob []byte) error {
	if !level.Valid() {
		return fmt.Errorf("invalid level %d", int(level))
	}
	_, err := s.db.Exec(`INSERT INTO artifacts (image_id, level, data) VALUES (?, ?, ?)
		ON CONFLICT (image_id, level) DO UPDATE SET data = excluded.data`,
		imageID, int(level), blob)
	return err
}

func (s *SQLiteDatabase) GetArtifact(imageID string, level pixelation.Level) ([]byte, error) {
	row := s.db.QueryRow("SELECT data FROM artifacts WHERE image_id = ? AND level = ?",
		imageID, int(level))
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteDatabase) queryImages(query string, args ...any) ([]*ImageRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*ImageRecord
	for rows.Next() {
		record, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*ImageRecord, error) {
	var r ImageRecord
	err := row.Scan(&r.ID, &r.CategoryID, &r.Filename, &r.MimeType, &r.OriginalSize,
		&r.ProcessedSize, &r.Width, &r.Height, &r.UploadedAt, &r.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func requireRowAffected(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}
