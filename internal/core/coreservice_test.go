package core

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/fillier/name-that-thing/internal/backend/database"
	"github.com/fillier/name-that-thing/internal/backend/pixelation"
)

// fakeDatabase is an in-memory persistence adapter for pipeline tests.
type fakeDatabase struct {
	categories map[string]*database.Category
	records    map[string]*database.ImageRecord
	levels     map[string]*pixelation.LevelSet
	order      []string

	replaced []string
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		categories: make(map[string]*database.Category),
		records:    make(map[string]*database.ImageRecord),
		levels:     make(map[string]*pixelation.LevelSet),
	}
}

func (f *fakeDatabase) CreateDatabase() (*sql.DB, error) { return nil, nil }
func (f *fakeDatabase) DoesDatabaseExist() bool          { return true }
func (f *fakeDatabase) Close() error                     { return nil }

func (f *fakeDatabase) CreateCategory(name, description string) (*database.Category, error) {
	category := &database.Category{
		ID:          fmt.Sprintf("cat-%d", len(f.categories)+1),
		Name:        name,
		Description: description,
	}
	f.categories[category.ID] = category
	return category, nil
}

func (f *fakeDatabase) GetCategories() ([]*database.Category, error) {
	categories := make([]*database.Category, 0, len(f.categories))
	for _, category := range f.categories {
		categories = append(categories, category)
	}
	return categories, nil
}

func (f *fakeDatabase) GetCategoryByID(id string) (*database.Category, error) {
	category, ok := f.categories[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return category, nil
}

func (f *fakeDatabase) UpdateCategory(id, name, description string) error {
	category, ok := f.categories[id]
	if !ok {
		return sql.ErrNoRows
	}
	category.Name, category.Description = name, description
	return nil
}

func (f *fakeDatabase) DeleteCategory(id string) error {
	if _, ok := f.categories[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.categories, id)
	for imageID, record := range f.records {
		if record.CategoryID == id {
			delete(f.records, imageID)
			delete(f.levels, imageID)
		}
	}
	return nil
}

func (f *fakeDatabase) SaveImage(record *database.ImageRecord, levels *pixelation.LevelSet) error {
	if levels == nil || !levels.IsComplete() {
		return fmt.Errorf("refusing to save incomplete level set")
	}
	record.ID = fmt.Sprintf("img-%d", len(f.records)+1)
	f.records[record.ID] = record
	f.levels[record.ID] = levels
	f.order = append(f.order, record.ID)
	return nil
}

// seed installs a record with arbitrary, possibly incomplete levels, the way
// a broken row would look when read back from disk.
func (f *fakeDatabase) seed(categoryID string, levels *pixelation.LevelSet) *database.ImageRecord {
	record := &database.ImageRecord{
		ID:         fmt.Sprintf("img-%d", len(f.records)+1),
		CategoryID: categoryID,
		Filename:   "seeded.jpg",
		MimeType:   pixelation.ArtifactMIMEType,
	}
	f.records[record.ID] = record
	f.levels[record.ID] = levels
	f.order = append(f.order, record.ID)
	return record
}

func (f *fakeDatabase) GetImageByID(id string) (*database.ImageRecord, error) {
	record, ok := f.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return record, nil
}

func (f *fakeDatabase) GetImagesByCategory(categoryID string) ([]*database.ImageRecord, error) {
	records := make([]*database.ImageRecord, 0)
	for _, id := range f.order {
		if record, ok := f.records[id]; ok && record.CategoryID == categoryID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *fakeDatabase) GetAllImages() ([]*database.ImageRecord, error) {
	records := make([]*database.ImageRecord, 0, len(f.records))
	for _, id := range f.order {
		if record, ok := f.records[id]; ok {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *fakeDatabase) DeleteImage(id string) error {
	if _, ok := f.records[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.records, id)
	delete(f.levels, id)
	return nil
}

func (f *fakeDatabase) GetLevels(imageID string) (*pixelation.LevelSet, error) {
	levels, ok := f.levels[imageID]
	if !ok {
		return &pixelation.LevelSet{}, nil
	}
	return levels, nil
}

func (f *fakeDatabase) ReplaceLevels(imageID string, levels *pixelation.LevelSet) error {
	if levels == nil || !levels.IsComplete() {
		return fmt.Errorf("refusing to replace with incomplete level set")
	}
	if _, ok := f.records[imageID]; !ok {
		return sql.ErrNoRows
	}
	f.levels[imageID] = levels
	f.replaced = append(f.replaced, imageID)
	return nil
}

func (f *fakeDatabase) PutArtifact(imageID string, level pixelation.Level, blob []byte) error {
	levels, ok := f.levels[imageID]
	if !ok {
		return sql.ErrNoRows
	}
	if !level.Valid() {
		return fmt.Errorf("invalid level %d", int(level))
	}
	levels.SetBlob(level, blob)
	return nil
}

func (f *fakeDatabase) GetArtifact(imageID string, level pixelation.Level) ([]byte, error) {
	levels, ok := f.levels[imageID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	blob := levels.Blob(level)
	if len(blob) == 0 {
		return nil, sql.ErrNoRows
	}
	return blob, nil
}

// fakeArtifactCache is a map-backed stand-in for the redis cache.
type fakeArtifactCache struct {
	entries map[string][]byte
	puts    int
}

func newFakeArtifactCache() *fakeArtifactCache {
	return &fakeArtifactCache{entries: make(map[string][]byte)}
}

func (f *fakeArtifactCache) key(imageID string, level pixelation.Level) string {
	return fmt.Sprintf("%s:%d", imageID, int(level))
}

func (f *fakeArtifactCache) Get(_ context.Context, imageID string, level pixelation.Level) ([]byte, bool) {
	blob, ok := f.entries[f.key(imageID, level)]
	return blob, ok
}

func (f *fakeArtifactCache) Put(_ context.Context, imageID string, level pixelation.Level, blob []byte) {
	f.entries[f.key(imageID, level)] = blob
	f.puts++
}

func (f *fakeArtifactCache) Invalidate(_ context.Context, imageID string) {
	for key := range f.entries {
		if strings.HasPrefix(key, imageID+":") {
			delete(f.entries, key)
		}
	}
}

func (f *fakeArtifactCache) Close() error { return nil }

func testConfig() *ServiceConfig {
	return &ServiceConfig{
		Pipeline: Pipeline{
			MaxWidth:         64,
			MinWidth:         16,
			Quality:          0.9,
			BlockSizes:       []int{8, 4, 2},
			MaxFileSizeBytes: 1 << 20,
			AllowedMimeTypes: []string{"image/png", "image/jpeg"},
		},
	}
}

func newTestService(t *testing.T) (*CoreService, *fakeDatabase) {
	t.Helper()
	db := newFakeDatabase()
	return NewCoreServiceWith(testConfig(), db, nil), db
}

func encodeTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0x90
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test PNG: %v", err)
	}
	return buf.Bytes()
}

func encodeTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0x90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("Failed to encode test JPEG: %v", err)
	}
	return buf.Bytes()
}

func TestProcessUploads_RejectsUnsupportedType(t *testing.T) {
	service, db := newTestService(t)

	results := service.ProcessUploads(context.Background(), "cat-1", []UploadFile{
		{Filename: "notes.txt", MimeType: "text/plain", Data: []byte("hello")},
	})

	if len(results) != 1 || results[0].Err == nil {
		t.Fatal("Expected a rejection result")
	}
	if !pixelation.IsValidation(results[0].Err) {
		t.Errorf("Expected a validation error, got %v", results[0].Err)
	}
	if len(db.records) != 0 {
		t.Error("Expected nothing persisted for a rejected file")
	}
}

func TestProcessUploads_RejectsOversizedFile(t *testing.T) {
	service, _ := newTestService(t)
	service.config.Pipeline.MaxFileSizeBytes = 10

	results := service.ProcessUploads(context.Background(), "cat-1", []UploadFile{
		{Filename: "big.png", MimeType: "image/png", Data: make([]byte, 11)},
	})

	if !pixelation.IsValidation(results[0].Err) {
		t.Errorf("Expected a validation error, got %v", results[0].Err)
	}
}

func TestProcessUploads_PersistsCompleteLevelSet(t *testing.T) {
	service, db := newTestService(t)
	category, _ := db.CreateCategory("Animals", "")

	results := service.ProcessUploads(context.Background(), category.ID, []UploadFile{
		{Filename: "tiger.png", MimeType: "image/png", Data: encodeTestPNG(t, 32, 16)},
	})

	if results[0].Err != nil {
		t.Fatalf("Expected upload to succeed, got %v", results[0].Err)
	}
	record := results[0].Record
	if record == nil || record.ID == "" {
		t.Fatal("Expected a persisted record with an id")
	}
	if record.MimeType != pixelation.ArtifactMIMEType {
		t.Errorf("Expected stored mime type %s, got %s", pixelation.ArtifactMIMEType, record.MimeType)
	}
	if record.Width != 32 || record.Height != 16 {
		t.Errorf("Expected 32x16 pass-through dimensions, got %dx%d", record.Width, record.Height)
	}

	levels := db.levels[record.ID]
	if levels == nil || !levels.IsComplete() {
		t.Fatal("Expected all four level artifacts persisted")
	}
}

func TestProcessUploads_OneFailureDoesNotStopTheBatch(t *testing.T) {
	service, db := newTestService(t)
	category, _ := db.CreateCategory("Animals", "")

	results := service.ProcessUploads(context.Background(), category.ID, []UploadFile{
		{Filename: "broken.png", MimeType: "image/png", Data: []byte("not a png")},
		{Filename: "tiger.png", MimeType: "image/png", Data: encodeTestPNG(t, 24, 24)},
	})

	if results[0].Err == nil {
		t.Error("Expected the undecodable file to fail")
	}
	if results[1].Err != nil {
		t.Errorf("Expected the second file to succeed, got %v", results[1].Err)
	}
	if len(db.records) != 1 {
		t.Errorf("Expected exactly 1 persisted record, got %d", len(db.records))
	}
}

func TestGetArtifact_UsesCacheFirst(t *testing.T) {
	db := newFakeDatabase()
	artifactCache := newFakeArtifactCache()
	service := NewCoreServiceWith(testConfig(), db, artifactCache)

	record := db.seed("cat-1", &pixelation.LevelSet{
		Level1: []byte{1}, Level2: []byte{2}, Level3: []byte{3}, Level4: []byte{4},
	})
	ctx := context.Background()

	blob, err := service.GetArtifact(ctx, record.ID, pixelation.Level2)
	if err != nil {
		t.Fatalf("Expected artifact, got %v", err)
	}
	if !bytes.Equal(blob, []byte{2}) {
		t.Error("Expected level 2 bytes from the adapter")
	}
	if artifactCache.puts != 1 {
		t.Errorf("Expected the miss to populate the cache, got %d puts", artifactCache.puts)
	}

	// Mutate the stored bytes; a second read must hit the cache instead.
	db.levels[record.ID].Level2 = []byte{99}
	blob, _ = service.GetArtifact(ctx, record.ID, pixelation.Level2)
	if !bytes.Equal(blob, []byte{2}) {
		t.Error("Expected the cached bytes on the second read")
	}

	if err := service.DeleteImage(record.ID); err != nil {
		t.Fatalf("Failed to delete image: %v", err)
	}
	if _, ok := artifactCache.Get(ctx, record.ID, pixelation.Level2); ok {
		t.Error("Expected deletion to invalidate cached artifacts")
	}
}

func TestGetArtifact_RejectsInvalidLevel(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.GetArtifact(context.Background(), "img-1", pixelation.Level(7)); err == nil {
		t.Error("Expected invalid level to be rejected")
	}
}

func TestLoadAndDiagnose_RepairsFromUnpixelatedArtifact(t *testing.T) {
	service, db := newTestService(t)

	source := encodeTestJPEG(t, 24, 24)
	record := db.seed("cat-1", &pixelation.LevelSet{
		Level1: []byte{1},
		Level2: nil, // corrupt slot
		Level3: []byte{3},
		Level4: source,
	})

	report, err := service.LoadAndDiagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if report.Checked != 1 {
		t.Errorf("Expected 1 record checked, got %d", report.Checked)
	}
	repaired, ok := report.Repaired[record.ID]
	if !ok {
		t.Fatalf("Expected record to be repaired, report: %+v", report)
	}
	if !repaired.IsComplete() {
		t.Error("Expected regenerated levels to be complete")
	}
	if len(report.Excluded) != 0 {
		t.Errorf("Expected no exclusions, got %v", report.Excluded)
	}

	// Nothing is written until the repairs are committed.
	if len(db.replaced) != 0 {
		t.Fatal("Expected diagnose to perform no writes")
	}
	if err := service.CommitRepairs(context.Background(), report); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(db.replaced) != 1 || db.replaced[0] != record.ID {
		t.Errorf("Expected one replaced level set for %s, got %v", record.ID, db.replaced)
	}
	if !db.levels[record.ID].IsComplete() {
		t.Error("Expected persisted levels to be complete after commit")
	}
}

func TestLoadAndDiagnose_ExcludesUnrecoverableImages(t *testing.T) {
	service, db := newTestService(t)

	category, _ := db.CreateCategory("Animals", "")
	healthy := db.seed(category.ID, &pixelation.LevelSet{
		Level1: []byte{1}, Level2: []byte{2}, Level3: []byte{3}, Level4: []byte{4},
	})
	// No unpixelated artifact to regenerate from.
	broken := db.seed(category.ID, &pixelation.LevelSet{Level1: []byte{1}})

	report, err := service.LoadAndDiagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if len(report.Valid) != 1 || report.Valid[0] != healthy.ID {
		t.Errorf("Expected only the healthy record to be valid, got %v", report.Valid)
	}
	if _, ok := report.Excluded[broken.ID]; !ok {
		t.Fatalf("Expected broken record to be excluded, report: %+v", report)
	}

	if _, bad := service.ExclusionReason(broken.ID); !bad {
		t.Error("Expected broken record on the session exclusion list")
	}

	playable, err := service.PlayableImages(category.ID)
	if err != nil {
		t.Fatalf("Failed to list playable images: %v", err)
	}
	if len(playable) != 1 || playable[0].ID != healthy.ID {
		t.Errorf("Expected only the healthy record to be playable, got %d records", len(playable))
	}

	if _, err := service.GetArtifact(context.Background(), broken.ID, pixelation.Level1); err == nil {
		t.Error("Expected artifact access to excluded image to fail")
	}
}

func TestCommitRepairs_NilAndEmptyReportsAreNoOps(t *testing.T) {
	service, db := newTestService(t)

	if err := service.CommitRepairs(context.Background(), nil); err != nil {
		t.Errorf("Expected nil report to be a no-op, got %v", err)
	}
	if err := service.CommitRepairs(context.Background(), &IntegrityReport{}); err != nil {
		t.Errorf("Expected empty report to be a no-op, got %v", err)
	}
	if len(db.replaced) != 0 {
		t.Error("Expected no writes")
	}
}
