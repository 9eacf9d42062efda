package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fillier/name-that-thing/internal/backend/cache"
	"github.com/fillier/name-that-thing/internal/backend/database"
	"github.com/fillier/name-that-thing/internal/backend/export"
	"github.com/fillier/name-that-thing/internal/backend/pixelation"
)

// interFilePause separates consecutive files of one upload batch so the
// runtime can reclaim the previous file's surfaces before the next decode.
const interFilePause = 300 * time.Millisecond

// CoreService orchestrates the image pipeline against the injected
// persistence adapter. Uploads and repair commits run strictly sequentially
// under pipelineMu; that serialization, not per-image locking, is what
// prevents two runs from mutating the same record.
type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	artifactCache   cache.ArtifactCache
	generator       *pixelation.LevelGenerator

	pipelineMu sync.Mutex

	// excluded is the session working-set exclusion list: image id to
	// human-readable reason. Underlying rows are left untouched.
	excludedMu sync.Mutex
	excluded   map[string]string
}

func NewCoreService(config *ServiceConfig) *CoreService {
	databaseService, err := getDatabaseService(config)
	if err != nil {
		slog.Error("failed to initialize database service", "error", err)
		panic(err)
	}

	var artifactCache cache.ArtifactCache
	if config.Cache.Enabled {
		artifactCache = cache.NewRedisCache(config.Cache.Address,
			time.Duration(config.Cache.TTLSeconds)*time.Second)
		slog.Info("artifact cache enabled", "address", config.Cache.Address)
	}

	return NewCoreServiceWith(config, databaseService, artifactCache)
}

// NewCoreServiceWith wires explicit collaborators; tests use it to inject an
// in-memory persistence adapter and skip the cache.
func NewCoreServiceWith(config *ServiceConfig, databaseService database.DatabaseService, artifactCache cache.ArtifactCache) *CoreService {
	return &CoreService{
		config:          config,
		databaseService: databaseService,
		artifactCache:   artifactCache,
		generator:       pixelation.NewLevelGenerator(),
		excluded:        make(map[string]string),
	}
}

func (service *CoreService) Close() error {
	return service.databaseService.Close()
}

func getDatabaseService(config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

// --- categories ---

func (service *CoreService) CreateCategory(name, description string) (*database.Category, error) {
	return service.databaseService.CreateCategory(name, description)
}

func (service *CoreService) GetCategories() ([]*database.Category, error) {
	return service.databaseService.GetCategories()
}

func (service *CoreService) GetCategory(id string) (*database.Category, error) {
	return service.databaseService.GetCategoryByID(id)
}

func (service *CoreService) UpdateCategory(id, name, description string) error {
	return service.databaseService.UpdateCategory(id, name, description)
}

func (service *CoreService) DeleteCategory(id string) error {
	images, err := service.databaseService.GetImagesByCategory(id)
	if err != nil {
		return err
	}
	if err := service.databaseService.DeleteCategory(id); err != nil {
		return err
	}
	for _, img := range images {
		service.invalidateCached(img.ID)
	}
	return nil
}

// --- upload orchestration ---

// UploadFile is one user-supplied file entering the pipeline.
type UploadFile struct {
	Filename string
	MimeType string
	Data     []byte
}

// UploadResult is the terminal state of one file's pipeline run: either a
// fully populated record (Done) or a final, human-readable failure. No state
// above the retry controller is retried.
type UploadResult struct {
	Filename string
	Record   *database.ImageRecord
	Err      error
}

// ProcessUploads runs each file through the full pipeline, strictly one at a
// time; one file's failure is terminal for that file only.
func (service *CoreService) ProcessUploads(ctx context.Context, categoryID string, files []UploadFile) []UploadResult {
	service.pipelineMu.Lock()
	defer service.pipelineMu.Unlock()

	results := make([]UploadResult, 0, len(files))
	for i, file := range files {
		record, err := service.processUpload(ctx, categoryID, file)
		if err != nil {
			slog.Error("upload pipeline failed",
				"filename", file.Filename,
				"category_id", categoryID,
				"error", err)
		}
		results = append(results, UploadResult{Filename: file.Filename, Record: record, Err: err})

		if i < len(files)-1 {
			time.Sleep(interFilePause)
		}
	}
	return results
}

// processUpload is the per-file state machine:
// validating file -> decoding -> resizing -> generating levels ->
// validating output -> done | failed.
func (service *CoreService) processUpload(ctx context.Context, categoryID string, file UploadFile) (*database.ImageRecord, error) {
	start := time.Now()
	pipeline := service.config.Pipeline

	// Cheapest checks first: type and size gate before any decode work.
	if err := service.validateUpload(file); err != nil {
		return nil, err
	}

	img, format, err := pixelation.DecodeImage(file.Data, pixelation.DecodeOptions{
		SVGFallbackWidth:  pipeline.SVGFallbackWidth,
		SVGFallbackHeight: pipeline.SVGFallbackHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", file.Filename, err)
	}

	surface, processedBlob, dims, err := pixelation.Resize(img, pipeline.MaxWidth, pipeline.MinWidth, pipeline.Quality)
	if err != nil {
		return nil, fmt.Errorf("resizing %q: %w", file.Filename, err)
	}
	defer surface.Release()

	slog.Info("working surface prepared",
		"filename", file.Filename,
		"format", format,
		"width", dims.Width,
		"height", dims.Height)

	schedule := pixelation.BlockSizeSchedule(pipeline.BlockSizes[0], pipeline.BlockSizes[1], pipeline.BlockSizes[2])
	levels, err := service.generator.GenerateWithRetry(ctx, surface, pipeline.Quality, schedule)
	if err != nil {
		return nil, fmt.Errorf("generating levels for %q: %w", file.Filename, err)
	}

	if !levels.IsComplete() {
		return nil, fmt.Errorf("generated levels for %q are incomplete", file.Filename)
	}

	now := time.Now().UTC()
	record := &database.ImageRecord{
		CategoryID:    categoryID,
		Filename:      file.Filename,
		MimeType:      pixelation.ArtifactMIMEType,
		OriginalSize:  int64(len(file.Data)),
		ProcessedSize: int64(len(processedBlob)),
		Width:         dims.Width,
		Height:        dims.Height,
		UploadedAt:    now,
		ProcessedAt:   now,
	}

	if err := service.databaseService.SaveImage(record, levels); err != nil {
		return nil, fmt.Errorf("persisting %q: %w", file.Filename, err)
	}

	slog.Info("upload processed",
		"filename", file.Filename,
		"image_id", record.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"original_size_bytes", record.OriginalSize,
		"processed_size_bytes", record.ProcessedSize)

	return record, nil
}

func (service *CoreService) validateUpload(file UploadFile) error {
	pipeline := service.config.Pipeline

	if int64(len(file.Data)) > pipeline.MaxFileSizeBytes {
		return &pixelation.ValidationError{
			Reason: fmt.Sprintf("file %q is %d bytes, exceeding the %d byte limit",
				file.Filename, len(file.Data), pipeline.MaxFileSizeBytes),
		}
	}

	mime := strings.ToLower(strings.TrimSpace(file.MimeType))
	for _, allowed := range pipeline.AllowedMimeTypes {
		if mime == allowed {
			return nil
		}
	}
	return &pixelation.ValidationError{
		Reason: fmt.Sprintf("file %q has unsupported type %q", file.Filename, file.MimeType),
	}
}

// --- images ---

func (service *CoreService) GetImage(id string) (*database.ImageRecord, error) {
	return service.databaseService.GetImageByID(id)
}

func (service *CoreService) GetImagesByCategory(categoryID string) ([]*database.ImageRecord, error) {
	return service.databaseService.GetImagesByCategory(categoryID)
}

// PlayableImages filters a category's records through the session exclusion
// list, so corrupt-and-unrepairable images never reach the presenter.
func (service *CoreService) PlayableImages(categoryID string) ([]*database.ImageRecord, error) {
	records, err := service.databaseService.GetImagesByCategory(categoryID)
	if err != nil {
		return nil, err
	}

	playable := make([]*database.ImageRecord, 0, len(records))
	for _, record := range records {
		if _, bad := service.ExclusionReason(record.ID); !bad {
			playable = append(playable, record)
		}
	}
	return playable, nil
}

func (service *CoreService) DeleteImage(id string) error {
	if err := service.databaseService.DeleteImage(id); err != nil {
		return err
	}
	service.invalidateCached(id)
	service.excludedMu.Lock()
	delete(service.excluded, id)
	service.excludedMu.Unlock()
	return nil
}

// GetArtifact serves one level artifact, consulting the cache first when one
// is configured. Cache failures are soft: log and fall through to the
// persistence adapter.
func (service *CoreService) GetArtifact(ctx context.Context, imageID string, level pixelation.Level) ([]byte, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid level %d", int(level))
	}
	if reason, bad := service.ExclusionReason(imageID); bad {
		return nil, fmt.Errorf("image %s is excluded from the working set: %s", imageID, reason)
	}

	if service.artifactCache != nil {
		if blob, ok := service.artifactCache.Get(ctx, imageID, level); ok {
			return blob, nil
		}
	}

	blob, err := service.databaseService.GetArtifact(imageID, level)
	if err != nil {
		return nil, err
	}
	if service.artifactCache != nil {
		service.artifactCache.Put(ctx, imageID, level, blob)
	}
	return blob, nil
}

func (service *CoreService) invalidateCached(imageID string) {
	if service.artifactCache != nil {
		service.artifactCache.Invalidate(context.Background(), imageID)
	}
}

// --- load-time integrity sweep ---

// IntegrityReport is the outcome of the diagnose phase. Nothing is written
// until the caller commits it.
type IntegrityReport struct {
	Checked  int
	Valid    []string
	Repaired map[string]*pixelation.LevelSet
	Excluded map[string]string
}

// LoadAndDiagnose runs every persisted record through the validator and
// attempts in-memory regeneration of invalid ones from their level-4
// artifact. It performs no writes; pair it with CommitRepairs.
func (service *CoreService) LoadAndDiagnose(ctx context.Context) (*IntegrityReport, error) {
	records, err := service.databaseService.GetAllImages()
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		Repaired: make(map[string]*pixelation.LevelSet),
		Excluded: make(map[string]string),
	}

	pipeline := service.config.Pipeline
	schedule := pixelation.BlockSizeSchedule(pipeline.BlockSizes[0], pipeline.BlockSizes[1], pipeline.BlockSizes[2])

	for _, record := range records {
		report.Checked++

		levels, err := service.databaseService.GetLevels(record.ID)
		if err != nil {
			report.Excluded[record.ID] = fmt.Sprintf("failed to load artifacts: %v", err)
			continue
		}

		if levels.IsComplete() {
			report.Valid = append(report.Valid, record.ID)
			continue
		}

		slog.Warn("persisted levels incomplete, attempting regeneration",
			"image_id", record.ID,
			"missing", fmt.Sprint(levels.MissingLevels()))

		repaired, err := service.generator.Regenerate(ctx, nil, levels, pipeline.Quality, schedule)
		if err != nil {
			report.Excluded[record.ID] = fmt.Sprintf("regeneration failed: %v", err)
			slog.Error("image unrecoverable this session",
				"image_id", record.ID,
				"error", err)
			continue
		}
		report.Repaired[record.ID] = repaired
	}

	// Excluded records leave the session working set; the stored rows are
	// deliberately left alone.
	service.excludedMu.Lock()
	for id, reason := range report.Excluded {
		service.excluded[id] = reason
	}
	service.excludedMu.Unlock()

	slog.Info("integrity sweep complete",
		"checked", report.Checked,
		"valid", len(report.Valid),
		"repaired", len(report.Repaired),
		"excluded", len(report.Excluded))

	return report, nil
}

// CommitRepairs writes the repaired level sets from a diagnose phase back
// through the persistence adapter.
func (service *CoreService) CommitRepairs(ctx context.Context, report *IntegrityReport) error {
	if report == nil || len(report.Repaired) == 0 {
		return nil
	}

	service.pipelineMu.Lock()
	defer service.pipelineMu.Unlock()

	var errs []error
	for id, levels := range report.Repaired {
		if err := service.databaseService.ReplaceLevels(id, levels); err != nil {
			errs = append(errs, fmt.Errorf("committing repair of image %s: %w", id, err))
			continue
		}
		service.invalidateCached(id)
		slog.Info("repaired levels committed", "image_id", id)
	}
	return errors.Join(errs...)
}

// ExclusionReason reports whether an image was excluded from this session's
// working set, and why.
func (service *CoreService) ExclusionReason(imageID string) (string, bool) {
	service.excludedMu.Lock()
	defer service.excludedMu.Unlock()
	reason, ok := service.excluded[imageID]
	return reason, ok
}

// IsNotFound reports whether err is the adapter's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// --- export / import ---

// ExportBundle serializes every category and its artifacts into the portable
// bundle document.
func (service *CoreService) ExportBundle() ([]byte, error) {
	return export.Export(service.databaseService)
}

// ImportBundle restores a bundle, validating every level set before it is
// persisted.
func (service *CoreService) ImportBundle(data []byte) (imported, skipped int, err error) {
	service.pipelineMu.Lock()
	defer service.pipelineMu.Unlock()
	return export.Import(service.databaseService, data)
}
