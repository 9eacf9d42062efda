package export

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fillier/name-that-thing/internal/backend/database"
	"github.com/fillier/name-that-thing/internal/backend/pixelation"
)

// BundleVersion identifies the portable document layout.
const BundleVersion = 1

// Bundle is the portable export document: categories with their image
// records and all four artifacts as reversible base64 text.
type Bundle struct {
	Version    int              `json:"version"`
	Categories []CategoryBundle `json:"categories"`
}

type CategoryBundle struct {
	Category *database.Category `json:"category"`
	Images   []ImageBundle      `json:"images"`
}

type ImageBundle struct {
	Record *database.ImageRecord `json:"record"`
	Levels map[string]string     `json:"levels"`
}

// EncodeArtifact turns a binary artifact into its portable text form.
func EncodeArtifact(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// DecodeArtifact reverses EncodeArtifact byte-identically.
func DecodeArtifact(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

func encodeLevels(levels *pixelation.LevelSet) map[string]string {
	encoded := make(map[string]string, len(pixelation.AllLevels))
	for _, level := range pixelation.AllLevels {
		encoded[level.String()] = EncodeArtifact(levels.Blob(level))
	}
	return encoded
}

func decodeLevels(encoded map[string]string) (*pixelation.LevelSet, error) {
	set := &pixelation.LevelSet{}
	for _, level := range pixelation.AllLevels {
		text, ok := encoded[level.String()]
		if !ok {
			return nil, fmt.Errorf("bundle is missing %s", level)
		}
		blob, err := DecodeArtifact(text)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", level, err)
		}
		set.SetBlob(level, blob)
	}
	return set, nil
}

// Export bundles every category, image record, and artifact set into one
// JSON document.
func Export(db database.DatabaseService) ([]byte, error) {
	categories, err := db.GetCategories()
	if err != nil {
		return nil, fmt.Errorf("loading categories: %w", err)
	}

	bundle := Bundle{Version: BundleVersion}
	for _, category := range categories {
		cb := CategoryBundle{Category: category}

		records, err := db.GetImagesByCategory(category.ID)
		if err != nil {
			return nil, fmt.Errorf("loading images of category %s: %w", category.ID, err)
		}
		for _, record := range records {
			levels, err := db.GetLevels(record.ID)
			if err != nil {
				return nil, fmt.Errorf("loading artifacts of image %s: %w", record.ID, err)
			}
			cb.Images = append(cb.Images, ImageBundle{
				Record: record,
				Levels: encodeLevels(levels),
			})
		}
		bundle.Categories = append(bundle.Categories, cb)
	}

	return json.MarshalIndent(bundle, "", "  ")
}

// Import restores a bundle through the persistence adapter. Every level set
// is decoded and run through the validator before it is saved; records that
// fail validation are skipped and reported, never partially written.
func Import(db database.DatabaseService, data []byte) (imported, skipped int, err error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return 0, 0, fmt.Errorf("parsing bundle: %w", err)
	}
	if bundle.Version != BundleVersion {
		return 0, 0, fmt.Errorf("unsupported bundle version %d", bundle.Version)
	}

	for _, cb := range bundle.Categories {
		category, err := db.CreateCategory(cb.Category.Name, cb.Category.Description)
		if err != nil {
			return imported, skipped, fmt.Errorf("importing category %q: %w", cb.Category.Name, err)
		}

		for _, ib := range cb.Images {
			levels, err := decodeLevels(ib.Levels)
			if err != nil {
				slog.Warn("skipping bundled image with undecodable artifacts",
					"filename", ib.Record.Filename, "error", err)
				skipped++
				continue
			}
			if !levels.IsComplete() {
				slog.Warn("skipping bundled image with incomplete levels",
					"filename", ib.Record.Filename)
				skipped++
				continue
			}

			record := *ib.Record
			record.ID = ""
			record.CategoryID = category.ID
			if err := db.SaveImage(&record, levels); err != nil {
				return imported, skipped, fmt.Errorf("importing image %q: %w", ib.Record.Filename, err)
			}
			imported++
		}
	}

	slog.Info("bundle import complete", "imported", imported, "skipped", skipped)
	return imported, skipped, nil
}
