package pixelation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level is one of the four fixed renditions of an image. Level 1 is the most
// pixelated, level 4 is always the unpixelated (resized) original.
type Level int

const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
)

// AllLevels lists the levels in generation order, most pixelated first.
var AllLevels = [4]Level{Level1, Level2, Level3, Level4}

func (l Level) Valid() bool {
	return l >= Level1 && l <= Level4
}

func (l Level) String() string {
	return fmt.Sprintf("level%d", int(l))
}

// LevelSet holds exactly four artifact slots. With the fixed shape a missing
// slot is a compile-time impossibility and an empty one is caught by
// IsComplete.
type LevelSet struct {
	Level1 []byte
	Level2 []byte
	Level3 []byte
	Level4 []byte
}

// Blob returns the artifact stored in the given slot, nil for an invalid
// level.
func (s *LevelSet) Blob(l Level) []byte {
	switch l {
	case Level1:
		return s.Level1
	case Level2:
		return s.Level2
	case Level3:
		return s.Level3
	case Level4:
		return s.Level4
	}
	return nil
}

// SetBlob stores an artifact in the given slot.
func (s *LevelSet) SetBlob(l Level, blob []byte) {
	switch l {
	case Level1:
		s.Level1 = blob
	case Level2:
		s.Level2 = blob
	case Level3:
		s.Level3 = blob
	case Level4:
		s.Level4 = blob
	}
}

// IsComplete reports whether all four slots are present with non-zero byte
// length. Pure and side-effect free; non-emptiness is deliberately the only
// integrity signal, content is never decoded or checksummed.
func (s *LevelSet) IsComplete() bool {
	if s == nil {
		return false
	}
	for _, l := range AllLevels {
		if len(s.Blob(l)) == 0 {
			return false
		}
	}
	return true
}

// MissingLevels names the empty slots, for error attribution.
func (s *LevelSet) MissingLevels() []Level {
	var missing []Level
	for _, l := range AllLevels {
		if s == nil || len(s.Blob(l)) == 0 {
			missing = append(missing, l)
		}
	}
	return missing
}

// BlockSizeSchedule maps the three configured block sizes onto the four
// generation passes: levels 1-3 get decreasing block sizes, level 4 gets the
// zero "no-op" pass that encodes the original unchanged.
func BlockSizeSchedule(l1, l2, l3 int) [4]int {
	return [4]int{l1, l2, l3, 0}
}

const (
	// levelTimeout bounds a single level's transform and encode.
	levelTimeout = 15 * time.Second

	// interLevelPause gives the runtime a moment to reclaim the previous
	// level's working copy before the next one is allocated.
	interLevelPause = 50 * time.Millisecond
)

// GenerateLevels derives all four level artifacts from the working surface.
// Each level works on an independent clone of the source, released as soon
// as its blob exists, and each blob is checked non-empty before the next
// level starts. Either all four slots come back populated or an error names
// the level that failed.
func GenerateLevels(ctx context.Context, src *Surface, quality float64, blockSizes [4]int) (*LevelSet, error) {
	start := time.Now()
	set := &LevelSet{}

	slog.Debug("generating levels",
		"width", src.Width(),
		"height", src.Height(),
		"quality", quality,
		"block_sizes", fmt.Sprint(blockSizes))

	for i, blockSize := range blockSizes {
		level := AllLevels[i]

		blob, err := generateOneLevel(ctx, src, blockSize, quality)
		if err != nil {
			return nil, fmt.Errorf("generating %s (block size %d): %w", level, blockSize, err)
		}
		if len(blob) == 0 {
			return nil, transientf("generate levels", "%s produced an empty artifact", level)
		}
		set.SetBlob(level, blob)

		slog.Debug("level generated",
			"level", int(level),
			"block_size", blockSize,
			"size_bytes", len(blob))

		if i < len(blockSizes)-1 {
			time.Sleep(interLevelPause)
		}
	}

	if missing := set.MissingLevels(); len(missing) > 0 {
		return nil, transientf("generate levels", "incomplete result, missing %s", levelNames(missing))
	}

	slog.Info("level generation complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"level4_size_bytes", len(set.Level4))

	return set, nil
}

// generateOneLevel clones the shared source, runs the bounded transform, and
// releases the clone before returning on every path.
func generateOneLevel(ctx context.Context, src *Surface, blockSize int, quality float64) ([]byte, error) {
	work, err := src.Clone()
	if err != nil {
		return nil, err
	}
	defer work.Release()

	levelCtx, cancel := context.WithTimeout(ctx, levelTimeout)
	defer cancel()

	return Pixelate(levelCtx, work, blockSize, quality)
}

func levelNames(levels []Level) string {
	names := make([]string, len(levels))
	for i, l := range levels {
		names[i] = l.String()
	}
	return strings.Join(names, ", ")
}
