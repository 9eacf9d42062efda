package pixelation

import (
	"context"
	"errors"
	"log/slog"
)

// errNoSource is wrapped in the UnrecoverableError raised when neither the
// level-4 artifact nor an original blob is available.
var errNoSource = errors.New("no unpixelated source available: refusing to regenerate from a pixelated level")

// Regenerate reproduces all four levels from a trusted unpixelated source.
//
// Source selection is a hard invariant: the existing level-4 artifact wins
// if present and non-empty, otherwise the explicitly supplied original blob.
// Levels 1-3 are never used as a source: pixelation is lossy and chaining
// it would compound quality loss silently. With no valid source the image is
// unrecoverable.
//
// The source is decoded at its native resolution; it is assumed to already
// be at the working width, so no re-resize happens here.
func (g *LevelGenerator) Regenerate(ctx context.Context, original []byte, current *LevelSet, quality float64, blockSizes [4]int) (*LevelSet, error) {
	var source []byte
	switch {
	case current != nil && len(current.Level4) > 0:
		source = current.Level4
	case len(original) > 0:
		source = original
	default:
		return nil, &UnrecoverableError{Err: errNoSource}
	}

	img, format, err := DecodeImage(source, DecodeOptions{})
	if err != nil {
		return nil, &UnrecoverableError{Err: err}
	}

	src := NewSurface(img)
	defer src.Release()

	slog.Info("regenerating levels from pristine source",
		"format", format,
		"width", src.Width(),
		"height", src.Height())

	set, err := g.GenerateWithRetry(ctx, src, quality, blockSizes)
	if err != nil {
		return nil, err
	}
	if !set.IsComplete() {
		return nil, &UnrecoverableError{Err: errors.New("regeneration produced an incomplete level set")}
	}
	return set, nil
}
