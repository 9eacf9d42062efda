package pixelation

import (
	"context"
	"fmt"
	"image"
	"log/slog"
)

// Pixelate flattens each blockSize x blockSize block of the surface to its
// channel-wise mean color and encodes the result. A block size of zero skips
// the transform entirely and encodes the surface unchanged; that pass
// produces the canonical unpixelated level.
//
// The caller bounds the operation with a context deadline; the transform
// checks it between block rows so it fails fast instead of hanging.
func Pixelate(ctx context.Context, surface *Surface, blockSize int, quality float64) ([]byte, error) {
	if blockSize < 0 {
		return nil, fmt.Errorf("block size must not be negative, got %d", blockSize)
	}

	img, err := surface.rgba()
	if err != nil {
		return nil, err
	}

	if blockSize == 0 {
		return encodeArtifact(img, quality)
	}

	width := img.Rect.Dx()
	height := img.Rect.Dy()

	slog.Debug("pixelating surface",
		"width", width,
		"height", height,
		"block_size", blockSize)

	for by := 0; by < height; by += blockSize {
		if err := ctx.Err(); err != nil {
			return nil, transientf("pixelate", "timed out after %d of %d rows: %v", by, height, err)
		}

		bh := blockSize
		if by+bh > height {
			bh = height - by
		}

		for bx := 0; bx < width; bx += blockSize {
			bw := blockSize
			if bx+bw > width {
				bw = width - bx
			}
			flattenBlock(img, bx, by, bw, bh)
		}
	}

	return encodeArtifact(img, quality)
}

// flattenBlock overwrites a block with the arithmetic mean of each channel,
// rounded to the nearest integer. Edge blocks are clipped to the surface.
func flattenBlock(img *image.RGBA, bx, by, bw, bh int) {
	var sumR, sumG, sumB, sumA int

	for y := by; y < by+bh; y++ {
		row := img.PixOffset(0, y)
		for x := bx; x < bx+bw; x++ {
			i := row + x*4
			sumR += int(img.Pix[i])
			sumG += int(img.Pix[i+1])
			sumB += int(img.Pix[i+2])
			sumA += int(img.Pix[i+3])
		}
	}

	n := bw * bh
	avgR := uint8((sumR + n/2) / n)
	avgG := uint8((sumG + n/2) / n)
	avgB := uint8((sumB + n/2) / n)
	avgA := uint8((sumA + n/2) / n)

	for y := by; y < by+bh; y++ {
		row := img.PixOffset(0, y)
		for x := bx; x < bx+bw; x++ {
			i := row + x*4
			img.Pix[i] = avgR
			img.Pix[i+1] = avgG
			img.Pix[i+2] = avgB
			img.Pix[i+3] = avgA
		}
	}
}
