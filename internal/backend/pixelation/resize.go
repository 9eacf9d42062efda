package pixelation

import (
	"image"
	"log/slog"

	xdraw "golang.org/x/image/draw"
)

// Dimensions are the pixel dimensions of a working surface.
type Dimensions struct {
	Width  int
	Height int
}

// Resize clamps a decoded raster into the configured working-width range and
// produces the canonical working surface for level generation, plus its
// encoded form (the "processed size" metric).
//
// Images wider than maxWidth are scaled down to exactly maxWidth, images
// narrower than minWidth are scaled up to exactly minWidth, anything in
// between passes through unchanged. Aspect ratio is preserved with the
// height rounded to the nearest pixel.
func Resize(img image.Image, maxWidth, minWidth int, quality float64) (*Surface, []byte, Dimensions, error) {
	bounds := img.Bounds()
	nativeWidth := bounds.Dx()
	nativeHeight := bounds.Dy()

	if nativeWidth <= 0 || nativeHeight <= 0 {
		return nil, nil, Dimensions{}, transientf("resize", "cannot acquire drawing surface for %dx%d image", nativeWidth, nativeHeight)
	}

	targetWidth := nativeWidth
	switch {
	case nativeWidth > maxWidth:
		targetWidth = maxWidth
	case nativeWidth < minWidth:
		targetWidth = minWidth
	}

	var surface *Surface
	if targetWidth == nativeWidth {
		surface = NewSurface(img)
	} else {
		aspect := float64(nativeHeight) / float64(nativeWidth)
		targetHeight := int(float64(targetWidth)*aspect + 0.5)
		if targetHeight < 1 {
			targetHeight = 1
		}

		slog.Debug("resizing to working width",
			"native_width", nativeWidth,
			"native_height", nativeHeight,
			"target_width", targetWidth,
			"target_height", targetHeight)

		dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Src, nil)
		surface = &Surface{img: dst}
	}

	raster, err := surface.rgba()
	if err != nil {
		return nil, nil, Dimensions{}, err
	}

	blob, err := encodeArtifact(raster, quality)
	if err != nil {
		surface.Release()
		return nil, nil, Dimensions{}, err
	}

	dims := Dimensions{Width: surface.Width(), Height: surface.Height()}
	return surface, blob, dims, nil
}
