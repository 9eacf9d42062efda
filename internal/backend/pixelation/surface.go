package pixelation

import (
	"image"
	"image/draw"
)

// Surface is an owned working raster. Every pipeline run acquires its
// surfaces explicitly and releases them on every exit path; a released
// surface rejects further pixel access instead of silently reviving.
type Surface struct {
	img *image.RGBA
}

// NewSurface copies img into a freshly allocated RGBA raster anchored at the
// origin. The caller owns the returned surface and must Release it.
func NewSurface(img image.Image) *Surface {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return &Surface{img: dst}
}

// Clone returns an independent copy so one level's pixelation can never leak
// into the next level's input.
func (s *Surface) Clone() (*Surface, error) {
	if s.img == nil {
		return nil, transientf("clone surface", "surface already released")
	}
	dst := image.NewRGBA(s.img.Rect)
	copy(dst.Pix, s.img.Pix)
	return &Surface{img: dst}, nil
}

// Release drops the pixel buffer. Safe to call more than once.
func (s *Surface) Release() {
	if s == nil {
		return
	}
	s.img = nil
}

func (s *Surface) Width() int {
	if s.img == nil {
		return 0
	}
	return s.img.Rect.Dx()
}

func (s *Surface) Height() int {
	if s.img == nil {
		return 0
	}
	return s.img.Rect.Dy()
}

func (s *Surface) rgba() (*image.RGBA, error) {
	if s == nil || s.img == nil {
		return nil, transientf("acquire surface", "surface already released")
	}
	return s.img, nil
}
