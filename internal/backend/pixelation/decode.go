package pixelation

import (
	"bytes"
	"fmt"
	"image"
	"log/slog"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeOptions carries the fallback render size for SVG inputs that do not
// declare their own dimensions.
type DecodeOptions struct {
	SVGFallbackWidth  int
	SVGFallbackHeight int
}

// DecodeImage decodes raw upload bytes into an in-memory raster. Raster
// formats are handled by the registered stdlib and x/image decoders; SVG is
// rasterized at its declared size, or at the configured fallback size.
func DecodeImage(data []byte, opts DecodeOptions) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", transientf("decode image", "empty input")
	}

	if looksLikeSVG(data) {
		img, err := rasterizeSVG(data, opts)
		if err != nil {
			return nil, "", err
		}
		return img, "svg", nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", transientf("decode image", "%v", err)
	}

	slog.Debug("decoded image",
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	return img, format, nil
}

// looksLikeSVG sniffs the first few KB for an <svg> start tag.
func looksLikeSVG(data []byte) bool {
	n := len(data)
	if n > 4096 {
		n = 4096
	}
	head := bytes.ToLower(bytes.TrimSpace(data[:n]))
	return bytes.Contains(head, []byte("<svg"))
}

func rasterizeSVG(data []byte, opts DecodeOptions) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, transientf("decode svg", "%v", err)
	}

	w := int(icon.ViewBox.W)
	h := int(icon.ViewBox.H)
	if w <= 0 || h <= 0 {
		w = opts.SVGFallbackWidth
		h = opts.SVGFallbackHeight
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("svg declares no size and no fallback size is configured")
	}

	icon.SetTarget(0, 0, float64(w), float64(h))

	// White background so transparent regions survive the lossy encode.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range dst.Pix {
		dst.Pix[i] = 0xff
	}

	scanner := rasterx.NewScannerGV(w, h, dst, dst.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)

	slog.Debug("rasterized svg", "width", w, "height", h)
	return dst, nil
}
