package pixelation

import (
	"bytes"
	"image"
	"image/jpeg"
)

// ArtifactMIMEType is the content type of every persisted level artifact.
const ArtifactMIMEType = "image/jpeg"

// jpegQuality maps the configured 0.1-1.0 encode quality onto the 1-100
// scale the JPEG encoder expects.
func jpegQuality(quality float64) int {
	q := int(quality*100 + 0.5)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return q
}

// encodeArtifact encodes a raster as a quality-controlled lossy blob.
// A zero-byte result is reported as a transient failure so the retry
// controller can absorb it.
func encodeArtifact(img *image.RGBA, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(quality)}); err != nil {
		return nil, transientf("encode artifact", "%v", err)
	}
	if buf.Len() == 0 {
		return nil, transientf("encode artifact", "encoder produced empty output")
	}
	return buf.Bytes(), nil
}
