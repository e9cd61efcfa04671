package tools

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"net/http"

	"github.com/disintegration/imaging"
)

const (
	// imageMaxSide is the maximum pixels per side before resize.
	imageMaxSide = 1200

	// imageMaxBytes is the max encoded size handed to the model.
	imageMaxBytes = 5 * 1024 * 1024
)

// jpegQualities is the grid of quality levels to try.
var jpegQualities = []int{85, 75, 65, 55, 45, 35}

// CapImage prepares raw image bytes for a vision model.
// Images already within both limits pass through unchanged; larger ones are
// auto-oriented, fit into imageMaxSide and re-encoded as JPEG at decreasing
// quality until under imageMaxBytes.
func CapImage(data []byte) ([]byte, string, error) {
	mediaType := http.DetectContentType(data)
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		return nil, "", fmt.Errorf("unsupported image type %q", mediaType)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if mediaType == "image/webp" && len(data) <= imageMaxBytes {
			// No webp decoder registered; pass small ones through untouched.
			return data, mediaType, nil
		}
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= imageMaxSide && h <= imageMaxSide && len(data) <= imageMaxBytes {
		return data, mediaType, nil
	}

	if w > imageMaxSide || h > imageMaxSide {
		img = imaging.Fit(img, imageMaxSide, imageMaxSide, imaging.Lanczos)
	}

	for _, quality := range jpegQualities {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg (q=%d): %w", quality, err)
		}
		if buf.Len() <= imageMaxBytes {
			return buf.Bytes(), "image/jpeg", nil
		}
	}

	return nil, "", fmt.Errorf("image too large even at lowest quality (dimensions: %dx%d)", w, h)
}

// ImageResultFromBytes caps the image and wraps it as an image Result.
func ImageResultFromBytes(data []byte) *Result {
	capped, mediaType, err := CapImage(data)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return ImageResult(base64.StdEncoding.EncodeToString(capped), mediaType)
}
