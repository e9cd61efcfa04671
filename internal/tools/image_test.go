package tools

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, x%h, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestCapImage_SmallPassesThrough(t *testing.T) {
	data := pngBytes(t, 64, 32)
	out, mediaType, err := CapImage(data)
	if err != nil {
		t.Fatalf("CapImage: %v", err)
	}
	if mediaType != "image/png" {
		t.Errorf("media type = %q, want image/png", mediaType)
	}
	if !bytes.Equal(out, data) {
		t.Error("small image should be returned unchanged")
	}
}

func TestCapImage_ResizesLarge(t *testing.T) {
	data := pngBytes(t, 2400, 600)
	out, mediaType, err := CapImage(data)
	if err != nil {
		t.Fatalf("CapImage: %v", err)
	}
	if mediaType != "image/jpeg" {
		t.Errorf("media type = %q, want image/jpeg", mediaType)
	}
	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != imageMaxSide || b.Dy() != 300 {
		t.Errorf("bounds = %dx%d, want %dx300", b.Dx(), b.Dy(), imageMaxSide)
	}
}

func TestCapImage_RejectsNonImage(t *testing.T) {
	if _, _, err := CapImage([]byte("plain text, not an image")); err == nil {
		t.Error("expected error for non-image data")
	}
}

func TestImageResultFromBytes(t *testing.T) {
	r := ImageResultFromBytes(pngBytes(t, 10, 10))
	if r.Type != ResultImage {
		t.Fatalf("type = %q, want image", r.Type)
	}
	if _, err := base64.StdEncoding.DecodeString(r.Content); err != nil {
		t.Errorf("content is not base64: %v", err)
	}
}
