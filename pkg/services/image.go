package services

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	maxPageHeight        = 2400
	maxSeriesCoverHeight = 1024
	maxVolumeCoverHeight = 512

	jpegQuality = 90
)

// processImage decodes a page image (jpeg, png or webp), downscales it
// with CatmullRom interpolation if it is taller than maxHeight, and
// re-encodes it as JPEG.
func processImage(raw []byte, maxHeight int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dy() > maxHeight {
		ratio := float64(bounds.Dx()) / float64(bounds.Dy())
		width := int(ratio * float64(maxHeight))
		dst := image.NewRGBA(image.Rect(0, 0, width, maxHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
