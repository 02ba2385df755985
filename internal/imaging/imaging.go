// Package imaging implements the deterministic layout engine that assembles
// model inputs from multiple source photos, plus the small set of image
// transforms the pipeline needs (decode, PNG encode, rotation, orientation
// classification). Codec work is delegated to the standard image packages;
// only the layout rules live here.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Decode parses PNG, JPEG, or WebP bytes.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}
	return img, nil
}

// EncodePNG serializes an image as PNG. PNG keeps the alpha channel that
// background-removed inputs rely on.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imaging: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// IsPortrait classifies an image's orientation. Square images count as
// portrait so a square input never triggers a rotation.
func IsPortrait(img image.Image) bool {
	b := img.Bounds()
	return b.Dy() >= b.Dx()
}

// Rotate90CCW rotates an image a quarter turn counter-clockwise, flipping its
// orientation class.
func Rotate90CCW(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(y-b.Min.Y, b.Max.X-1-x, img.At(x, y))
		}
	}
	return out
}

// Scale resamples an image to the exact target size.
func Scale(img image.Image, width, height int) image.Image {
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return out
}

// containFit returns the largest size that fits img inside cellW x cellH
// while preserving the aspect ratio.
func containFit(img image.Image, cellW, cellH int) (int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0, 0
	}
	scaled := w * cellH / h
	if scaled <= cellW {
		return scaled, cellH
	}
	return cellW, h * cellW / w
}

func whiteCanvas(width, height int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return out
}
