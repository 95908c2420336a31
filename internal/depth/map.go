package depth

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/anthonynsimon/bild/transform"
)

// Map holds a per-pixel relative depth field normalized to [0,1].
// Larger values are closer to the camera, matching the model's inverse
// depth convention.
type Map struct {
	Width  int
	Height int
	values []float64
}

// FromImage builds a normalized map from a grayscale (or any) image by
// min-max scaling its luminance. A flat image yields an all-zero map.
func FromImage(img image.Image) *Map {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	m := &Map{Width: w, Height: h, values: make([]float64, w*h)}

	minV, maxV := 1.0, 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			v := float64(g.Y) / 65535.0
			m.values[y*w+x] = v
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	span := maxV - minV
	if span <= 0 {
		for i := range m.values {
			m.values[i] = 0
		}
		return m
	}
	for i, v := range m.values {
		m.values[i] = (v - minV) / span
	}
	return m
}

// Resize interpolates the map to a new resolution. Models typically predict
// at their own native input size, so the prediction has to be scaled back to
// the dimensions of the image it describes before any per-pixel use.
func (m *Map) Resize(w, h int) (*Map, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("invalid target size %dx%d", w, h)
	}
	if m.Width < 1 || m.Height < 1 {
		return nil, fmt.Errorf("cannot resize empty %dx%d map", m.Width, m.Height)
	}
	if w == m.Width && h == m.Height {
		return m, nil
	}
	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(m.At(x, y)*65535 + 0.5)})
		}
	}
	return FromImage(transform.Resize(src, w, h, transform.Linear)), nil
}

// At returns the normalized depth at pixel (x, y).
func (m *Map) At(x, y int) float64 {
	return m.values[y*m.Width+x]
}

// Image renders the map as an 8-bit grayscale image for display.
func (m *Map) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(m.At(x, y)*255 + 0.5)})
		}
	}
	return img
}

// EncodePNG serializes the map's display image.
func (m *Map) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m.Image()); err != nil {
		return nil, fmt.Errorf("encode depth png: %w", err)
	}
	return buf.Bytes(), nil
}
