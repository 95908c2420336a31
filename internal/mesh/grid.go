package mesh

import (
	"errors"
	"image"

	"github.com/anthonynsimon/bild/transform"
)

const (
	// depthScale stretches the normalized depth into scene units.
	depthScale = 100.0
	// shellOffset is the gap between the front relief and the back shell,
	// small enough to stay unobtrusive but large enough to avoid z-fighting.
	shellOffset = 2.0

	// DefaultMaxDim caps the relief grid resolution. Each pixel becomes a
	// vertex pair, so full-size photos would produce multi-million-vertex
	// meshes that browsers choke on.
	DefaultMaxDim = 320
)

// DepthField supplies normalized depth per pixel of the source image.
type DepthField interface {
	At(x, y int) float64
}

// Grid is a colored relief surface built from an image and its depth field.
// The first Width*Height positions form the front relief; the second half is
// a back shell shifted along -Z so the mesh reads as a solid from any angle.
type Grid struct {
	Width  int
	Height int

	Positions [][3]float32
	Colors    [][4]uint8
	Indices   []uint32
}

// BuildGrid converts an image-space grid into Y-up world coordinates:
// X stays rightward, Y is flipped upward, and depth becomes Z scaled and
// centered around the origin.
func BuildGrid(img image.Image, field DepthField) (*Grid, error) {
	if img == nil || field == nil {
		return nil, errors.New("image and depth field are required")
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 2 || h < 2 {
		return nil, errors.New("image must be at least 2x2 pixels")
	}

	n := w * h
	g := &Grid{
		Width:     w,
		Height:    h,
		Positions: make([][3]float32, 2*n),
		Colors:    make([][4]uint8, 2*n),
	}

	// Depth is mean-centered so the relief straddles Z=0.
	var zMean float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			zMean += field.At(x, y) * depthScale
		}
	}
	zMean /= float64(n)

	halfW := float64(w-1) / 2.0
	halfH := float64(h-1) / 2.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			px := float64(x) - halfW
			// Flip Y to the renderer's Y-up convention.
			py := float64((h-1)-y) - halfH
			pz := field.At(x, y)*depthScale - zMean

			g.Positions[idx] = [3]float32{float32(px), float32(py), float32(pz)}
			g.Positions[n+idx] = [3]float32{float32(px), float32(py), float32(pz - shellOffset)}

			r, gr, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			c := [4]uint8{uint8(r >> 8), uint8(gr >> 8), uint8(b >> 8), 255}
			g.Colors[idx] = c
			g.Colors[n+idx] = c
		}
	}

	// Two triangles per cell. Front faces wind counter-clockwise seen from
	// the front; the back shell reverses the winding.
	g.Indices = make([]uint32, 0, 12*(w-1)*(h-1))
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			idx := uint32(y*w + x)
			g.Indices = append(g.Indices,
				idx, idx+uint32(w), idx+1,
				idx+1, idx+uint32(w), idx+uint32(w)+1,
			)
		}
	}
	back := uint32(n)
	for y := 0; y < h-1; y++ {
		for x := 0; x < w-1; x++ {
			idx := back + uint32(y*w+x)
			g.Indices = append(g.Indices,
				idx, idx+1, idx+uint32(w),
				idx+1, idx+uint32(w)+1, idx+uint32(w),
			)
		}
	}
	return g, nil
}

// FrontPositions returns only the relief surface, the point-cloud sampling
// the original image pixels.
func (g *Grid) FrontPositions() [][3]float32 {
	return g.Positions[:g.Width*g.Height]
}

// FrontColors returns the colors matching FrontPositions.
func (g *Grid) FrontColors() [][4]uint8 {
	return g.Colors[:g.Width*g.Height]
}

// Downscale fits the image inside maxDim x maxDim, preserving aspect ratio.
// Images already small enough are returned unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		maxDim = DefaultMaxDim
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return transform.Resize(img, w, h, transform.Lanczos)
}
