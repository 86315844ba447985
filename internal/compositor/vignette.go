package compositor

import (
	"image"
	"image/color"
	"math"
)

// VignetteMask returns a black overlay whose alpha grows with the normalized
// distance r from the center: alpha = clamp(r^1.5 * intensity/100, 0, 1).
// Coordinates are normalized to [-1,1] on both axes.
func VignetteMask(w, h int, intensity float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	k := intensity / 100
	for py := 0; py < h; py++ {
		ny := normalize(py, h)
		for px := 0; px < w; px++ {
			nx := normalize(px, w)
			r := math.Sqrt(nx*nx + ny*ny)
			a := math.Min(math.Max(math.Pow(r, 1.5)*k, 0), 1)
			img.SetNRGBA(px, py, color.NRGBA{A: uint8(math.Round(a * 255))})
		}
	}
	return img
}

// normalize maps pixel i of n onto [-1,1], endpoints included.
func normalize(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return -1 + 2*float64(i)/float64(n-1)
}
