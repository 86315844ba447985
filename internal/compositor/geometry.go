package compositor

import (
	"math"

	"github.com/miyog/engine/internal/timeline"
)

// Geometry is the placement of one visual element on the canvas, computed
// in the order scale, rotate, opacity, position.
type Geometry struct {
	Scale   float64
	Width   int // scaled size before rotation
	Height  int
	Angle   float64 // applied rotation in degrees, counter-clockwise positive
	BoundsW int     // bounding box after rotation
	BoundsH int
	Opacity float64
	X       int // top-left of the bounding box
	Y       int
}

// Rotated reports whether a rotation must be applied.
func (g Geometry) Rotated() bool { return g.Angle != 0 }

// ScaleFactor returns the uniform factor applied to a srcW x srcH source.
// Cover mode fills the canvas and lets the overflow be cropped; otherwise
// the element is sized to widthPct of the canvas width.
func ScaleFactor(canvas timeline.Canvas, srcW, srcH int, widthPct float64, cover bool) float64 {
	if srcW <= 0 || srcH <= 0 {
		return 0
	}
	cw, ch := float64(canvas.Width), float64(canvas.Height)
	if cover {
		return math.Max(cw/float64(srcW), ch/float64(srcH))
	}
	return cw * widthPct / 100 / float64(srcW)
}

// AppliedAngle converts the rotation property (positive = clockwise on
// screen) into the counter-clockwise-positive angle the transform applies.
func AppliedAngle(rotation float64) float64 {
	if rotation == 0 {
		return 0
	}
	return -rotation
}

// RotatedBounds returns the bounding box of a w x h element rotated by deg.
func RotatedBounds(w, h int, deg float64) (int, int) {
	if deg == 0 {
		return w, h
	}
	rad := deg * math.Pi / 180
	c, s := math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad))
	bw := float64(w)*c + float64(h)*s
	bh := float64(w)*s + float64(h)*c
	return int(math.Ceil(bw - 1e-9)), int(math.Ceil(bh - 1e-9))
}

// Place computes the geometry of a srcW x srcH source for props.
func Place(canvas timeline.Canvas, srcW, srcH int, props timeline.Properties, cover bool) Geometry {
	f := ScaleFactor(canvas, srcW, srcH, props.Width, cover)
	w := max(1, int(math.Round(float64(srcW)*f)))
	h := max(1, int(math.Round(float64(srcH)*f)))

	angle := AppliedAngle(props.Rotation)
	bw, bh := RotatedBounds(w, h, angle)

	cx := float64(canvas.Width) * props.X / 100
	cy := float64(canvas.Height) * props.Y / 100

	return Geometry{
		Scale:   f,
		Width:   w,
		Height:  h,
		Angle:   angle,
		BoundsW: bw,
		BoundsH: bh,
		Opacity: props.Opacity,
		X:       int(math.Round(cx - float64(bw)/2)),
		Y:       int(math.Round(cy - float64(bh)/2)),
	}
}
