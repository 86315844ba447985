package timeline

import (
	"fmt"
	"image/color"

	"github.com/miyog/engine/internal/model"
)

// Defaults for clip properties.
const (
	DefaultVolume    = 1.0
	DefaultSize      = 100.0
	DefaultTextWidth = 80.0
	DefaultCenter    = 50.0
	DefaultOpacity   = 1.0
	DefaultFontSize  = 60.0
	DefaultTextColor = "white"
)

// Properties are the typed, defaulted clip properties. Width, Height, X and Y
// are percentages of the canvas; X/Y locate the clip center.
type Properties struct {
	Volume   float64
	Width    float64
	Height   float64
	X        float64
	Y        float64
	Opacity  float64
	Rotation float64
	FontSize float64
	Color    color.RGBA
}

// Cover reports whether the clip fills the canvas in cover mode.
func (p Properties) Cover() bool {
	return p.Width == 100 && p.Height == 100
}

// NewProperties applies defaults to the wire properties and validates them.
func NewProperties(kind Kind, in model.ClipProperties) (Properties, error) {
	p := Properties{
		Volume:   value(in.Volume, DefaultVolume),
		Width:    value(in.Width, DefaultSize),
		Height:   value(in.Height, DefaultSize),
		X:        value(in.X, DefaultCenter),
		Y:        value(in.Y, DefaultCenter),
		Opacity:  value(in.Opacity, DefaultOpacity),
		Rotation: value(in.Rotation, 0),
		FontSize: value(in.FontSize, DefaultFontSize),
	}
	if kind == KindText && in.Width == nil {
		p.Width = DefaultTextWidth
	}

	if p.Volume < 0 {
		return Properties{}, fmt.Errorf("volume must be >= 0, got %g", p.Volume)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return Properties{}, fmt.Errorf("width and height must be > 0, got %gx%g", p.Width, p.Height)
	}
	if p.FontSize <= 0 {
		return Properties{}, fmt.Errorf("fontSize must be > 0, got %g", p.FontSize)
	}
	p.Opacity = clamp(p.Opacity, 0, 1)

	colorName := in.Color
	if colorName == "" {
		switch kind {
		case KindColor:
			colorName = "black"
		default:
			colorName = DefaultTextColor
		}
	}
	c, err := ParseColor(colorName)
	if err != nil {
		return Properties{}, err
	}
	p.Color = c
	return p, nil
}

func value(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
