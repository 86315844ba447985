package compositor

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var captionFont = sync.OnceValues(func() (*opentype.Font, error) {
	return opentype.Parse(gobold.TTF)
})

// RenderText rasterizes content into a transparent box boxWidth pixels wide.
// Lines are word-wrapped and centered; the height follows the line count.
func RenderText(content string, boxWidth int, fontSize float64, col color.RGBA) (*image.RGBA, error) {
	if boxWidth <= 0 {
		return nil, fmt.Errorf("text box width must be > 0")
	}
	f, err := captionFont()
	if err != nil {
		return nil, fmt.Errorf("load font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: fontSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create face: %w", err)
	}
	defer face.Close()

	lines := WrapText(content, boxWidth, func(s string) int {
		return font.MeasureString(face, s).Ceil()
	})
	if len(lines) == 0 {
		lines = []string{""}
	}

	m := face.Metrics()
	lineHeight := m.Height.Ceil()
	if lineHeight <= 0 {
		lineHeight = int(fontSize * 1.2)
	}
	height := lineHeight*len(lines) + m.Descent.Ceil()

	img := image.NewRGBA(image.Rect(0, 0, boxWidth, height))

	d := &font.Drawer{Dst: img, Src: image.NewUniform(col), Face: face}
	for i, line := range lines {
		w := d.MeasureString(line).Ceil()
		x := (boxWidth - w) / 2
		if x < 0 {
			x = 0
		}
		d.Dot = fixed.P(x, m.Ascent.Ceil()+i*lineHeight)
		d.DrawString(line)
	}
	return img, nil
}

// WrapText splits content into lines no wider than width according to
// measure. A single word wider than width gets a line of its own.
func WrapText(content string, width int, measure func(string) int) []string {
	var lines []string
	for _, para := range strings.Split(content, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			candidate := cur + " " + w
			if measure(candidate) <= width {
				cur = candidate
				continue
			}
			lines = append(lines, cur)
			cur = w
		}
		lines = append(lines, cur)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
