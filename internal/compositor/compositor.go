// Package compositor turns a timeline into an ordered stack of positioned,
// time-bounded visual layers.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/media"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/timeline"
)

// Asset is a resolved, probed clip source.
type Asset struct {
	Path string
	Info *media.Info
}

// Assets maps clips to their resolved sources. Clips without an entry were
// not resolvable and are skipped.
type Assets map[timeline.Ref]Asset

// Components holds resolved component overrides.
type Components struct {
	Background *Asset
	Foreground *Asset
}

// Input describes how a layer's frames are produced.
type Input struct {
	Path     string  // file input; empty for generated color
	Color    string  // 0xRRGGBB for generated color sources
	Still    bool    // single image held for Duration
	Loop     bool    // loop the file to fill Duration
	Duration float64 // seconds read from the input
}

// Layer is one visual element of the composite.
type Layer struct {
	Name     string
	Ref      *timeline.Ref
	Kind     timeline.Kind
	Input    Input
	Start    float64
	End      float64
	Geometry Geometry
}

// Composition is the full visual stack, bottom to top. BaseColor is always
// present beneath every layer.
type Composition struct {
	Canvas    timeline.Canvas
	FPS       int
	Duration  float64
	BaseColor string
	Layers    []Layer
}

// Skip records a clip left out of the composite.
type Skip struct {
	Ref    timeline.Ref
	ClipID string
	Reason string
}

// Compositor builds compositions. Rasterized text and masks go to workspace.
type Compositor struct {
	workspace string
	logger    zerolog.Logger
}

// New creates a compositor writing generated images into workspace.
func New(workspace string, logger zerolog.Logger) *Compositor {
	return &Compositor{
		workspace: workspace,
		logger:    logger.With().Str("component", "compositor").Logger(),
	}
}

var errNoVisual = errors.New("no visual element")

// Compose builds the layer stack. Tracks render in index order with hidden
// tracks left out; a clip that cannot be built is logged and skipped.
func (c *Compositor) Compose(tl *timeline.Timeline, assets Assets, comps Components) (*Composition, []Skip) {
	comp := &Composition{
		Canvas:    tl.Canvas,
		FPS:       tl.FPS,
		Duration:  tl.Duration,
		BaseColor: timeline.HexColor(tl.Background),
	}

	if comps.Background != nil {
		if l, err := c.componentLayer("background", *comps.Background, tl, true); err != nil {
			c.logger.Warn().Err(err).Msg("background override unusable")
		} else {
			comp.Layers = append(comp.Layers, l)
		}
	}
	if comps.Foreground != nil {
		if l, err := c.componentLayer("foreground", *comps.Foreground, tl, false); err != nil {
			c.logger.Warn().Err(err).Msg("foreground override unusable")
		} else {
			comp.Layers = append(comp.Layers, l)
		}
	}

	var skips []Skip
	for ti := range tl.Tracks {
		track := &tl.Tracks[ti]
		if track.Hidden {
			continue
		}
		for ci := range track.Clips {
			ref := timeline.Ref{Track: ti, Clip: ci}
			clip := &track.Clips[ci]

			layer, err := c.clipLayer(tl, ref, clip, assets)
			if errors.Is(err, errNoVisual) {
				continue
			}
			if err != nil {
				c.logger.Warn().
					Err(err).
					Int("track", ti).
					Str("clip_id", clip.ID).
					Str("kind", string(clip.Kind())).
					Msg("skipping clip")
				skips = append(skips, Skip{Ref: ref, ClipID: clip.ID, Reason: err.Error()})
				continue
			}
			comp.Layers = append(comp.Layers, layer)
		}
	}

	if tl.Vignette > 0 {
		if l, err := c.vignetteLayer(tl); err != nil {
			c.logger.Warn().Err(err).Msg("vignette skipped")
		} else {
			comp.Layers = append(comp.Layers, l)
		}
	}
	return comp, skips
}

func (c *Compositor) clipLayer(tl *timeline.Timeline, ref timeline.Ref, clip *timeline.Clip, assets Assets) (layer Layer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("building clip panicked: %v", r)
		}
	}()

	b := &layerBuilder{c: c, tl: tl, clip: clip}
	if _, sourced := timeline.SourceOf(clip.Body); sourced {
		a, ok := assets[ref]
		if !ok {
			return Layer{}, errors.New("source not resolved")
		}
		b.asset = &a
	}
	if err := clip.Body.Accept(b); err != nil {
		return Layer{}, err
	}
	b.layer.Name = clip.ID
	b.layer.Ref = &ref
	b.layer.Kind = clip.Kind()
	b.layer.Start = clip.Start
	b.layer.End = clip.End()
	return b.layer, nil
}

// layerBuilder is the per-kind strategy for one clip.
type layerBuilder struct {
	c     *Compositor
	tl    *timeline.Timeline
	clip  *timeline.Clip
	asset *Asset
	layer Layer
}

func (b *layerBuilder) VisitVideo(timeline.Video) error {
	info := b.asset.Info
	if info == nil || !info.HasVideo || info.Width <= 0 || info.Height <= 0 {
		return errors.New("source has no video stream")
	}
	b.layer.Input = Input{
		Path:     b.asset.Path,
		Loop:     info.Duration > 0 && info.Duration < b.clip.Duration,
		Duration: b.clip.Duration,
	}
	b.layer.Geometry = Place(b.tl.Canvas, info.Width, info.Height, b.clip.Props, b.clip.Props.Cover())
	return nil
}

func (b *layerBuilder) VisitImage(timeline.Image) error {
	info := b.asset.Info
	if info == nil || info.Width <= 0 || info.Height <= 0 {
		return errors.New("source has no image dimensions")
	}
	b.layer.Input = Input{Path: b.asset.Path, Still: true, Duration: b.clip.Duration}
	b.layer.Geometry = Place(b.tl.Canvas, info.Width, info.Height, b.clip.Props, b.clip.Props.Cover())
	return nil
}

func (b *layerBuilder) VisitAudio(timeline.Audio) error {
	return errNoVisual
}

func (b *layerBuilder) VisitText(t timeline.Text) error {
	props := b.clip.Props
	boxWidth := int(float64(b.tl.Canvas.Width) * props.Width / 100)
	img, err := RenderText(t.Content, boxWidth, props.FontSize, props.Color)
	if err != nil {
		return err
	}
	path, err := b.c.writePNG("text", img)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	b.layer.Input = Input{Path: path, Still: true, Duration: b.clip.Duration}
	// Text keeps its box width; cover mode never applies.
	b.layer.Geometry = Place(b.tl.Canvas, bounds.Dx(), bounds.Dy(), props, false)
	return nil
}

func (b *layerBuilder) VisitColor(timeline.Color) error {
	b.layer.Input = Input{Color: timeline.HexColor(b.clip.Props.Color), Duration: b.clip.Duration}
	b.layer.Geometry = Place(b.tl.Canvas, b.tl.Canvas.Width, b.tl.Canvas.Height, b.clip.Props, b.clip.Props.Cover())
	return nil
}

// componentLayer spans the whole timeline. The background fills the canvas
// in cover mode; the foreground is fitted to the canvas width and centered.
func (c *Compositor) componentLayer(name string, a Asset, tl *timeline.Timeline, cover bool) (Layer, error) {
	if a.Info == nil || a.Info.Width <= 0 || a.Info.Height <= 0 {
		return Layer{}, fmt.Errorf("%s has no video stream", name)
	}
	props, err := timeline.NewProperties(timeline.KindVideo, model.ClipProperties{})
	if err != nil {
		return Layer{}, err
	}
	in := Input{Path: a.Path, Duration: tl.Duration}
	switch {
	case a.Info.Duration <= 0:
		in.Still = true
	case a.Info.Duration < tl.Duration:
		in.Loop = true
	}
	return Layer{
		Name:     name,
		Kind:     timeline.KindVideo,
		Input:    in,
		Start:    0,
		End:      tl.Duration,
		Geometry: Place(tl.Canvas, a.Info.Width, a.Info.Height, props, cover),
	}, nil
}

func (c *Compositor) vignetteLayer(tl *timeline.Timeline) (Layer, error) {
	mask := VignetteMask(tl.Canvas.Width, tl.Canvas.Height, tl.Vignette)
	path, err := c.writePNG("vignette", mask)
	if err != nil {
		return Layer{}, err
	}
	return Layer{
		Name:  "vignette",
		Kind:  timeline.KindImage,
		Input: Input{Path: path, Still: true, Duration: tl.Duration},
		Start: 0,
		End:   tl.Duration,
		Geometry: Geometry{
			Scale: 1, Width: tl.Canvas.Width, Height: tl.Canvas.Height,
			BoundsW: tl.Canvas.Width, BoundsH: tl.Canvas.Height, Opacity: 1,
		},
	}, nil
}

func (c *Compositor) writePNG(prefix string, img image.Image) (string, error) {
	path := filepath.Join(c.workspace, fmt.Sprintf("%s_%s.png", prefix, uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", prefix, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encode %s: %w", prefix, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
