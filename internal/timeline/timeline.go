// Package timeline holds the typed, validated form of a render payload.
package timeline

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/miyog/engine/internal/model"
)

// Defaults applied when the payload omits or garbles a value.
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
	DefaultFPS    = 24
)

// ErrEmptyTimeline is returned when no clip gives the timeline a duration.
var ErrEmptyTimeline = errors.New("timeline has no duration")

// Canvas is the output frame size in pixels.
type Canvas struct {
	Width  int
	Height int
}

func (c Canvas) String() string { return fmt.Sprintf("%dx%d", c.Width, c.Height) }

// Timeline is a render-ready description of one output video.
// Tracks[0] renders beneath Tracks[1] and so on.
type Timeline struct {
	Canvas     Canvas
	FPS        int
	Duration   float64
	Background color.RGBA
	Vignette   float64

	// Component overrides. A failure to fetch either is fatal for the job.
	BackgroundMedia string
	ForegroundMedia string

	Tracks []Track
}

// Issue describes a clip dropped while building the timeline.
type Issue struct {
	Ref    Ref
	ClipID string
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("track %d clip %d (%s): %s", i.Ref.Track, i.Ref.Clip, i.ClipID, i.Reason)
}

// Clip returns the clip at ref.
func (t *Timeline) Clip(ref Ref) *Clip {
	return &t.Tracks[ref.Track].Clips[ref.Clip]
}

// Refs lists every clip in track then clip order.
func (t *Timeline) Refs() []Ref {
	var refs []Ref
	for ti := range t.Tracks {
		for ci := range t.Tracks[ti].Clips {
			refs = append(refs, Ref{Track: ti, Clip: ci})
		}
	}
	return refs
}

// FurthestEnd returns the maximum clip end across all tracks.
func (t *Timeline) FurthestEnd() float64 {
	end := 0.0
	for _, tr := range t.Tracks {
		for i := range tr.Clips {
			end = math.Max(end, tr.Clips[i].End())
		}
	}
	return end
}

// FromPayload validates p and converts it into a Timeline. Clips that cannot
// be built are dropped and reported as issues; only canvas-level problems
// fail the whole conversion.
func FromPayload(p *model.RenderPayload) (*Timeline, []Issue, error) {
	w, h := ParseResolution(p.Resolution)
	tl := &Timeline{
		Canvas:          Canvas{Width: w, Height: h},
		FPS:             p.FPS,
		Vignette:        clamp(p.VignetteIntensity, 0, 100),
		BackgroundMedia: p.Files.Background,
		ForegroundMedia: p.Files.Foreground,
		Background:      color.RGBA{A: 0xff},
	}
	if tl.FPS <= 0 {
		tl.FPS = DefaultFPS
	}
	if p.BackgroundColor != "" {
		bg, err := ParseColor(p.BackgroundColor)
		if err != nil {
			return nil, nil, fmt.Errorf("background_color: %w", err)
		}
		tl.Background = bg
	}

	var issues []Issue
	for ti, tp := range p.Timeline {
		track := Track{
			ID:     string(tp.ID),
			Label:  tp.Label,
			Kind:   tp.Type,
			Hidden: tp.IsHidden,
			Muted:  tp.IsMuted,
		}
		for ci, cp := range tp.Clips {
			clip, err := newClip(cp)
			if err != nil {
				issues = append(issues, Issue{Ref: Ref{Track: ti, Clip: ci}, ClipID: string(cp.ID), Reason: err.Error()})
				continue
			}
			track.Clips = append(track.Clips, clip)
		}
		tl.Tracks = append(tl.Tracks, track)
	}

	tl.Duration = tl.FurthestEnd()
	if p.Duration != nil && *p.Duration > tl.Duration {
		tl.Duration = *p.Duration
	}
	if tl.Duration <= 0 {
		return nil, issues, ErrEmptyTimeline
	}
	return tl, issues, nil
}

func newClip(cp model.ClipPayload) (Clip, error) {
	if cp.Duration <= 0 || math.IsNaN(cp.Duration) || math.IsInf(cp.Duration, 0) {
		return Clip{}, fmt.Errorf("duration must be > 0, got %g", cp.Duration)
	}
	if cp.Start < 0 || math.IsNaN(cp.Start) {
		return Clip{}, fmt.Errorf("start must be >= 0, got %g", cp.Start)
	}

	var body Body
	switch cp.Type {
	case model.ClipTypeVideo:
		body = Video{Source: cp.Source()}
	case model.ClipTypeImage:
		body = Image{Source: cp.Source()}
	case model.ClipTypeAudio:
		body = Audio{Source: cp.Source()}
	case model.ClipTypeText:
		body = Text{Content: cp.Content}
	case model.ClipTypeColor:
		body = Color{}
	default:
		return Clip{}, fmt.Errorf("unknown clip type %q", cp.Type)
	}

	props, err := NewProperties(body.Kind(), cp.Properties)
	if err != nil {
		return Clip{}, err
	}
	return Clip{ID: string(cp.ID), Start: cp.Start, Duration: cp.Duration, Props: props, Body: body}, nil
}

// ParseResolution parses "WxH". Anything unusable yields the 1920x1080 default.
func ParseResolution(s string) (int, int) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return DefaultWidth, DefaultHeight
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return DefaultWidth, DefaultHeight
	}
	return w, h
}
