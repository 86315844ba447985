// Package mixer collects the audio contributions of a timeline.
package mixer

import (
	"math"

	"github.com/miyog/engine/internal/compositor"
	"github.com/miyog/engine/internal/timeline"
)

// Contribution is one time-aligned audio source in the mix.
type Contribution struct {
	Ref    timeline.Ref
	ClipID string
	Path   string
	Start  float64 // offset on the output timeline
	Play   float64 // seconds played from the source start
	Volume float64
}

// Mix returns contributions in track then clip order. Hidden and muted
// tracks add nothing. Sources are trimmed to min(declared, natural) duration and never
// looped. Video clips contribute only when the source carries audio.
func Mix(tl *timeline.Timeline, assets compositor.Assets) []Contribution {
	var out []Contribution
	for ti := range tl.Tracks {
		track := &tl.Tracks[ti]
		if track.Hidden || track.Muted {
			continue
		}
		for ci := range track.Clips {
			clip := &track.Clips[ci]
			ref := timeline.Ref{Track: ti, Clip: ci}

			a, ok := assets[ref]
			if !ok || a.Info == nil {
				continue
			}
			switch clip.Kind() {
			case timeline.KindAudio:
			case timeline.KindVideo:
				if !a.Info.HasAudio {
					continue
				}
			default:
				continue
			}
			out = append(out, Contribution{
				Ref:    ref,
				ClipID: clip.ID,
				Path:   a.Path,
				Start:  clip.Start,
				Play:   PlayedDuration(clip.Duration, a.Info.Duration),
				Volume: clip.Props.Volume,
			})
		}
	}
	return out
}

// PlayedDuration is min(declared, natural). An unknown natural duration
// leaves the declared duration in place.
func PlayedDuration(declared, natural float64) float64 {
	if natural <= 0 {
		return declared
	}
	return math.Min(declared, natural)
}
