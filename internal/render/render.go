// Package render encodes a composition and its audio mix with ffmpeg.
package render

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/compositor"
	"github.com/miyog/engine/internal/media"
	"github.com/miyog/engine/internal/mixer"
)

// Profile is the encoder configuration. It is fixed per deployment.
type Profile struct {
	VideoCodec   string
	Preset       string
	CRF          int
	PixFmt       string
	AudioCodec   string
	AudioBitrate string
	Threads      int
}

// FastProfile trades size for encode speed.
var FastProfile = Profile{
	VideoCodec:   "libx264",
	Preset:       "ultrafast",
	CRF:          23,
	PixFmt:       "yuv420p",
	AudioCodec:   "aac",
	AudioBitrate: "192k",
	Threads:      4,
}

// Renderer turns a composition into one output file.
type Renderer struct {
	runner  media.Runner
	profile Profile
	logger  zerolog.Logger
}

// New creates a renderer using the fast profile.
func New(runner media.Runner, logger zerolog.Logger) *Renderer {
	return &Renderer{
		runner:  runner,
		profile: FastProfile,
		logger:  logger.With().Str("component", "render").Logger(),
	}
}

// Render encodes comp and mix into out. progress receives the encoded
// fraction of the timeline in [0,1].
func (r *Renderer) Render(ctx context.Context, comp *compositor.Composition, mix []mixer.Contribution, out string, progress func(float64)) error {
	args := BuildArgs(comp, mix, out, r.profile)

	r.logger.Info().
		Int("layers", len(comp.Layers)).
		Int("audio_sources", len(mix)).
		Str("canvas", comp.Canvas.String()).
		Float64("duration", comp.Duration).
		Msg("encoding timeline")

	err := r.runner.Run(ctx, media.RunOptions{
		Args: args,
		Progress: func(p media.Progress) {
			if progress != nil {
				progress(p.Fraction(comp.Duration))
			}
		},
		Log: func(line string) {
			r.logger.Debug().Str("ffmpeg", line).Msg("ffmpeg output")
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrEncoding, "render", "ffmpeg", "", err)
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		return apperr.Wrap(apperr.ErrEncoding, "render", "output", "encoder produced no output", err)
	}
	return nil
}

// BuildArgs assembles the ffmpeg arguments: the base color source, one
// input per layer, one input per audio contribution, and a filter graph that
// stacks the layers bottom to top and sums the audio.
func BuildArgs(comp *compositor.Composition, mix []mixer.Contribution, out string, p Profile) []string {
	var (
		args   []string
		graph  []string
		inputs int
	)
	fps := strconv.Itoa(comp.FPS)
	dur := num(comp.Duration)
	size := fmt.Sprintf("%dx%d", comp.Canvas.Width, comp.Canvas.Height)

	args = append(args, "-f", "lavfi", "-t", dur, "-i", fmt.Sprintf("color=c=%s:s=%s:r=%s", comp.BaseColor, size, fps))
	inputs++

	prev := "[0:v]"
	for k, l := range comp.Layers {
		idx := inputs
		args = append(args, layerInput(l, size, fps)...)
		inputs++

		label := fmt.Sprintf("[l%d]", k)
		graph = append(graph, fmt.Sprintf("[%d:v]%s%s", idx, layerChain(l), label))

		next := fmt.Sprintf("[v%d]", k)
		g := l.Geometry
		graph = append(graph, fmt.Sprintf("%s%soverlay=x=%d:y=%d:eof_action=pass:enable='between(t,%s,%s)'%s",
			prev, label, g.X, g.Y, num(l.Start), num(l.End), next))
		prev = next
	}
	graph = append(graph, fmt.Sprintf("%sfps=%s,format=%s[vout]", prev, fps, p.PixFmt))

	var audioLabels []string
	for k, c := range mix {
		idx := inputs
		args = append(args, "-t", num(c.Play), "-i", c.Path)
		inputs++

		label := fmt.Sprintf("[a%d]", k)
		if len(mix) == 1 {
			label = "[aout]"
		}
		delay := int64(math.Round(c.Start * 1000))
		graph = append(graph, fmt.Sprintf("[%d:a]asetpts=PTS-STARTPTS,volume=%s,adelay=%d:all=1%s",
			idx, num(c.Volume), delay, label))
		audioLabels = append(audioLabels, label)
	}
	if len(mix) > 1 {
		graph = append(graph, fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0:normalize=0[aout]",
			strings.Join(audioLabels, ""), len(mix)))
	}

	args = append(args, "-filter_complex", strings.Join(graph, ";"), "-map", "[vout]")
	if len(mix) > 0 {
		args = append(args, "-map", "[aout]")
	}
	args = append(args,
		"-r", fps,
		"-t", dur,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-pix_fmt", p.PixFmt,
		"-threads", strconv.Itoa(p.Threads),
	)
	if len(mix) > 0 {
		args = append(args, "-c:a", p.AudioCodec, "-b:a", p.AudioBitrate)
	} else {
		args = append(args, "-an")
	}
	args = append(args, "-movflags", "+faststart", out)
	return args
}

func layerInput(l compositor.Layer, size, fps string) []string {
	in := l.Input
	d := num(in.Duration)
	switch {
	case in.Path == "":
		return []string{"-f", "lavfi", "-t", d, "-i", fmt.Sprintf("color=c=%s:s=%s:r=%s", in.Color, size, fps)}
	case in.Still:
		return []string{"-loop", "1", "-framerate", fps, "-t", d, "-i", in.Path}
	case in.Loop:
		return []string{"-stream_loop", "-1", "-t", d, "-i", in.Path}
	default:
		return []string{"-t", d, "-i", in.Path}
	}
}

// layerChain applies scale, rotation, opacity and the start offset.
func layerChain(l compositor.Layer) string {
	g := l.Geometry
	parts := []string{
		"setpts=PTS-STARTPTS",
		fmt.Sprintf("scale=%d:%d", g.Width, g.Height),
		"format=rgba",
	}
	if g.Rotated() {
		// ffmpeg's rotate is clockwise-positive.
		rad := -g.Angle * math.Pi / 180
		parts = append(parts, fmt.Sprintf("rotate=%s:c=none:ow=%d:oh=%d", strconv.FormatFloat(rad, 'f', 6, 64), g.BoundsW, g.BoundsH))
	}
	if g.Opacity < 1 {
		parts = append(parts, fmt.Sprintf("colorchannelmixer=aa=%s", num(g.Opacity)))
	}
	parts = append(parts, fmt.Sprintf("setpts=PTS+%s/TB", num(l.Start)))
	return strings.Join(parts, ",")
}

// num formats seconds and factors with millisecond precision.
func num(f float64) string {
	return strconv.FormatFloat(math.Round(f*1000)/1000, 'f', -1, 64)
}
