// Package pipeline turns a topic or script into a renderable timeline by
// driving the script, voice, alignment, optimization and visual
// collaborators in sequence.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/timeline"
)

// Progress checkpoints, in percent.
const (
	ProgressScript    = 5
	ProgressVoice     = 15
	ProgressAligned   = 30
	ProgressOptimized = 45
	ProgressVisuals   = 50
	ProgressGenerated = 75
)

// LastClipDuration is used when the final segment has no usable end.
const LastClipDuration = 5.0

// Segment is one timed span of narration.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// VisualSegment is one span that gets its own generated clip.
type VisualSegment struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Prompt string  `json:"prompt"`
}

type ScriptWriter interface {
	WriteScript(ctx context.Context, topic, target string) (string, error)
}

// NarrationSynthesizer speaks text, optionally cloning referenceVoice (a
// storage key), and returns the storage key of the audio.
type NarrationSynthesizer interface {
	Synthesize(ctx context.Context, text, referenceVoice string) (string, error)
}

type Aligner interface {
	Align(ctx context.Context, audioKey string) ([]Segment, error)
}

type SegmentOptimizer interface {
	Optimize(ctx context.Context, segments []Segment) ([]VisualSegment, error)
}

// VisualGenerator renders a prompt into a clip and returns its storage key.
type VisualGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Collaborators groups the external steps of a generation run.
type Collaborators struct {
	Script    ScriptWriter
	Voice     NarrationSynthesizer
	Aligner   Aligner
	Optimizer SegmentOptimizer
	Visuals   VisualGenerator
}

// Pipeline runs the generation sequence. It keeps no per-run state.
type Pipeline struct {
	c      Collaborators
	logger zerolog.Logger
}

func New(c Collaborators, logger zerolog.Logger) *Pipeline {
	return &Pipeline{c: c, logger: logger.With().Str("component", "pipeline").Logger()}
}

// Run produces a copy of p carrying a synthesized two-track timeline.
// report receives progress in percent and may be nil.
func (pl *Pipeline) Run(ctx context.Context, p *model.RenderPayload, report func(int)) (*model.RenderPayload, error) {
	if report == nil {
		report = func(int) {}
	}

	script := strings.TrimSpace(p.Script)
	if script == "" {
		topic := cmp.Or(strings.TrimSpace(p.Topic), strings.TrimSpace(p.Title))
		if topic == "" {
			return nil, apperr.Wrap(apperr.ErrConfiguration, "script", "", "payload has neither timeline, script nor topic", nil)
		}
		pl.logger.Info().Str("topic", topic).Msg("generating script")
		s, err := pl.c.Script.WriteScript(ctx, topic, model.TargetDuration30s)
		if err != nil {
			return nil, stageErr("script", err)
		}
		if script = strings.TrimSpace(s); script == "" {
			return nil, stageErr("script", errors.New("empty script"))
		}
		report(ProgressScript)
	}

	// The editor's "Audio Track" file doubles as the reference voice.
	ref := cmp.Or(p.VoiceKey, p.Files.AudioTrack)
	pl.logger.Info().Int("chars", len(script)).Bool("reference_voice", ref != "").Msg("synthesizing narration")
	audioKey, err := pl.c.Voice.Synthesize(ctx, script, ref)
	if err != nil {
		return nil, stageErr("voice", err)
	}
	if audioKey == "" {
		return nil, stageErr("voice", errors.New("no audio produced"))
	}
	report(ProgressVoice)

	segments, err := pl.c.Aligner.Align(ctx, audioKey)
	if err != nil {
		return nil, stageErr("align", err)
	}
	if len(segments) == 0 {
		return nil, stageErr("align", errors.New("no segments"))
	}
	report(ProgressAligned)

	visuals, err := pl.c.Optimizer.Optimize(ctx, segments)
	if err != nil {
		return nil, stageErr("optimize", err)
	}
	if len(visuals) == 0 {
		return nil, stageErr("optimize", errors.New("no visual segments"))
	}
	report(ProgressOptimized)

	slices.SortStableFunc(visuals, func(a, b VisualSegment) int { return cmp.Compare(a.Start, b.Start) })
	n := len(visuals)
	visuals = slices.CompactFunc(visuals, sameStart)
	if dropped := n - len(visuals); dropped > 0 {
		pl.logger.Warn().Int("dropped", dropped).Msg("visual segments share a start time")
	}

	report(ProgressVisuals)
	keys := make([]string, len(visuals))
	for i, v := range visuals {
		pl.logger.Info().
			Int("segment", i+1).
			Int("of", len(visuals)).
			Float64("start", v.Start).
			Msg("generating visual")
		key, err := pl.c.Visuals.Generate(ctx, v.Prompt)
		if err != nil {
			return nil, stageErr("visuals", fmt.Errorf("segment at %.2fs: %w", v.Start, err))
		}
		if key == "" {
			return nil, stageErr("visuals", fmt.Errorf("segment at %.2fs: no clip produced", v.Start))
		}
		keys[i] = key
		report(ProgressVisuals + (i+1)*(ProgressGenerated-ProgressVisuals)/len(visuals))
	}

	out := Synthesize(p, visuals, keys, audioKey)
	out.Script = script
	return out, nil
}

func sameStart(a, b VisualSegment) bool { return a.Start == b.Start }

// Synthesize builds the render payload: one cover-mode video clip per
// visual segment, sorted by start with the first of any equal starts kept, and one narration clip spanning the whole
// output. keys[i] is the generated clip for visuals[i].
func Synthesize(base *model.RenderPayload, visuals []VisualSegment, keys []string, narrationKey string) *model.RenderPayload {
	type pair struct {
		seg VisualSegment
		key string
	}
	pairs := make([]pair, len(visuals))
	for i := range visuals {
		pairs[i] = pair{visuals[i], keys[i]}
	}
	slices.SortStableFunc(pairs, func(a, b pair) int { return cmp.Compare(a.seg.Start, b.seg.Start) })
	// A later segment at the same start would leave the earlier clip empty.
	pairs = slices.CompactFunc(pairs, func(a, b pair) bool { return sameStart(a.seg, b.seg) })

	var (
		clips []model.ClipPayload
		total float64
	)
	for i, pr := range pairs {
		var dur float64
		if i+1 < len(pairs) {
			dur = pairs[i+1].seg.Start - pr.seg.Start
		} else if dur = pr.seg.End - pr.seg.Start; dur <= 0 {
			dur = LastClipDuration
		}
		clips = append(clips, model.ClipPayload{
			ID:       model.FlexID(fmt.Sprintf("clip-%g", pr.seg.Start)),
			Type:     model.ClipTypeVideo,
			Src:      pr.key,
			Start:    pr.seg.Start,
			Duration: dur,
			Properties: model.ClipProperties{
				Width:   model.Float(100),
				Height:  model.Float(100),
				X:       model.Float(50),
				Y:       model.Float(50),
				Opacity: model.Float(1),
			},
		})
		total = pr.seg.Start + dur
	}

	return &model.RenderPayload{
		ID:                base.ID,
		Resolution:        cmp.Or(base.Resolution, fmt.Sprintf("%dx%d", timeline.DefaultWidth, timeline.DefaultHeight)),
		FPS:               base.FPS,
		Duration:          model.Float(total),
		BackgroundColor:   base.BackgroundColor,
		VignetteIntensity: base.VignetteIntensity,
		Title:             base.Title,
		Topic:             base.Topic,
		Script:            base.Script,
		VoiceKey:          base.VoiceKey,
		Files:             base.Files,
		Timeline: []model.TrackPayload{
			{ID: "101", Type: "video", Label: "AI Visuals", Clips: clips},
			{ID: "102", Type: "audio", Label: "Narration", Clips: []model.ClipPayload{{
				ID:         "narration-main",
				Type:       model.ClipTypeAudio,
				Src:        narrationKey,
				Start:      0,
				Duration:   total,
				Properties: model.ClipProperties{Volume: model.Float(1)},
			}}},
		},
	}
}

// stageErr tags a collaborator failure with its stage. Configuration
// problems keep their class so the job is not retried.
func stageErr(stage string, err error) error {
	if errors.Is(err, apperr.ErrConfiguration) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return apperr.Wrap(apperr.ErrExternalService, stage, "", "", err)
}
