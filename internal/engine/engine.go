// Package engine renders one timeline payload end to end: parse, resolve
// sources in parallel, compose the visual stack, mix audio and encode.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/asset"
	"github.com/miyog/engine/internal/compositor"
	"github.com/miyog/engine/internal/media"
	"github.com/miyog/engine/internal/metrics"
	"github.com/miyog/engine/internal/mixer"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/render"
	"github.com/miyog/engine/internal/timeline"
)

// Progress checkpoints reported while rendering, in percent.
const (
	ProgressParsed   = 5
	ProgressResolved = 50
	ProgressComposed = 55
	ProgressEncoding = 60
	ProgressEncoded  = 90
)

// DefaultResolveConcurrency bounds parallel downloads and probes per job.
const DefaultResolveConcurrency = 4

// Options configures an Engine.
type Options struct {
	ResolveConcurrency int
	FetchTimeout       time.Duration
	// RestrictLocal limits host file sources to the job workspace and
	// LocalRoots. Unset, any readable local path is used as is.
	RestrictLocal bool
	LocalRoots    []string
}

// Engine renders timelines. It holds no per-job state and is safe for
// concurrent use by several jobs.
type Engine struct {
	runner media.Runner
	prober media.Prober
	store  asset.Getter
	opts   Options
	base   zerolog.Logger // handed to stage components, which tag themselves
	logger zerolog.Logger
}

// New creates an engine. store may be nil when only URLs and local paths are
// rendered.
func New(runner media.Runner, prober media.Prober, store asset.Getter, opts Options, logger zerolog.Logger) *Engine {
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = DefaultResolveConcurrency
	}
	return &Engine{
		runner: runner,
		prober: prober,
		store:  store,
		opts:   opts,
		base:   logger,
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Skipped is a clip left out of the output, with the stage that dropped it.
type Skipped struct {
	Ref    timeline.Ref
	ClipID string
	Stage  string
	Reason string
}

// Plan is everything needed to encode, short of running the encoder.
type Plan struct {
	Timeline    *timeline.Timeline
	Composition *compositor.Composition
	Mix         []mixer.Contribution
	Assets      compositor.Assets
	Skipped     []Skipped
}

// Result summarizes a finished render.
type Result struct {
	Output  string
	Plan    *Plan
	Elapsed time.Duration
}

// Render plans p inside workspace and encodes it to out. report receives
// monotonic progress in percent; it may be nil.
func (e *Engine) Render(ctx context.Context, workspace string, p *model.RenderPayload, out string, report func(int)) (*Result, error) {
	started := time.Now()
	report = monotonic(report)

	plan, err := e.Plan(ctx, workspace, p, report)
	if err != nil {
		return nil, err
	}

	report(ProgressEncoding)
	span := ProgressEncoded - ProgressEncoding
	encodeStart := time.Now()
	err = render.New(e.runner, e.base).Render(ctx, plan.Composition, plan.Mix, out, func(f float64) {
		report(ProgressEncoding + int(f*float64(span)))
	})
	metrics.RenderDuration.Observe(time.Since(encodeStart).Seconds())
	if err != nil {
		return nil, err
	}
	report(ProgressEncoded)

	e.logger.Info().
		Str("output", out).
		Int("skipped", len(plan.Skipped)).
		Dur("elapsed", time.Since(started)).
		Msg("timeline rendered")
	return &Result{Output: out, Plan: plan, Elapsed: time.Since(started)}, nil
}

// Plan parses p, resolves every source and builds the composition and the
// audio mix. Unusable clips are skipped; unusable component overrides and
// canvas-level problems fail the plan.
func (e *Engine) Plan(ctx context.Context, workspace string, p *model.RenderPayload, report func(int)) (*Plan, error) {
	report = monotonic(report)

	tl, issues, err := timeline.FromPayload(p)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrConfiguration, "parse", "timeline", "", err)
	}
	plan := &Plan{Timeline: tl}
	for _, is := range issues {
		e.skip(plan, is.Ref, is.ClipID, "parse", is.Reason)
	}
	report(ProgressParsed)

	resolver := asset.NewResolver(workspace, e.store, e.opts.FetchTimeout, e.base)
	if e.opts.RestrictLocal {
		resolver.RestrictLocal(e.opts.LocalRoots...)
	}

	comps, err := e.resolveComponents(ctx, resolver, tl)
	if err != nil {
		return nil, err
	}

	plan.Assets = e.resolveClips(ctx, resolver, tl, plan, func(done, total int) {
		span := ProgressResolved - ProgressParsed
		report(ProgressParsed + done*span/total)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(ProgressResolved)

	dropped := make(map[timeline.Ref]bool, len(plan.Skipped))
	for _, s := range plan.Skipped {
		// Parse issues address payload indices, not timeline refs.
		if s.Stage != "parse" {
			dropped[s.Ref] = true
		}
	}
	comp, skips := compositor.New(workspace, e.base).Compose(tl, plan.Assets, comps)
	for _, s := range skips {
		// Unresolved clips are already accounted for.
		if !dropped[s.Ref] {
			e.skip(plan, s.Ref, s.ClipID, "compose", s.Reason)
		}
	}
	plan.Composition = comp
	plan.Mix = mixer.Mix(tl, plan.Assets)
	report(ProgressComposed)
	return plan, nil
}

func (e *Engine) resolveComponents(ctx context.Context, r *asset.Resolver, tl *timeline.Timeline) (compositor.Components, error) {
	var comps compositor.Components
	for _, c := range []struct {
		name string
		ref  string
		dst  **compositor.Asset
	}{
		{"background", tl.BackgroundMedia, &comps.Background},
		{"foreground", tl.ForegroundMedia, &comps.Foreground},
	} {
		if c.ref == "" {
			continue
		}
		path, err := r.ResolveComponent(ctx, c.name, c.ref)
		if err != nil {
			if errors.Is(err, apperr.ErrConfiguration) {
				return comps, err
			}
			return comps, apperr.Wrap(apperr.ErrAssetResolution, "resolve", c.name, "component override unavailable", err)
		}
		info, err := e.prober.Probe(ctx, path)
		if err != nil {
			return comps, apperr.Wrap(apperr.ErrAssetResolution, "probe", c.name, "component override unreadable", err)
		}
		*c.dst = &compositor.Asset{Path: path, Info: info}
	}
	return comps, nil
}

// resolveClips fetches and probes every sourced clip on a visible track with bounded
// parallelism. Results land in per-clip slots, so ordering never depends on
// completion order.
func (e *Engine) resolveClips(ctx context.Context, r *asset.Resolver, tl *timeline.Timeline, plan *Plan, tick func(done, total int)) compositor.Assets {
	type slot struct {
		asset compositor.Asset
		err   error
		stage string
	}

	var refs []timeline.Ref
	for _, ref := range tl.Refs() {
		if tl.Tracks[ref.Track].Hidden {
			continue
		}
		if _, ok := timeline.SourceOf(tl.Clip(ref).Body); ok {
			refs = append(refs, ref)
		}
	}
	slots := make([]slot, len(refs))
	if len(refs) == 0 {
		return compositor.Assets{}
	}

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ResolveConcurrency)
	for i, ref := range refs {
		src, _ := timeline.SourceOf(tl.Clip(ref).Body)
		g.Go(func() error {
			defer func() {
				mu.Lock()
				done++
				tick(done, len(refs))
				mu.Unlock()
			}()

			path, err := r.Resolve(gctx, src)
			if err != nil {
				slots[i] = slot{err: err, stage: "resolve"}
				return nil
			}
			info, err := e.prober.Probe(gctx, path)
			if err != nil {
				slots[i] = slot{err: err, stage: "probe"}
				return nil
			}
			slots[i] = slot{asset: compositor.Asset{Path: path, Info: info}}
			return nil
		})
	}
	// Clip failures never fail the group.
	_ = g.Wait()

	assets := make(compositor.Assets, len(refs))
	for i, ref := range refs {
		s := slots[i]
		if s.err != nil {
			e.skip(plan, ref, tl.Clip(ref).ID, s.stage, s.err.Error())
			continue
		}
		assets[ref] = s.asset
	}
	return assets
}

func (e *Engine) skip(plan *Plan, ref timeline.Ref, clipID, stage, reason string) {
	e.logger.Warn().
		Int("track", ref.Track).
		Int("clip", ref.Clip).
		Str("clip_id", clipID).
		Str("stage", stage).
		Str("reason", reason).
		Msg("clip skipped")
	metrics.RecordSkip(stage)
	plan.Skipped = append(plan.Skipped, Skipped{Ref: ref, ClipID: clipID, Stage: stage, Reason: reason})
}

// monotonic drops reports that would move progress backwards.
func monotonic(report func(int)) func(int) {
	if report == nil {
		return func(int) {}
	}
	last := -1
	var mu sync.Mutex
	return func(p int) {
		mu.Lock()
		defer mu.Unlock()
		if p <= last {
			return
		}
		last = p
		report(p)
	}
}

func (s Skipped) String() string {
	return fmt.Sprintf("track %d clip %d (%s) %s: %s", s.Ref.Track, s.Ref.Clip, s.ClipID, s.Stage, s.Reason)
}
