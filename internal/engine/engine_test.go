package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/asset"
	"github.com/miyog/engine/internal/media"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/timeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProber derives stream info from the file extension.
type fakeProber struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (p *fakeProber) Probe(_ context.Context, path string) (*media.Info, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(p.delay)

	switch filepath.Ext(path) {
	case ".png":
		return &media.Info{Path: path, Width: 800, Height: 600, HasVideo: true}, nil
	case ".mp4":
		return &media.Info{Path: path, Width: 1280, Height: 720, Duration: 3, HasVideo: true, HasAudio: true}, nil
	case ".wav":
		return &media.Info{Path: path, Duration: 20, HasAudio: true}, nil
	default:
		return nil, fmt.Errorf("unrecognized container: %s", path)
	}
}

type fakeRunner struct {
	err  error
	args []string
}

func (r *fakeRunner) Run(_ context.Context, opts media.RunOptions) error {
	r.args = opts.Args
	if r.err != nil {
		return r.err
	}
	opts.Progress(media.Progress{OutTime: 2 * time.Second})
	opts.Progress(media.Progress{Done: true})
	return os.WriteFile(opts.Args[len(opts.Args)-1], []byte("mp4"), 0o644)
}

// mapStore serves object keys from memory.
type mapStore map[string]string

func (s mapStore) Get(_ context.Context, key, localPath string) error {
	body, ok := s[key]
	if !ok {
		return errors.New("NoSuchKey")
	}
	return os.WriteFile(localPath, []byte(body), 0o644)
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	return p
}

func newEngine(runner *fakeRunner, prober *fakeProber, store mapStore, limit int) *Engine {
	var getter asset.Getter
	if store != nil {
		getter = store
	}
	return New(runner, prober, getter, Options{ResolveConcurrency: limit}, zerolog.Nop())
}

func TestRenderEndToEnd(t *testing.T) {
	src := t.TempDir()
	ws := t.TempDir()
	img := touch(t, src, "still.png")
	vid := touch(t, src, "clip.mp4")
	voice := touch(t, src, "voice.wav")

	p := &model.RenderPayload{
		Resolution: "1280x720",
		FPS:        25,
		Timeline: []model.TrackPayload{
			{ID: "v", Clips: []model.ClipPayload{
				{ID: "img", Type: model.ClipTypeImage, Src: img, Start: 0, Duration: 4},
				{ID: "vid", Type: model.ClipTypeVideo, Src: vid, Start: 4, Duration: 6},
			}},
			{ID: "t", Clips: []model.ClipPayload{
				{ID: "title", Type: model.ClipTypeText, Content: "Hello there", Start: 1, Duration: 2},
			}},
			{ID: "a", Clips: []model.ClipPayload{
				{ID: "voice", Type: model.ClipTypeAudio, Src: voice, Start: 0, Duration: 10},
			}},
		},
	}

	runner := &fakeRunner{}
	var seen []int
	out := filepath.Join(ws, "out.mp4")
	res, err := newEngine(runner, &fakeProber{}, nil, 2).Render(context.Background(), ws, p, out, func(v int) {
		seen = append(seen, v)
	})
	require.NoError(t, err)

	assert.Equal(t, out, res.Output)
	assert.Empty(t, res.Plan.Skipped)
	assert.Equal(t, 10.0, res.Plan.Timeline.Duration)

	var names []string
	for _, l := range res.Plan.Composition.Layers {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"img", "vid", "title"}, names)
	require.Len(t, res.Plan.Mix, 2)
	assert.Equal(t, "vid", res.Plan.Mix[0].ClipID)
	assert.Equal(t, 3.0, res.Plan.Mix[0].Play, "trimmed to the source's natural length")
	assert.Equal(t, "voice", res.Plan.Mix[1].ClipID)

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "progress must be strictly increasing")
	}
	assert.Equal(t, ProgressEncoded, seen[len(seen)-1])
	assert.Contains(t, seen, ProgressResolved)
	assert.Equal(t, out, runner.args[len(runner.args)-1])
}

func TestPlanSkipsUnusableClips(t *testing.T) {
	ws := t.TempDir()
	store := mapStore{"uploads/ok.png": "png"}

	p := &model.RenderPayload{
		Timeline: []model.TrackPayload{{ID: "v", Clips: []model.ClipPayload{
			{ID: "blob", Type: model.ClipTypeImage, Src: "blob:https://editor/1234", Start: 0, Duration: 2},
			{ID: "ok", Type: model.ClipTypeImage, Src: "uploads/ok.png", Start: 2, Duration: 2},
			{ID: "missing", Type: model.ClipTypeVideo, Src: "uploads/missing.mp4", Start: 4, Duration: 2},
			{ID: "weird", Type: model.ClipTypeVideo, RenderSrc: "uploads/ok.png", Src: "ignored", Start: 6, Duration: 2},
			{ID: "broken", Type: model.ClipTypeImage, Src: "uploads/ok.png", Start: 8, Duration: 2,
				Properties: model.ClipProperties{Width: model.Float(-5)}},
		}}},
	}

	plan, err := newEngine(&fakeRunner{}, &fakeProber{}, store, 4).Plan(context.Background(), ws, p, nil)
	require.NoError(t, err)

	stages := map[string]string{}
	for _, s := range plan.Skipped {
		stages[s.ClipID] = s.Stage
	}
	assert.Equal(t, map[string]string{
		"blob":    "resolve",
		"missing": "resolve",
		"broken":  "parse",
	}, stages)

	var names []string
	for _, l := range plan.Composition.Layers {
		names = append(names, l.Name)
	}
	// A .png read as a video has a video stream, so it still renders.
	assert.Equal(t, []string{"ok", "weird"}, names)
	// Resolve failures still hold their window; parse failures do not.
	assert.Equal(t, 8.0, plan.Timeline.Duration)
}

func TestPlanIgnoresHiddenTracks(t *testing.T) {
	src := t.TempDir()
	vid := touch(t, src, "hidden.mp4")
	voice := touch(t, src, "voice.wav")

	p := &model.RenderPayload{
		Timeline: []model.TrackPayload{
			{ID: "101", IsHidden: true, Clips: []model.ClipPayload{
				{ID: "talking", Type: model.ClipTypeVideo, Src: vid, Start: 0, Duration: 3},
				{ID: "gone", Type: model.ClipTypeImage, Src: "blob:x", Start: 3, Duration: 2},
			}},
			{ID: "102", Clips: []model.ClipPayload{
				{ID: "voice", Type: model.ClipTypeAudio, Src: voice, Start: 0, Duration: 5},
			}},
		},
	}

	plan, err := newEngine(&fakeRunner{}, &fakeProber{}, nil, 2).Plan(context.Background(), t.TempDir(), p, nil)
	require.NoError(t, err)

	assert.Empty(t, plan.Skipped, "hidden clips are never resolved")
	assert.Empty(t, plan.Composition.Layers)
	require.Len(t, plan.Mix, 1)
	assert.Equal(t, "voice", plan.Mix[0].ClipID)
	_, resolved := plan.Assets[timeline.Ref{Track: 0, Clip: 0}]
	assert.False(t, resolved)
}

func TestPlanRestrictedLocalSources(t *testing.T) {
	shared := t.TempDir()
	ok := touch(t, shared, "logo.png")
	private := touch(t, t.TempDir(), "other-user.png")

	p := &model.RenderPayload{
		Timeline: []model.TrackPayload{{ID: "101", Clips: []model.ClipPayload{
			{ID: "ok", Type: model.ClipTypeImage, Src: ok, Start: 0, Duration: 2},
			{ID: "private", Type: model.ClipTypeImage, Src: private, Start: 2, Duration: 2},
		}}},
	}

	e := New(&fakeRunner{}, &fakeProber{}, nil, Options{RestrictLocal: true, LocalRoots: []string{shared}}, zerolog.Nop())
	plan, err := e.Plan(context.Background(), t.TempDir(), p, nil)
	require.NoError(t, err)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "private", plan.Skipped[0].ClipID)
	assert.Equal(t, "resolve", plan.Skipped[0].Stage)
	require.Len(t, plan.Composition.Layers, 1)
	assert.Equal(t, "ok", plan.Composition.Layers[0].Name)
}

func TestPlanSkippedClipIsCountedOnce(t *testing.T) {
	p := &model.RenderPayload{
		Timeline: []model.TrackPayload{{ID: "v", Clips: []model.ClipPayload{
			{ID: "gone", Type: model.ClipTypeImage, Src: "blob:x", Start: 0, Duration: 2},
		}}},
	}
	plan, err := newEngine(&fakeRunner{}, &fakeProber{}, nil, 1).Plan(context.Background(), t.TempDir(), p, nil)
	require.NoError(t, err)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "resolve", plan.Skipped[0].Stage)
	assert.Contains(t, plan.Skipped[0].Reason, "ephemeral")
}

func TestPlanComponentOverrideFailureIsFatal(t *testing.T) {
	src := t.TempDir()
	p := &model.RenderPayload{
		Files: model.ComponentFiles{Background: "blob:https://editor/bg"},
		Timeline: []model.TrackPayload{{ID: "v", Clips: []model.ClipPayload{
			{ID: "img", Type: model.ClipTypeImage, Src: touch(t, src, "a.png"), Start: 0, Duration: 2},
		}}},
	}
	_, err := newEngine(&fakeRunner{}, &fakeProber{}, nil, 1).Plan(context.Background(), t.TempDir(), p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAssetResolution)
	assert.Contains(t, err.Error(), "background")
}

func TestPlanComponentsWrapTracks(t *testing.T) {
	src := t.TempDir()
	p := &model.RenderPayload{
		VignetteIntensity: 40,
		Files: model.ComponentFiles{
			Background: touch(t, src, "bg.mp4"),
			Foreground: touch(t, src, "fg.png"),
		},
		Timeline: []model.TrackPayload{{ID: "v", Clips: []model.ClipPayload{
			{ID: "img", Type: model.ClipTypeImage, Src: touch(t, src, "a.png"), Start: 0, Duration: 5},
		}}},
	}
	plan, err := newEngine(&fakeRunner{}, &fakeProber{}, nil, 1).Plan(context.Background(), t.TempDir(), p, nil)
	require.NoError(t, err)

	var names []string
	for _, l := range plan.Composition.Layers {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"background", "foreground", "img", "vignette"}, names)
	assert.True(t, plan.Composition.Layers[0].Input.Loop, "3s background loops over 5s")
}

func TestPlanRejectsEmptyTimeline(t *testing.T) {
	p := &model.RenderPayload{Timeline: []model.TrackPayload{{ID: "v"}}}
	_, err := newEngine(&fakeRunner{}, &fakeProber{}, nil, 1).Plan(context.Background(), t.TempDir(), p, nil)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
	assert.ErrorIs(t, err, timeline.ErrEmptyTimeline)
}

func TestResolveRespectsConcurrencyLimit(t *testing.T) {
	src := t.TempDir()
	var clips []model.ClipPayload
	for i := 0; i < 12; i++ {
		clips = append(clips, model.ClipPayload{
			ID:    model.FlexID(fmt.Sprintf("c%d", i)),
			Type:  model.ClipTypeImage,
			Src:   touch(t, src, fmt.Sprintf("c%d.png", i)),
			Start: float64(i), Duration: 1,
		})
	}
	p := &model.RenderPayload{Timeline: []model.TrackPayload{{ID: "v", Clips: clips}}}

	prober := &fakeProber{delay: 5 * time.Millisecond}
	var mu sync.Mutex
	var seen []int
	plan, err := newEngine(&fakeRunner{}, prober, nil, 3).Plan(context.Background(), t.TempDir(), p, func(v int) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, prober.maxSeen.Load(), int32(3))
	require.Len(t, plan.Composition.Layers, 12)
	for i, l := range plan.Composition.Layers {
		assert.Equal(t, fmt.Sprintf("c%d", i), l.Name, "layer order follows the timeline, not completion order")
	}
	assert.Equal(t, ProgressComposed, seen[len(seen)-1])
}

func TestRenderEncodeFailure(t *testing.T) {
	src := t.TempDir()
	p := &model.RenderPayload{Timeline: []model.TrackPayload{{ID: "v", Clips: []model.ClipPayload{
		{ID: "img", Type: model.ClipTypeImage, Src: touch(t, src, "a.png"), Start: 0, Duration: 2},
	}}}}
	ws := t.TempDir()
	_, err := newEngine(&fakeRunner{err: errors.New("exit status 1")}, &fakeProber{}, nil, 1).
		Render(context.Background(), ws, p, filepath.Join(ws, "out.mp4"), nil)
	assert.ErrorIs(t, err, apperr.ErrEncoding)
	assert.True(t, strings.Contains(err.Error(), "exit status 1"))
}
