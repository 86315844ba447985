package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/client"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/engine"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/service"
)

type captureEnqueuer struct{ tasks []*asynq.Task }

func (c *captureEnqueuer) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, t)
	return &asynq.TaskInfo{}, nil
}

type fakeRenderer struct {
	err       error
	got       *model.RenderPayload
	workspace string
	steps     []int
}

func (f *fakeRenderer) Render(_ context.Context, workspace string, p *model.RenderPayload, out string, report func(int)) (*engine.Result, error) {
	f.got = p
	f.workspace = workspace
	for _, s := range f.steps {
		report(s)
	}
	if f.err != nil {
		return nil, f.err
	}
	if err := os.WriteFile(out, []byte("mp4"), 0o644); err != nil {
		return nil, err
	}
	return &engine.Result{Output: out, Plan: &engine.Plan{}}, nil
}

type fakeGenerator struct {
	err error
}

func (f *fakeGenerator) Run(_ context.Context, p *model.RenderPayload, report func(int)) (*model.RenderPayload, error) {
	for _, v := range []int{5, 15, 30, 45, 75} {
		report(v)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := *p
	out.Timeline = []model.TrackPayload{{ID: "101", Clips: []model.ClipPayload{
		{ID: "clip-0", Type: model.ClipTypeVideo, Src: "generated_segments/a.mp4", Duration: 5},
	}}}
	return &out, nil
}

type event struct {
	kind     string
	progress int
	sub      string
	code     string
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) BroadcastProgress(_ string, progress int, _ model.JobStatus, sub string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "progress", progress: progress, sub: sub})
}

func (r *recorder) BroadcastComplete(model.TaskResultResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "complete"})
}

func (r *recorder) BroadcastError(_ string, code, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "error", code: code})
}

func (r *recorder) subs() map[int]string {
	out := map[int]string{}
	for _, e := range r.events {
		if e.kind == "progress" {
			out[e.progress] = e.sub
		}
	}
	return out
}

type harness struct {
	jobs     *service.JobService
	enq      *captureEnqueuer
	store    *client.LocalStore
	hub      *recorder
	renderer *fakeRenderer
	gen      *fakeGenerator
	root     string
	worker   *RenderWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := client.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		enq:      &captureEnqueuer{},
		store:    store,
		hub:      &recorder{},
		renderer: &fakeRenderer{steps: []int{5, 50, 90}},
		gen:      &fakeGenerator{},
		root:     filepath.Join(t.TempDir(), "work"),
	}
	h.jobs = service.NewJobService(rdb, h.enq, store, config.WorkerConfig{JobTTL: time.Hour}, time.Hour)
	h.worker = NewRenderWorker(h.jobs, h.renderer, h.gen, store, h.hub, h.root, zerolog.Nop())
	return h
}

func (h *harness) submit(t *testing.T, p *model.RenderPayload) (string, *asynq.Task) {
	t.Helper()
	resp, err := h.jobs.Create(context.Background(), "u", p)
	require.NoError(t, err)
	return resp.JobID, h.enq.tasks[len(h.enq.tasks)-1]
}

func directPayload() *model.RenderPayload {
	return &model.RenderPayload{Timeline: []model.TrackPayload{{ID: "t", Clips: []model.ClipPayload{
		{ID: "c", Type: model.ClipTypeColor, Duration: 2},
	}}}}
}

func TestDirectRenderCompletes(t *testing.T) {
	h := newHarness(t)
	jobID, task := h.submit(t, directPayload())

	require.NoError(t, h.worker.ProcessTask(context.Background(), task))

	job, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ResultKey)
	assert.True(t, strings.HasPrefix(*job.ResultKey, "completed/export_"), *job.ResultKey)

	dst := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, h.store.Get(context.Background(), *job.ResultKey, dst))

	assert.Equal(t, map[int]string{
		5:  "Downloading Assets",
		50: "Rendering Timeline",
		90: "Finalizing",
		95: "Finalizing",
	}, h.hub.subs())
	assert.Equal(t, "complete", h.hub.events[len(h.hub.events)-1].kind)

	_, err = os.Stat(h.renderer.workspace)
	assert.True(t, os.IsNotExist(err), "workspace is removed")
	assert.Equal(t, h.root, filepath.Dir(h.renderer.workspace))
	assert.True(t, strings.HasPrefix(filepath.Base(h.renderer.workspace), "job-"+jobID+"-"))
}

func TestGenerationRendersSynthesizedTimeline(t *testing.T) {
	h := newHarness(t)
	h.renderer.steps = []int{0, 50, 90}
	jobID, task := h.submit(t, &model.RenderPayload{Topic: "tides"})

	require.NoError(t, h.worker.ProcessTask(context.Background(), task))

	job, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.True(t, strings.HasPrefix(*job.ResultKey, "completed/final_"))
	assert.Equal(t, "generated_segments/a.mp4", h.renderer.got.Timeline[0].Clips[0].Src)

	subs := h.hub.subs()
	assert.Equal(t, "Generating Script/Voice", subs[15])
	assert.Equal(t, "Transcribing Audio", subs[30])
	assert.Equal(t, "Optimizing Visuals", subs[45])
	// Render progress is rescaled into [75,99].
	assert.Equal(t, "Optimizing Visuals", subs[87])
	assert.Equal(t, "Optimizing Visuals", subs[96])
	assert.Equal(t, "Optimizing Visuals", subs[99])
}

func TestRenderFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.renderer.err = apperr.Wrap(apperr.ErrEncoding, "render", "ffmpeg", "", errors.New("exit status 1\nmoov atom not found"))
	jobID, task := h.submit(t, directPayload())

	err := h.worker.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "encoding failures are retried by the queue")

	st, err := h.jobs.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.LessOrEqual(t, len([]rune(*st.Error)), service.ErrorLimit)
	assert.True(t, strings.HasPrefix(st.StatusMsg, "Error: encoding error"), st.StatusMsg)
	assert.Equal(t, "error", h.hub.events[len(h.hub.events)-1].kind)
	assert.Equal(t, "RENDER_FAILED", h.hub.events[len(h.hub.events)-1].code)
}

func TestConfigurationErrorSkipsRetry(t *testing.T) {
	h := newHarness(t)
	h.gen.err = apperr.Wrap(apperr.ErrConfiguration, "script", "groq", "GROQ_API_KEY is not set", nil)
	_, task := h.submit(t, &model.RenderPayload{Topic: "tides"})

	err := h.worker.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestRedeliveryOfFinishedJobIsAcked(t *testing.T) {
	h := newHarness(t)
	jobID, task := h.submit(t, directPayload())
	require.NoError(t, h.worker.ProcessTask(context.Background(), task))
	first, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)

	h.renderer.got = nil
	require.NoError(t, h.worker.ProcessTask(context.Background(), task))

	assert.Nil(t, h.renderer.got, "no work on redelivery")
	again, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, *first.ResultKey, *again.ResultKey)
}

func TestRedeliveryWhileProcessingRerenders(t *testing.T) {
	h := newHarness(t)
	jobID, task := h.submit(t, directPayload())
	_, _, err := h.jobs.Start(context.Background(), jobID)
	require.NoError(t, err)

	require.NoError(t, h.worker.ProcessTask(context.Background(), task))
	job, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestMalformedTasks(t *testing.T) {
	h := newHarness(t)

	err := h.worker.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeRender, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(service.TaskPayload{JobID: "ghost", Payload: json.RawMessage(`{}`)})
	err = h.worker.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeRender, body))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSubStatusTables(t *testing.T) {
	for p, want := range map[int]string{0: "Downloading Assets", 49: "Downloading Assets", 50: "Rendering Timeline", 89: "Rendering Timeline", 90: "Finalizing", 100: "Finalizing"} {
		assert.Equal(t, want, DirectSubStatus(p), "direct %d", p)
	}
	for p, want := range map[int]string{0: "Generating Script/Voice", 24: "Generating Script/Voice", 25: "Transcribing Audio", 49: "Transcribing Audio", 50: "Optimizing Visuals", 99: "Optimizing Visuals", 100: "Completed"} {
		assert.Equal(t, want, GenerationSubStatus(p), "generation %d", p)
	}
}
