package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/model"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t"}, nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.example/" + key + "?sig=1", nil
}

func newJobService(t *testing.T, enq Enqueuer) (*JobService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.WorkerConfig{Queue: "render", TaskTimeout: time.Hour, JobTTL: 24 * time.Hour}
	return NewJobService(rdb, enq, fakeSigner{}, cfg, time.Hour), mr
}

func timelinePayload() *model.RenderPayload {
	return &model.RenderPayload{
		Timeline: []model.TrackPayload{{ID: "t", Clips: []model.ClipPayload{
			{ID: "c", Type: model.ClipTypeColor, Start: 0, Duration: 2},
		}}},
	}
}

func TestCreateStoresAndEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc, mr := newJobService(t, enq)
	ctx := context.Background()

	resp, err := svc.Create(ctx, "user-1", timelinePayload())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, resp.Status)

	job, err := svc.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeRender, job.Type)
	assert.Equal(t, "user-1", job.UserID)
	assert.True(t, mr.TTL("job:"+resp.JobID) > 0)

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskTypeRender, enq.tasks[0].Type())
	var tp TaskPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &tp))
	assert.Equal(t, resp.JobID, tp.JobID)

	var p model.RenderPayload
	require.NoError(t, json.Unmarshal(tp.Payload, &p))
	assert.Equal(t, resp.JobID, p.ID)
}

func TestCreateWithoutTimelineIsGeneration(t *testing.T) {
	svc, _ := newJobService(t, &fakeEnqueuer{})
	resp, err := svc.Create(context.Background(), "", &model.RenderPayload{Topic: "tides"})
	require.NoError(t, err)

	job, err := svc.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeGenerate, job.Type)
}

func TestCreateEnqueueFailureFailsJob(t *testing.T) {
	svc, mr := newJobService(t, &fakeEnqueuer{err: errors.New("redis down")})
	_, err := svc.Create(context.Background(), "", timelinePayload())
	require.Error(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	job, err := svc.Get(context.Background(), strings.TrimPrefix(keys[0], "job:"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
}

func TestProgressIsMonotonic(t *testing.T) {
	svc, _ := newJobService(t, &fakeEnqueuer{})
	ctx := context.Background()
	resp, err := svc.Create(ctx, "", timelinePayload())
	require.NoError(t, err)

	_, started, err := svc.Start(ctx, resp.JobID)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, svc.UpdateProgress(ctx, resp.JobID, 40, "Downloading Assets"))
	require.NoError(t, svc.UpdateProgress(ctx, resp.JobID, 20, "Downloading Assets"))

	job, err := svc.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, "Downloading Assets", job.StatusText())
	assert.Equal(t, 1, job.Attempts)
}

func TestTerminalStatesAreSticky(t *testing.T) {
	svc, _ := newJobService(t, &fakeEnqueuer{})
	ctx := context.Background()
	resp, err := svc.Create(ctx, "", timelinePayload())
	require.NoError(t, err)

	require.NoError(t, svc.Complete(ctx, resp.JobID, "completed/export_x.mp4"))
	require.NoError(t, svc.Fail(ctx, resp.JobID, "late failure"))
	require.NoError(t, svc.UpdateProgress(ctx, resp.JobID, 10, "Downloading Assets"))

	job, started, err := svc.Start(ctx, resp.JobID)
	require.NoError(t, err)
	assert.False(t, started, "redelivery of a finished job does no work")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.Error)
}

func TestFailTruncatesAndFlattens(t *testing.T) {
	svc, _ := newJobService(t, &fakeEnqueuer{})
	ctx := context.Background()
	resp, err := svc.Create(ctx, "", timelinePayload())
	require.NoError(t, err)

	long := "line one\nline two " + strings.Repeat("é", 200)
	require.NoError(t, svc.Fail(ctx, resp.JobID, long))

	st, err := svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, st.Error)
	assert.Equal(t, ErrorLimit, len([]rune(*st.Error)))
	assert.NotContains(t, *st.Error, "\n")
	assert.Equal(t, "Error: "+*st.Error, st.StatusMsg)
}

func TestStatusAndResultOfCompletedJob(t *testing.T) {
	svc, _ := newJobService(t, &fakeEnqueuer{})
	ctx := context.Background()
	resp, err := svc.Create(ctx, "", timelinePayload())
	require.NoError(t, err)

	_, err = svc.Result(ctx, resp.JobID)
	assert.ErrorIs(t, err, ErrJobNotCompleted)

	require.NoError(t, svc.Complete(ctx, resp.JobID, "completed/export_1.mp4"))

	st, err := svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Completed", st.StatusMsg)
	assert.Equal(t, "completed/export_1.mp4", st.VideoKey)
	assert.Equal(t, "https://cdn.example/completed/export_1.mp4?sig=1", st.VideoURL)

	res, err := svc.Result(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, st.VideoURL, res.VideoURL)
}

func TestUnknownJob(t *testing.T) {
	svc, _ := newJobService(t, &fakeEnqueuer{})
	_, err := svc.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreOutageIsPersistenceError(t *testing.T) {
	svc, mr := newJobService(t, &fakeEnqueuer{})
	mr.Close()
	err := svc.UpdateProgress(context.Background(), "any", 10, "")
	assert.ErrorIs(t, err, apperr.ErrPersistence)
}
