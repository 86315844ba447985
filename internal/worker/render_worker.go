package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/engine"
	"github.com/miyog/engine/internal/logging"
	"github.com/miyog/engine/internal/metrics"
	"github.com/miyog/engine/internal/model"
	"github.com/miyog/engine/internal/service"
)

// Progress bounds for the render stage of a generation job.
const (
	generationRenderFrom = 75
	generationRenderTo   = 99
	finalizing           = 95
)

// JobStore is the job record API the worker drives.
type JobStore interface {
	Start(ctx context.Context, jobID string) (*model.Job, bool, error)
	UpdateProgress(ctx context.Context, jobID string, progress int, subStatus string) error
	Complete(ctx context.Context, jobID, resultKey string) error
	Fail(ctx context.Context, jobID, errMsg string) error
}

// Renderer renders one timeline payload into out.
type Renderer interface {
	Render(ctx context.Context, workspace string, p *model.RenderPayload, out string, report func(int)) (*engine.Result, error)
}

// Generator synthesizes a timeline payload from a topic or script.
type Generator interface {
	Run(ctx context.Context, p *model.RenderPayload, report func(int)) (*model.RenderPayload, error)
}

// Uploader stores the finished video.
type Uploader interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Notifier pushes job events to websocket subscribers.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, subStatus string)
	BroadcastComplete(result model.TaskResultResponse)
	BroadcastError(jobID string, code, message string)
}

// RenderWorker processes render and generation jobs
type RenderWorker struct {
	jobs          JobStore
	renderer      Renderer
	generator     Generator
	store         Uploader
	hub           Notifier
	workspaceRoot string
	logger        zerolog.Logger
}

// NewRenderWorker creates a new render worker. workspaceRoot "" uses the OS
// temp directory.
func NewRenderWorker(jobs JobStore, renderer Renderer, generator Generator, store Uploader, hub Notifier, workspaceRoot string, logger zerolog.Logger) *RenderWorker {
	return &RenderWorker{
		jobs:          jobs,
		renderer:      renderer,
		generator:     generator,
		store:         store,
		hub:           hub,
		workspaceRoot: workspaceRoot,
		logger:        logger.With().Str("component", "render_worker").Logger(),
	}
}

// ProcessTask handles render task processing
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	jobID := taskPayload.JobID
	logger := logging.WithJob(w.logger, jobID)

	job, started, err := w.jobs.Start(ctx, jobID)
	if errors.Is(err, service.ErrJobNotFound) {
		logger.Warn().Msg("job record missing, dropping task")
		return fmt.Errorf("job %s: %w", jobID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if !started {
		logger.Info().Str("status", string(job.Status)).Msg("job already finished, acknowledging redelivery")
		return nil
	}
	logger.Info().Str("type", job.Type).Int("attempt", job.Attempts).Msg("starting job")

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	began := time.Now()

	var payload model.RenderPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		err = apperr.Wrap(apperr.ErrConfiguration, "payload", "decode", "invalid payload", err)
		return w.fail(ctx, job, began, err, logger)
	}

	key, err := w.process(ctx, job, &payload, logger)
	if err != nil {
		return w.fail(ctx, job, began, err, logger)
	}

	// Terminal writes must land even when the task deadline has passed.
	tctx := context.WithoutCancel(ctx)
	if err := w.jobs.Complete(tctx, jobID, key); err != nil {
		logger.Error().Err(err).Msg("failed to record completion")
		return err
	}
	w.hub.BroadcastComplete(model.TaskResultResponse{JobID: jobID, VideoKey: key})
	metrics.RecordJob(job.Type, began, nil, apperr.Class(nil))
	logger.Info().Str("key", key).Dur("elapsed", time.Since(began)).Msg("job completed")
	return nil
}

// process runs the job inside its own workspace and returns the uploaded key.
func (w *RenderWorker) process(ctx context.Context, job *model.Job, p *model.RenderPayload, logger zerolog.Logger) (string, error) {
	if w.workspaceRoot != "" {
		if err := os.MkdirAll(w.workspaceRoot, 0o755); err != nil {
			return "", apperr.Wrap(apperr.ErrConfiguration, "workspace", "create", w.workspaceRoot, err)
		}
	}
	workspace, err := os.MkdirTemp(w.workspaceRoot, fmt.Sprintf("job-%s-", job.ID))
	if err != nil {
		return "", apperr.Wrap(apperr.ErrConfiguration, "workspace", "create", "", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logger.Warn().Err(err).Str("workspace", workspace).Msg("workspace cleanup failed")
		}
	}()

	direct := p.HasTimeline()
	report := func(v int) { w.progress(ctx, job.ID, v, DirectSubStatus(v), logger) }
	renderReport := report
	prefix := "export"

	if !direct {
		if w.generator == nil {
			return "", apperr.Wrap(apperr.ErrConfiguration, "generate", "", "generation pipeline is not configured", nil)
		}
		prefix = "final"
		genReport := func(v int) { w.progress(ctx, job.ID, v, GenerationSubStatus(v), logger) }
		generated, err := w.generator.Run(ctx, p, genReport)
		if err != nil {
			return "", err
		}
		p = generated
		renderReport = func(v int) {
			scaled := generationRenderFrom + v*(generationRenderTo-generationRenderFrom)/100
			genReport(scaled)
		}
	}

	out := filepath.Join(workspace, "output.mp4")
	res, err := w.renderer.Render(ctx, workspace, p, out, renderReport)
	if err != nil {
		return "", err
	}
	if res != nil && res.Plan != nil && len(res.Plan.Skipped) > 0 {
		n := len(res.Plan.Skipped)
		logger.Warn().Int("skipped", n).Msg("rendered with skipped clips")
	}

	if direct {
		report(finalizing)
	} else {
		renderReport(100)
	}
	key := fmt.Sprintf("completed/%s_%s.mp4", prefix, uuid.New().String())
	if err := w.upload(ctx, out, key, logger); err != nil {
		return "", err
	}
	return key, nil
}

func (w *RenderWorker) upload(ctx context.Context, path, key string, logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.Wrap(apperr.ErrEncoding, "upload", "open", "", err)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		logger.Info().Str("key", key).Str("size", humanize.Bytes(uint64(fi.Size()))).Msg("uploading output")
	}
	if _, err := w.store.Put(ctx, key, f, "video/mp4"); err != nil {
		return apperr.Wrap(apperr.ErrExternalService, "upload", "put", key, err)
	}
	return nil
}

// progress writes are fire-and-forget: a failed write never stops the job.
func (w *RenderWorker) progress(ctx context.Context, jobID string, v int, sub string, logger zerolog.Logger) {
	if err := w.jobs.UpdateProgress(ctx, jobID, v, sub); err != nil {
		logger.Warn().Err(apperr.Wrap(apperr.ErrPersistence, "progress", "", "", err)).Int("progress", v).Msg("failed to update progress")
	}
	w.hub.BroadcastProgress(jobID, v, model.JobStatusProcessing, sub)
}

func (w *RenderWorker) fail(ctx context.Context, job *model.Job, began time.Time, cause error, logger zerolog.Logger) error {
	msg := apperr.Summary(cause, service.ErrorLimit)
	class := apperr.Class(cause)
	logger.Error().Err(cause).Str("class", class).Msg("job failed")

	if err := w.jobs.Fail(context.WithoutCancel(ctx), job.ID, msg); err != nil {
		logger.Error().Err(err).Msg("failed to record failure")
	}
	w.hub.BroadcastError(job.ID, errorCode(class), msg)
	metrics.RecordJob(job.Type, began, cause, class)

	if apperr.Fatal(cause) {
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	return cause
}

func errorCode(class string) string {
	switch class {
	case "configuration":
		return "INVALID_REQUEST"
	case "external_service":
		return "UPSTREAM_FAILED"
	case "asset_resolution":
		return "ASSET_UNAVAILABLE"
	default:
		return "RENDER_FAILED"
	}
}

// DirectSubStatus maps render progress to the client-facing phase.
func DirectSubStatus(progress int) string {
	switch {
	case progress < 50:
		return "Downloading Assets"
	case progress < 90:
		return "Rendering Timeline"
	default:
		return "Finalizing"
	}
}

// GenerationSubStatus maps generation progress to the client-facing phase.
func GenerationSubStatus(progress int) string {
	switch {
	case progress < 25:
		return "Generating Script/Voice"
	case progress < 50:
		return "Transcribing Audio"
	case progress < 100:
		return "Optimizing Visuals"
	default:
		return "Completed"
	}
}
