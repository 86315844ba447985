package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/miyog/engine/internal/apperr"
	"github.com/miyog/engine/internal/config"
	"github.com/miyog/engine/internal/model"
)

// TaskTypeRender is the asynq task type for every job. The worker picks the
// direct or generation path from the payload.
const TaskTypeRender = "render:process"

// ErrorLimit bounds the stored error message, in runes.
const ErrorLimit = 100

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotCompleted = errors.New("job not completed")
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Signer issues time-limited download URLs.
type Signer interface {
	Sign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// TaskPayload is the asynq task body.
type TaskPayload struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// JobService owns job records in redis and hands new jobs to the queue.
// Writes for one job come from a single worker at a time, so records are
// read-modify-written without locking.
type JobService struct {
	redis      *redis.Client
	enqueuer   Enqueuer
	signer     Signer
	queue      string
	maxRetry   int
	timeout    time.Duration
	ttl        time.Duration
	signExpiry time.Duration
}

// NewJobService creates a job service. signer may be nil, in which case
// status responses carry no download URL.
func NewJobService(redisClient *redis.Client, enqueuer Enqueuer, signer Signer, cfg config.WorkerConfig, signExpiry time.Duration) *JobService {
	if signExpiry <= 0 {
		signExpiry = time.Hour
	}
	return &JobService{
		redis:      redisClient,
		enqueuer:   enqueuer,
		signer:     signer,
		queue:      cfg.Queue,
		maxRetry:   cfg.MaxRetry,
		timeout:    cfg.TaskTimeout,
		ttl:        cfg.JobTTL,
		signExpiry: signExpiry,
	}
}

// Create stores a queued job for p and enqueues it.
func (s *JobService) Create(ctx context.Context, userID string, p *model.RenderPayload) (*model.TaskCreatedResponse, error) {
	jobID := uuid.New().String()
	now := time.Now()
	p.ID = jobID

	payloadBytes, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	jobType := model.JobTypeRender
	if !p.HasTimeline() {
		jobType = model.JobTypeGenerate
	}
	job := &model.Job{
		ID:        jobID,
		Type:      jobType,
		UserID:    userID,
		Status:    model.JobStatusQueued,
		SubStatus: "Queued",
		Payload:   payloadBytes,
		CreatedAt: now,
	}
	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := NewRenderTask(jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.ttl),
	}
	if s.queue != "" {
		opts = append(opts, asynq.Queue(s.queue))
	}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}
	if _, err := s.enqueuer.EnqueueContext(ctx, task, opts...); err != nil {
		msg := apperr.Summary(err, ErrorLimit)
		_ = s.Fail(ctx, jobID, msg)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.TaskCreatedResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

// Get returns the job record.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, jobID)
}

// Status describes the job for clients. Completed jobs get a signed URL.
func (s *JobService) Status(ctx context.Context, jobID string) (*model.TaskStatusResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resp := &model.TaskStatusResponse{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		StatusMsg: job.StatusText(),
		Progress:  job.Progress,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	if job.Status == model.JobStatusCompleted && job.ResultKey != nil {
		resp.VideoKey = *job.ResultKey
		resp.VideoURL = s.sign(ctx, *job.ResultKey)
	}
	return resp, nil
}

// Result returns the output of a completed job.
func (s *JobService) Result(ctx context.Context, jobID string) (*model.TaskResultResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted || job.ResultKey == nil {
		return nil, ErrJobNotCompleted
	}
	return &model.TaskResultResponse{
		JobID:    job.ID,
		VideoKey: *job.ResultKey,
		VideoURL: s.sign(ctx, *job.ResultKey),
	}, nil
}

// Start moves a job into processing for a new delivery. It reports false
// when the job is already terminal and the delivery must be dropped.
func (s *JobService) Start(ctx context.Context, jobID string) (*model.Job, bool, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.IsTerminal() {
		return job, false, nil
	}

	now := time.Now()
	job.Status = model.JobStatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Attempts++
	if err := s.saveJob(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// UpdateProgress records progress and sub-status. Regressions and writes to
// terminal jobs are ignored.
func (s *JobService) UpdateProgress(ctx context.Context, jobID string, progress int, subStatus string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() || progress < job.Progress {
		return nil
	}
	if progress == job.Progress && subStatus == job.SubStatus {
		return nil
	}

	job.Progress = progress
	job.SubStatus = subStatus
	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusProcessing
		now := time.Now()
		job.StartedAt = &now
	}
	return s.saveJob(ctx, job)
}

// Complete marks the job completed with its output key.
func (s *JobService) Complete(ctx context.Context, jobID, resultKey string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.SubStatus = "Completed"
	job.ResultKey = &resultKey
	job.Error = nil
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

// Fail marks the job failed. The message is flattened and truncated.
func (s *JobService) Fail(ctx context.Context, jobID, errMsg string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	msg := apperr.Summary(errors.New(errMsg), ErrorLimit)
	job.Status = model.JobStatusFailed
	job.Error = &msg
	job.SubStatus = ""
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

func (s *JobService) sign(ctx context.Context, key string) string {
	if s.signer == nil {
		return ""
	}
	u, err := s.signer.Sign(ctx, key, s.signExpiry)
	if err != nil {
		return ""
	}
	return u
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func (s *JobService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.ErrPersistence, "job", "marshal", job.ID, err)
	}
	if err := s.redis.Set(ctx, jobKey(job.ID), data, s.ttl).Err(); err != nil {
		return apperr.Wrap(apperr.ErrPersistence, "job", "save", job.ID, err)
	}
	return nil
}

func (s *JobService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, apperr.Wrap(apperr.ErrPersistence, "job", "load", jobID, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistence, "job", "decode", jobID, err)
	}
	return &job, nil
}

// NewRenderTask builds the asynq task for a job.
func NewRenderTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{JobID: jobID, Payload: payload})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}
