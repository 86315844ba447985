package model

import "time"

// TaskCreatedResponse is returned when a job is accepted.
type TaskCreatedResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskStatusResponse describes a job to API clients.
type TaskStatusResponse struct {
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Status    JobStatus `json:"status"`
	StatusMsg string    `json:"status_text"`
	Progress  int       `json:"progress"`
	VideoKey  string    `json:"video_key,omitempty"`
	VideoURL  string    `json:"video_url,omitempty"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskResultResponse is the result of a completed job.
type TaskResultResponse struct {
	JobID    string `json:"job_id"`
	VideoKey string `json:"video_key"`
	VideoURL string `json:"video_url"`
}

// PresignRequest asks for a direct-to-storage upload URL.
type PresignRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required"`
}

// PresignResponse carries the upload URL and the key the client must reference.
type PresignResponse struct {
	UploadURL string `json:"upload_url"`
	Key       string `json:"key"`
	ExpiresIn int    `json:"expires_in"`
}

// ScriptRequest asks the script writer for narration text.
type ScriptRequest struct {
	Topic    string `json:"topic" validate:"required,max=500"`
	Duration string `json:"duration,omitempty"`
}

// ScriptResponse carries generated narration text.
type ScriptResponse struct {
	Script string `json:"script"`
}
