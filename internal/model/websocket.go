package model

// JobEventType tags the frames exchanged on /ws/jobs/:jobId.
type JobEventType string

const (
	JobEventProgress JobEventType = "progress"
	JobEventComplete JobEventType = "complete"
	JobEventError    JobEventType = "error"
	JobEventPing     JobEventType = "ping"
	JobEventPong     JobEventType = "pong"
)

// ControlFrame is a keep-alive frame. Clients send ping; the server answers pong.
type ControlFrame struct {
	Type JobEventType `json:"type"`
}

// ProgressEvent carries the job's persisted progress and sub-status.
type ProgressEvent struct {
	Type      JobEventType `json:"type"`
	JobID     string       `json:"jobId"`
	Progress  int          `json:"progress"`
	Status    JobStatus    `json:"status"`
	SubStatus string       `json:"subStatus,omitempty"`
}

func NewProgressEvent(jobID string, progress int, status JobStatus, subStatus string) ProgressEvent {
	return ProgressEvent{Type: JobEventProgress, JobID: jobID, Progress: progress, Status: status, SubStatus: subStatus}
}

// CompleteEvent is sent once the output video is stored.
type CompleteEvent struct {
	Type   JobEventType       `json:"type"`
	JobID  string             `json:"jobId"`
	Result TaskResultResponse `json:"result"`
}

func NewCompleteEvent(result TaskResultResponse) CompleteEvent {
	return CompleteEvent{Type: JobEventComplete, JobID: result.JobID, Result: result}
}

// ErrorEvent is sent when the job fails. Code follows the failure class.
type ErrorEvent struct {
	Type  JobEventType `json:"type"`
	JobID string       `json:"jobId"`
	Error EventError   `json:"error"`
}

type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorEvent(jobID, code, message string) ErrorEvent {
	return ErrorEvent{Type: JobEventError, JobID: jobID, Error: EventError{Code: code, Message: message}}
}
