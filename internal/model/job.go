package model

import "time"

// Job represents one render or generation request tracked through the queue.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"` // "render" or "generate"
	UserID      string     `json:"userId,omitempty"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	SubStatus   string     `json:"subStatus,omitempty"`
	ResultKey   *string    `json:"resultKey,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Payload     []byte     `json:"payload,omitempty"` // raw RenderPayload
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Attempts    int        `json:"attempts"`
}

// Job types
const (
	JobTypeRender   = "render"
	JobTypeGenerate = "generate"
)

// IsTerminal reports whether the job has reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// StatusText renders the human readable status shown to clients.
func (j *Job) StatusText() string {
	switch j.Status {
	case JobStatusProcessing:
		if j.SubStatus != "" {
			return j.SubStatus
		}
		return "Processing"
	case JobStatusFailed:
		if j.Error != nil {
			return "Error: " + *j.Error
		}
		return "Error"
	case JobStatusCompleted:
		return "Completed"
	default:
		return "Queued"
	}
}
