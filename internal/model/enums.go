package model

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ClipType is the wire name of a clip kind.
type ClipType string

const (
	ClipTypeVideo ClipType = "video"
	ClipTypeImage ClipType = "image"
	ClipTypeAudio ClipType = "audio"
	ClipTypeText  ClipType = "text"
	ClipTypeColor ClipType = "color"
)

// Script target durations accepted by the script writer.
const (
	TargetDuration15s = "15 Seconds"
	TargetDuration30s = "30 Seconds"
	TargetDuration60s = "60 Seconds"
)

var ValidTargetDurations = []string{TargetDuration15s, TargetDuration30s, TargetDuration60s}
