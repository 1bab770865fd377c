// Package progress tracks transcription jobs from upload to completion,
// merging live channel events with REST status polling into a single
// per-job progress record.
package progress

import "github.com/velisarios/akroasis/internal/api"

// Status is the lifecycle phase of a tracked job.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether the status ends tracking.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Record is the externally visible progress snapshot for one job.
type Record struct {
	FileName string
	Percent  int
	Status   Status
	Message  string
}

// statusForStage maps a server-reported processing stage onto a local
// status. Unrecognized stages keep the job in processing so a typo on
// the server side never strands a tracker.
func statusForStage(stage string) Status {
	switch stage {
	case "completed":
		return StatusCompleted
	case "error", "failed":
		return StatusError
	default:
		return StatusProcessing
	}
}

// statusForJob maps a REST job status onto a local status. Unknown
// statuses are treated as completed because the server only reports
// them once the job left the queue.
func statusForJob(s api.JobStatus) Status {
	switch {
	case !s.Terminal():
		return StatusProcessing
	case s.Failed():
		return StatusError
	default:
		return StatusCompleted
	}
}

func clampPercent(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}
