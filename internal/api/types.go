package api

// JobStatus is the server-side lifecycle status of a transcription job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobErrored    JobStatus = "error"
)

// Terminal reports whether the status ends the job's lifecycle. Unknown
// statuses are treated as terminal so pollers do not loop forever on a
// value introduced by a newer server.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPending, JobProcessing:
		return false
	}
	return true
}

// Failed reports whether the status is a terminal failure.
func (s JobStatus) Failed() bool {
	return s == JobFailed || s == JobErrored
}

// Job is one transcription task as reported by the REST API.
type Job struct {
	ID        string    `json:"id"`
	FileName  string    `json:"filename,omitempty"`
	Status    JobStatus `json:"status"`
	Language  string    `json:"language,omitempty"`
	Model     string    `json:"model,omitempty"` // e.g. "whisper", "wav2vec2"
	Error     string    `json:"error,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
}

// createResponse is the body returned by the job creation endpoints.
type createResponse struct {
	Transcription Job `json:"transcription"`
}

// listResponse is the body returned by the job list endpoint.
type listResponse struct {
	Transcriptions []Job `json:"transcriptions"`
}

// errorResponse is the error body returned by the API on non-2xx statuses.
type errorResponse struct {
	Error string `json:"error"`
}
