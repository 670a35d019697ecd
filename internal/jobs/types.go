package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeConvertDocument converts an uploaded document to Markdown.
	JobTypeConvertDocument JobType = "convert_document"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// DefaultMaxRetries applies when a published job leaves MaxRetries unset.
const DefaultMaxRetries = 3

var (
	// ErrNoRetry marks a handler error as final. Queues fail the job
	// immediately instead of scheduling another attempt.
	ErrNoRetry = errors.New("jobs: do not retry")

	ErrJobNotFound = errors.New("jobs: job not found")
	ErrQueueClosed = errors.New("jobs: queue is closed")
)

// ConvertDocumentJob asks a worker to convert one stored upload.
type ConvertDocumentJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// ConversionID is the conversion row this job drives.
	ConversionID string `json:"conversion_id"`

	// OwnerKey scopes read access to the job record.
	OwnerKey string `json:"owner_key"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *ConvertDocumentJob) GetID() string        { return j.JobID }
func (j *ConvertDocumentJob) GetType() JobType     { return JobTypeConvertDocument }
func (j *ConvertDocumentJob) GetStatus() JobStatus { return j.Status }

// Prepare fills defaults on a job that is about to be enqueued.
func (j *ConvertDocumentJob) Prepare(newID func() string, now time.Time) {
	if j.JobID == "" {
		j.JobID = newID()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
}

// Finish records the handler outcome on the job and reports whether the job
// should be attempted again.
func (j *ConvertDocumentJob) Finish(err error, now time.Time) (retry bool) {
	j.CompletedAt = &now
	if err == nil {
		j.Status = JobStatusCompleted
		j.Error = ""
		return false
	}

	j.Error = err.Error()
	if !errors.Is(err, ErrNoRetry) && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = JobStatusRetrying
		return true
	}
	j.Status = JobStatusFailed
	return false
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishConvert publishes a document conversion job.
	PublishConvert(ctx context.Context, job *ConvertDocumentJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
// This allows tracking job execution across service restarts.
type JobStore interface {
	SaveJob(ctx context.Context, job *ConvertDocumentJob) error
	GetJob(ctx context.Context, jobID string) (*ConvertDocumentJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*ConvertDocumentJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	ConversionID string
	Status       JobStatus
	Limit        int
	Offset       int
}

// RetryDelay is the wait before retry attempt n (1-based).
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
