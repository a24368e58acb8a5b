package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// JobStatus represents the state of a merge job.
type JobStatus string

const (
	StatusCreated   JobStatus = "created"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// maxRowErrors caps the row error messages kept per job; all are counted.
const maxRowErrors = 50

// Stats are the row and page counts of a job.
type Stats struct {
	PageCount       int `json:"pageCount"`
	VariablesFound  int `json:"variablesFound"`
	VariablesMapped int `json:"variablesMapped"`
	RowsTotal       int `json:"rowsTotal"`
	RowsSucceeded   int `json:"rowsSucceeded"`
	RowsFailed      int `json:"rowsFailed"`
	DecodeFailures  int `json:"decodeFailures"`
	MergeFailures   int `json:"mergeFailures"`
	ConvertFailures int `json:"convertFailures"`
}

// Job tracks the state of a single generate request.
type Job struct {
	mu sync.Mutex

	ID         string
	Format     string
	TemplateID string
	DataName   string

	Status JobStatus
	Stage  string

	stats       Stats
	rowErrors   []string
	message     string
	fileName    string
	downloadURL string
	failure     error

	CreatedAt time.Time
	UpdatedAt time.Time

	cancel context.CancelCauseFunc
}

func newJob(id string) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		Status:    StatusCreated,
		Stage:     "created",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Stage = stage
	j.UpdatedAt = time.Now()
}

// RecordRowError counts a row failure by kind and keeps its message while
// fewer than maxRowErrors have been kept.
func (j *Job) RecordRowError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var re *RowError
	if errors.As(err, &re) {
		switch re.Kind {
		case RowDecode:
			j.stats.DecodeFailures++
		case RowMerge:
			j.stats.MergeFailures++
		case RowConvert:
			j.stats.ConvertFailures++
		}
	}
	j.stats.RowsFailed++
	if len(j.rowErrors) < maxRowErrors {
		j.rowErrors = append(j.rowErrors, err.Error())
	}
	j.UpdatedAt = time.Now()
}

// setCounts records the counters that are not row failures.
func (j *Job) setCounts(total, succeeded, pages, found, mapped int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats.RowsTotal = total
	j.stats.RowsSucceeded = succeeded
	j.stats.PageCount = pages
	j.stats.VariablesFound = found
	j.stats.VariablesMapped = mapped
	j.UpdatedAt = time.Now()
}

func (j *Job) complete(fileName, downloadURL, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusCompleted
	j.Stage = "done"
	j.fileName = fileName
	j.downloadURL = downloadURL
	j.message = message
	j.UpdatedAt = time.Now()
}

func (j *Job) fail(err error, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusFailed
	j.Stage = "done"
	j.failure = err
	j.message = message
	j.UpdatedAt = time.Now()
}

// Cancel stops a running job. It reports false when the job has already
// finished.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finishedLocked() || j.cancel == nil {
		return false
	}
	j.cancel(ErrJobCancelled)
	return true
}

func (j *Job) finishedLocked() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedLocked()
}

// Err returns the fatal error of a failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failure
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID          string    `json:"progressId"`
	Status      JobStatus `json:"status"`
	Stage       string    `json:"stage"`
	Format      string    `json:"format"`
	TemplateID  string    `json:"templateId,omitempty"`
	DataName    string    `json:"dataName,omitempty"`
	Stats       Stats     `json:"stats"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	RowErrors   []string  `json:"rowErrors"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	errs := make([]string, len(j.rowErrors))
	copy(errs, j.rowErrors)
	s := JobSnapshot{
		ID:          j.ID,
		Status:      j.Status,
		Stage:       j.Stage,
		Format:      j.Format,
		TemplateID:  j.TemplateID,
		DataName:    j.DataName,
		Stats:       j.stats,
		Message:     j.message,
		FileName:    j.fileName,
		DownloadURL: j.downloadURL,
		RowErrors:   errs,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.failure != nil {
		s.Error = j.failure.Error()
	}
	return s
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Running returns the jobs that have not finished.
func (s *JobStore) Running() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if !j.Finished() {
			out = append(out, j)
		}
	}
	return out
}

// Cleanup removes finished jobs idle for longer than the TTL and returns how
// many were removed.
func (s *JobStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		job.mu.Lock()
		expired := job.finishedLocked() && now.Sub(job.UpdatedAt) > s.ttl
		job.mu.Unlock()
		if expired {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
