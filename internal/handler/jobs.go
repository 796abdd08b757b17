package handler

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ippclub/modbrowser/internal/install"
)

// JobStatus is the lifecycle state of an install job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job tracks one install started through the API.
type Job struct {
	ID         string          `json:"id"`
	Repo       string          `json:"repo"`
	Status     JobStatus       `json:"status"`
	Result     *install.Result `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Step       string          `json:"step,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// jobTable keeps the most recent jobs in memory.
type jobTable struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
}

func newJobTable(limit int) *jobTable {
	return &jobTable{
		jobs:  make(map[string]*Job),
		limit: limit,
	}
}

func (t *jobTable) start(repo string) Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := &Job{
		ID:        uuid.NewString(),
		Repo:      repo,
		Status:    JobRunning,
		StartedAt: time.Now(),
	}
	t.jobs[job.ID] = job
	t.order = append(t.order, job.ID)

	for len(t.order) > t.limit {
		oldest := t.order[0]
		if t.jobs[oldest].Status == JobRunning {
			break
		}
		delete(t.jobs, oldest)
		t.order = t.order[1:]
	}
	return *job
}

func (t *jobTable) finish(id string, res install.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return
	}
	now := time.Now()
	job.FinishedAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		var ierr *install.Error
		if errors.As(err, &ierr) {
			job.Step = string(ierr.Step)
		}
		return
	}
	job.Status = JobSucceeded
	job.Result = &res
}

func (t *jobTable) get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}
