package api

import (
	"sync"
	"time"

	"pivot-backtest/services/engine"
)

// Job is the server-side record of a submitted backtest.
type Job struct {
	ID        string
	Status    string
	Job       *engine.BacktestJob
	Result    *engine.BacktestResult
	Err       *engine.APIError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStore keeps jobs in memory for the lifetime of the process.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job), now: time.Now}
}

func (s *JobStore) Create(job *engine.BacktestJob) {
	now := s.now()
	s.mu.Lock()
	s.jobs[job.JobID] = &Job{ID: job.JobID, Status: engine.StatusQueued, Job: job, CreatedAt: now, UpdatedAt: now}
	s.mu.Unlock()
}

func (s *JobStore) update(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = s.now()
	}
}

func (s *JobStore) Start(id string) {
	s.update(id, func(j *Job) { j.Status = engine.StatusRunning })
}

func (s *JobStore) Complete(id string, res *engine.BacktestResult) {
	s.update(id, func(j *Job) {
		j.Status = engine.StatusCompleted
		j.Result = res
	})
}

func (s *JobStore) Fail(id string, err *engine.APIError) {
	s.update(id, func(j *Job) {
		j.Status = engine.StatusFailed
		j.Err = err
	})
}

// Get returns a copy of the job record.
func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
