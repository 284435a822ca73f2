package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobStatus is the state of an asynchronous analysis.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusFetching  JobStatus = "fetching"
	StatusAnalyzing JobStatus = "analyzing"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCached    JobStatus = "cached"
)

// Done reports whether the status is terminal.
func (s JobStatus) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCached
}

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// ErrQueueClosed is returned by Submit after Stop.
var ErrQueueClosed = errors.New("job queue is stopped")

// Job tracks one queued analysis.
type Job struct {
	mu sync.Mutex

	ID        string
	URL       string
	Force     bool
	Status    JobStatus
	Error     string
	Result    *Result
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewJob(url string, force bool) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Force:     force,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStatus records progress. Terminal states are only set once the result
// is stored on the job, and are never left.
func (j *Job) SetStatus(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status.Done() || status.Done() {
		return
	}
	j.Status = status
	j.UpdatedAt = time.Now()
}

func (j *Job) finish(res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.UpdatedAt = time.Now()
	if err != nil {
		j.Status = StatusFailed
		j.Error = err.Error()
		return
	}
	j.Result = res
	if res.Cached {
		j.Status = StatusCached
	} else {
		j.Status = StatusCompleted
	}
}

// JobSnapshot is a JSON-safe copy of job state.
type JobSnapshot struct {
	ID        string    `json:"job_id"`
	URL       string    `json:"url"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{
		ID:        j.ID,
		URL:       j.URL,
		Status:    j.Status,
		Error:     j.Error,
		Result:    j.Result,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func (j *Job) updatedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.UpdatedAt
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{jobs: make(map[string]*Job), ttl: ttl}
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

// Cleanup removes jobs not updated within the TTL and returns how many.
func (s *JobStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, job := range s.jobs {
		if now.Sub(job.updatedAt()) > s.ttl {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// QueueConfig sizes the job queue.
type QueueConfig struct {
	Workers         int
	MaxQueueSize    int
	JobTTL          time.Duration
	CleanupInterval time.Duration
}

// Queue runs analyses on a fixed pool of workers.
type Queue struct {
	manager *Manager
	jobs    *JobStore
	queue   chan *Job
	cfg     QueueConfig
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueue(manager *Manager, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return &Queue{
		manager: manager,
		jobs:    NewJobStore(cfg.JobTTL),
		queue:   make(chan *Job, cfg.MaxQueueSize),
		cfg:     cfg,
		logger:  logger.Named("jobs"),
	}
}

// Start launches the workers and the job store cleanup.
func (q *Queue) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for range q.cfg.Workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-q.queue:
					if !ok {
						return
					}
					q.process(workerCtx, job)
				}
			}
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := q.jobs.Cleanup(); n > 0 {
					q.logger.Debug("evicted expired jobs", zap.Int("count", n))
				}
			}
		}
	}()
}

func (q *Queue) process(ctx context.Context, job *Job) {
	res, err := q.manager.Analyze(ctx, Request{URL: job.URL, Force: job.Force, Progress: job.SetStatus})
	job.finish(res, err)
	if err != nil {
		q.logger.Warn("analysis job failed", zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Error(err))
		return
	}
	q.logger.Info("analysis job finished", zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Bool("cached", res.Cached))
}

// Stop cancels running work and waits for the workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.queue)
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Submit registers and queues a job.
func (q *Queue) Submit(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueClosed
	}

	q.jobs.Put(job)
	select {
	case q.queue <- job:
		return nil
	default:
		job.finish(nil, ErrQueueFull)
		return ErrQueueFull
	}
}

// Get returns a job by ID, or nil.
func (q *Queue) Get(id string) *Job {
	return q.jobs.Get(id)
}

// Depth returns the number of jobs waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.queue)
}
