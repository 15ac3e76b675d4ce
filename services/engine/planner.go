package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the planner cannot take more work.
var ErrQueueFull = errors.New("planner queue full")

// Job is one independent simulation. Run builds and runs everything the job
// owns; jobs share no mutable state.
type Job struct {
	ID  string
	Run func(ctx context.Context) (Result, error)
}

type JobState string

const (
	JobQueued   JobState = "QUEUED"
	JobRunning  JobState = "RUNNING"
	JobComplete JobState = "COMPLETE"
	JobFailed   JobState = "FAILED"
)

type JobStatus struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Submitted time.Time `json:"submitted"`
	Started   time.Time `json:"started,omitzero"`
	Finished  time.Time `json:"finished,omitzero"`
}

// RunObserver is told about every run the planner executes.
type RunObserver interface {
	RunStarted()
	RunFinished(elapsed time.Duration, err error)
	QueueDepth(n int)
}

// Planner executes jobs on a fixed number of workers fed by a bounded queue.
type Planner struct {
	workers  int
	queue    chan Job
	logger   *zap.Logger
	observer RunObserver

	mu     sync.RWMutex
	status map[string]*JobStatus
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPlanner sizes the pool to runtime.NumCPU when workers is not positive.
func NewPlanner(workers, queueSize int, logger *zap.Logger, observer RunObserver) *Planner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		workers:  workers,
		queue:    make(chan Job, queueSize),
		logger:   logger,
		observer: observer,
		status:   make(map[string]*JobStatus),
	}
}

func (p *Planner) Workers() int { return p.workers }

// Start launches the workers. They exit when Stop is called or ctx ends.
func (p *Planner) Start(ctx context.Context) {
	p.logger.Info("starting run planner", zap.Int("workers", p.workers), zap.Int("queue", cap(p.queue)))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit queues a job without blocking.
func (p *Planner) Submit(job Job) error {
	p.mu.Lock()
	if _, dup := p.status[job.ID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("job %s already submitted", job.ID)
	}
	p.status[job.ID] = &JobStatus{ID: job.ID, State: JobQueued, Submitted: time.Now()}
	p.mu.Unlock()

	select {
	case p.queue <- job:
		p.observeQueue()
		return nil
	default:
		p.mu.Lock()
		delete(p.status, job.ID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Status returns a copy of the job's current status.
func (p *Planner) Status(id string) (JobStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

// Stop closes the queue and waits for queued jobs to finish.
func (p *Planner) Stop() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}

func (p *Planner) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.observeQueue()
			p.logger.Debug("worker processing job", zap.Int("worker_id", workerID), zap.String("job_id", job.ID))
			p.execute(ctx, job)
		}
	}
}

func (p *Planner) execute(ctx context.Context, job Job) {
	started := time.Now()
	p.update(job.ID, func(st *JobStatus) {
		st.State = JobRunning
		st.Started = started
	})
	if p.observer != nil {
		p.observer.RunStarted()
	}

	result, err := p.run(ctx, job)

	elapsed := time.Since(started)
	if p.observer != nil {
		p.observer.RunFinished(elapsed, err)
	}
	p.update(job.ID, func(st *JobStatus) {
		st.Finished = time.Now()
		if err != nil {
			st.State = JobFailed
			st.Error = err.Error()
			return
		}
		st.State = JobComplete
		st.Result = &result
	})
	if err != nil {
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	p.logger.Info("job complete", zap.String("job_id", job.ID), zap.Duration("elapsed", elapsed))
}

// run converts a panicking job into a failed one.
func (p *Planner) run(ctx context.Context, job Job) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return job.Run(ctx)
}

func (p *Planner) update(id string, fn func(st *JobStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.status[id]; ok {
		fn(st)
	}
}

func (p *Planner) observeQueue() {
	if p.observer != nil {
		p.observer.QueueDepth(len(p.queue))
	}
}

// RunAll runs jobs on a temporary pool and returns their statuses in job order.
func RunAll(ctx context.Context, workers int, jobs []Job, logger *zap.Logger, observer RunObserver) []JobStatus {
	p := NewPlanner(workers, len(jobs), logger, observer)
	p.Start(ctx)
	for _, job := range jobs {
		if err := p.Submit(job); err != nil {
			p.logger.Error("job rejected", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	p.Stop()

	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		if st, ok := p.Status(job.ID); ok {
			out = append(out, st)
		} else {
			out = append(out, JobStatus{ID: job.ID, State: JobFailed, Error: "not accepted"})
		}
	}
	return out
}
