package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentmem/internal/types"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// laneSize bounds the number of pending jobs per session.
const laneSize = 100

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that jobs within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent job processors across all sessions. A lane
// and its goroutine go away once drained.
type Queue struct {
	lanes     map[types.SessionID]chan *Job
	semaphore *semaphore.Weighted
	processor func(context.Context, *Job) error
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent jobs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context and waits for in-flight processors to
// finish. Jobs still waiting in a lane are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a Job to the session's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}
	lane, exists := q.lanes[job.SessionID]
	if !exists {
		lane = make(chan *Job, laneSize)
		q.lanes[job.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(job.SessionID, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("queue full for session %s", job.SessionID)
	}
}

// Pending returns the number of jobs waiting across all lanes.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Job) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(lane) == 0 || q.stopped {
			delete(q.lanes, sessionID)
			q.mu.Unlock()
			return
		}
		job := <-lane
		q.active.Add(1)
		q.mu.Unlock()

		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			q.active.Add(-1)
			return
		}
		q.run(job)
		q.semaphore.Release(1)
		q.active.Add(-1)
	}
}

func (q *Queue) run(job *Job) {
	if q.processor == nil {
		return
	}
	started := time.Now()
	job.StartedAt = &started
	job.Status = JobStatusRunning
	err := q.processor(q.ctx, job)
	ended := time.Now()
	job.EndedAt = &ended
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err
		slog.Error("job failed", "job_id", string(job.ID), "session_id", string(job.SessionID), "attempts", job.Attempts, "error", err)
	} else {
		job.Status = JobStatusComplete
	}
	if job.OnComplete != nil {
		job.OnComplete(job)
	}
}

// WaitIdle blocks until no jobs are pending or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && q.Pending() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Job.
func (q *Queue) SetProcessor(fn func(context.Context, *Job) error) {
	q.processor = fn
}
