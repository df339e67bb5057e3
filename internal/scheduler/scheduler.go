// Package scheduler runs background agent work with per-user ordering:
// tasks for one user execute strictly in submission order, tasks for
// different users run in parallel. Engines never call each other; they
// only submit tasks here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/memoirhq/narrator/internal/metrics"
)

var (
	ErrStopped   = errors.New("scheduler stopped")
	ErrQueueFull = errors.New("user queue full")
)

// Task is one unit of background work bound to a user.
type Task struct {
	UserID string
	Name   string
	Run    func(ctx context.Context) error
}

// How long a user's worker lingers after its last task before the queue
// is torn down. Without teardown the map grows with every user ever seen.
const idleTimeout = 5 * time.Minute

type Scheduler struct {
	ctx       context.Context
	cancel    context.CancelFunc
	queueSize int
	idle      time.Duration

	mu     sync.Mutex
	queues map[string]chan Task
	wg     sync.WaitGroup
}

// New creates a scheduler whose tasks stop when ctx is cancelled.
// queueSize bounds each user's backlog.
func New(ctx context.Context, queueSize int) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:       ctx,
		cancel:    cancel,
		queueSize: queueSize,
		idle:      idleTimeout,
		queues:    make(map[string]chan Task),
	}
}

// Submit enqueues a task behind everything already queued for its user.
// It never blocks: a full queue is reported to the caller instead. The
// send happens under the lock so an idle teardown can never strand a
// task in a channel nobody drains.
func (s *Scheduler) Submit(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues == nil {
		return ErrStopped
	}
	q, ok := s.queues[task.UserID]
	if !ok {
		q = make(chan Task, s.queueSize)
		s.queues[task.UserID] = q
		s.wg.Add(1)
		go s.drain(task.UserID, q)
	}

	select {
	case q <- task:
		metrics.SchedulerQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("%w: user %s", ErrQueueFull, task.UserID)
	}
}

// Stop cancels running tasks and waits for the workers to exit. Queued
// tasks that have not started are dropped.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	s.queues = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) drain(userID string, q chan Task) {
	defer s.wg.Done()
	idle := time.NewTimer(s.idle)
	defer idle.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-q:
			metrics.SchedulerQueueDepth.Dec()
			if s.ctx.Err() != nil {
				return
			}
			s.run(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idle)
		case <-idle.C:
			// Tear down only when nothing arrived meanwhile; Submit holds
			// the lock while sending, so this check cannot race a send.
			s.mu.Lock()
			if len(q) == 0 {
				if s.queues != nil {
					delete(s.queues, userID)
				}
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.idle)
		}
	}
}

// run executes one task. A panic is contained to the task: the user's
// queue keeps draining.
func (s *Scheduler) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled task panicked",
				"task", task.Name, "user_id", task.UserID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := task.Run(s.ctx); err != nil {
		slog.Warn("scheduled task failed", "task", task.Name, "user_id", task.UserID, "error", err)
	}
}
