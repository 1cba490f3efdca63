package timer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSchedulerStopped is returned when scheduling on a stopped Scheduler.
var ErrSchedulerStopped = errors.New("scheduler is stopped")

// Task is a callback due at a point in time. Tasks are keyed by ID, so
// scheduling an ID again moves its deadline.
type Task struct {
	ID    string
	DueAt time.Time
	Run   func(ctx context.Context)
	index int
}

// taskHeap is a min-heap of tasks ordered by DueAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Scheduler runs due tasks on a fixed pool of workers.
type Scheduler struct {
	heap    taskHeap
	tasks   map[string]*Task
	mu      sync.Mutex
	wakeup  chan struct{}
	jobs    chan *Task
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	ran     int64
	log     *zap.Logger
}

// NewScheduler creates a scheduler with the given number of workers.
func NewScheduler(workers int, log *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		heap:    make(taskHeap, 0),
		tasks:   make(map[string]*Task),
		wakeup:  make(chan struct{}, 1),
		jobs:    make(chan *Task, workers),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the dispatch loop and the workers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.dispatch()
}

// Stop cancels running tasks' context and waits for workers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule sets the task with this id to run at dueAt.
func (s *Scheduler) Schedule(id string, dueAt time.Time, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	task := &Task{ID: id, DueAt: dueAt, Run: run}
	heap.Push(&s.heap, task)
	s.tasks[id] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// ScheduleIn is Schedule relative to now.
func (s *Scheduler) ScheduleIn(id string, delay time.Duration, run func(ctx context.Context)) error {
	return s.Schedule(id, time.Now().Add(delay), run)
}

// Cancel removes a pending task.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

// NextRun returns when the task with this id is due.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return task.DueAt, true
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		wait := 24 * time.Hour
		var due *Task
		if s.heap.Len() > 0 {
			if wait = time.Until(s.heap[0].DueAt); wait <= 0 {
				due = heap.Pop(&s.heap).(*Task)
				delete(s.tasks, due.ID)
			}
		}
		s.mu.Unlock()

		if due != nil {
			select {
			case s.jobs <- due:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wakeup:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.jobs:
			s.execute(task)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) execute(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", zap.String("task", task.ID), zap.Any("panic", r))
		}
	}()
	task.Run(s.ctx)

	s.mu.Lock()
	s.ran++
	s.mu.Unlock()
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending: len(s.tasks),
		Ran:     s.ran,
		Workers: s.workers,
	}
}

// Stats contains statistics about the scheduler
type Stats struct {
	Pending int   `json:"pending"`
	Ran     int64 `json:"ran"`
	Workers int   `json:"workers"`
}
