package notifier

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type job struct {
	name string
	fn   func() error
}

// Sink runs best-effort side effects (alerts, journal writes, equity samples)
// off the control loop. Jobs run on a fixed worker pool fed by a bounded queue.
type Sink struct {
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	failed  atomic.Uint64
	logger  *zap.Logger
}

// NewSink creates a sink and starts its workers.
func NewSink(queueSize, workers int, logger *zap.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	s := &Sink{
		jobs:   make(chan job, queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit enqueues fn without blocking. It returns false when the job was dropped
// because the queue is full or the sink is closed.
func (s *Sink) Submit(name string, fn func() error) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.jobs <- job{name: name, fn: fn}:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("异步任务队列已满, 丢弃任务", zap.String("job", name))
		return false
	}
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

// Dropped returns how many jobs were rejected by Submit.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Failed returns how many jobs returned an error.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

func (s *Sink) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.run(j)
	}
}

func (s *Sink) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.logger.Error("异步任务 panic", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	if err := j.fn(); err != nil {
		s.failed.Add(1)
		s.logger.Warn("异步任务执行失败", zap.String("job", j.name), zap.Error(err))
	}
}
