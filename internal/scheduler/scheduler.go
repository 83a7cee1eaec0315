// Package scheduler runs tasks once, after a fixed delay, on a small worker
// pool. Time comes from an injectable clock so tests can advance it.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/birdtrade/pkg/metrics"
)

// ErrStopped is returned by Schedule once Stop has been called.
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of deferred work. Payload is opaque to the scheduler.
type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Due     time.Time       `json:"due"`
}

// Handler runs a due task. Errors are logged and counted, never retried.
type Handler func(ctx context.Context, task Task) error

// Config holds the scheduler settings.
type Config struct {
	Delay       time.Duration `mapstructure:"delay" validate:"gte=0"`
	Workers     int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gte=1"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gte=0"`
	JournalPath string        `mapstructure:"journal_path"`
}

// DefaultConfig returns the production delay of 250ms.
func DefaultConfig() Config {
	return Config{
		Delay:       250 * time.Millisecond,
		Workers:     4,
		QueueSize:   1024,
		TaskTimeout: 30 * time.Second,
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithJournal persists pending tasks across restarts.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

type entry struct {
	task Task
	seq  uint64
}

func byDue(a, b entry) bool {
	if !a.task.Due.Equal(b.task.Due) {
		return a.task.Due.Before(b.task.Due)
	}
	return a.seq < b.seq
}

// Scheduler delays tasks and hands them to workers when due.
type Scheduler struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	clock   clock.Clock
	journal Journal

	incoming   chan Task
	work       chan Task
	stop       chan struct{}
	dispatched chan struct{}
	workers    sync.WaitGroup
	pending    atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool
}

// New creates a scheduler. Start must be called before tasks run.
func New(cfg Config, handler Handler, logger *zap.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:        cfg,
		handler:    handler,
		logger:     logger.Named("scheduler"),
		clock:      clock.New(),
		journal:    NopJournal{},
		incoming:   make(chan Task, cfg.QueueSize),
		work:       make(chan Task, cfg.Workers),
		stop:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatcher and workers, then replays journaled tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	go s.dispatch()

	tasks, err := s.journal.Pending()
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	if len(tasks) > 0 {
		s.logger.Info("replaying journaled tasks", zap.Int("count", len(tasks)))
	}
	for _, task := range tasks {
		if err := s.enqueue(ctx, task); err != nil {
			return fmt.Errorf("replay task %s: %w", task.ID, err)
		}
	}
	return nil
}

// Schedule queues task to run once the configured delay has passed. A task
// with Due already set keeps it.
func (s *Scheduler) Schedule(ctx context.Context, task Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if task.Due.IsZero() {
		task.Due = s.clock.Now().Add(s.cfg.Delay)
	}

	if err := s.journal.Save(task); err != nil {
		s.logger.Warn("journal save failed, task kept in memory only",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return s.enqueue(ctx, task)
}

func (s *Scheduler) enqueue(ctx context.Context, task Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStopped
	}

	select {
	case s.incoming <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of tasks not yet handed to a worker.
func (s *Scheduler) Pending() int { return int(s.pending.Load()) }

// Stop refuses new tasks, runs every task still waiting right away and
// waits for the workers to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stop)
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-s.dispatched
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatched)
	defer close(s.work)

	queue := btree.NewBTreeG(byDue)
	var (
		seq    uint64
		ready  []Task
		timer  *clock.Timer
		timerC <-chan time.Time
	)

	arm := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if next, ok := queue.Min(); ok {
			timer = s.clock.Timer(next.task.Due.Sub(s.clock.Now()))
			timerC = timer.C
		}
	}

	for {
		// Due tasks wait in ready until a worker takes one, so a busy pool
		// never stops the loop from draining incoming.
		var (
			workC chan Task
			head  Task
		)
		if len(ready) > 0 {
			workC, head = s.work, ready[0]
		}

		select {
		case task := <-s.incoming:
			seq++
			queue.Set(entry{task: task, seq: seq})
			ready = s.releaseDue(queue, ready)
			arm()

		case <-timerC:
			ready = s.releaseDue(queue, ready)
			arm()

		case workC <- head:
			ready[0] = Task{}
			ready = ready[1:]

		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
		drain:
			for {
				select {
				case task := <-s.incoming:
					seq++
					queue.Set(entry{task: task, seq: seq})
				default:
					break drain
				}
			}
			if n := queue.Len() + len(ready); n > 0 {
				s.logger.Info("running pending tasks before shutdown", zap.Int("count", n))
			}
			for _, task := range ready {
				s.work <- task
			}
			for {
				next, ok := queue.PopMin()
				if !ok {
					break
				}
				s.work <- next.task
			}
			s.setPending(0)
			return
		}
		s.setPending(queue.Len() + len(ready))
	}
}

// releaseDue moves every task whose due time has passed to the end of ready.
func (s *Scheduler) releaseDue(queue *btree.BTreeG[entry], ready []Task) []Task {
	now := s.clock.Now()
	for {
		next, ok := queue.Min()
		if !ok || next.task.Due.After(now) {
			return ready
		}
		queue.PopMin()
		ready = append(ready, next.task)
	}
}

func (s *Scheduler) setPending(n int) {
	s.pending.Store(int64(n))
	metrics.DeferredPending.Set(float64(n))
}

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for task := range s.work {
		s.run(task)
	}
}

func (s *Scheduler) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	err := s.call(ctx, task)
	if err != nil {
		metrics.DeferredTasks.WithLabelValues("failed").Inc()
		s.logger.Error("deferred task failed",
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind),
			zap.Error(err))
	} else {
		metrics.DeferredTasks.WithLabelValues("ok").Inc()
	}

	if err := s.journal.Delete(task.ID); err != nil {
		s.logger.Warn("journal delete failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Scheduler) call(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return s.handler(ctx, task)
}
