// Package scheduler runs named tasks on fixed intervals.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("nms.scheduler")

// Task is the unit of scheduled work. The scheduler never waits for it.
type Task func()

// Config holds the scheduler's dependencies.
type Config struct {
	Clock clock.Clock
	// OnSkip, if set, is called when a tick is dropped because the
	// previous run of the same task has not returned yet.
	OnSkip func(name string)
}

func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Scheduler owns a registry of recurring tasks keyed by name.
// Runs of one task never overlap: a tick that lands while the previous
// run is still in flight is skipped.
type Scheduler struct {
	config Config

	mu    sync.Mutex
	tasks map[string]*entry
}

type entry struct {
	name     string
	interval time.Duration
	task     Task
	running  atomic.Bool
	skipped  atomic.Int64
	stop     chan struct{}
	done     chan struct{}
}

func New(config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Scheduler{config: config, tasks: make(map[string]*entry)}, nil
}

// Schedule runs task every interval, first after one interval has elapsed.
// Scheduling a name that is already registered replaces it.
func (s *Scheduler) Schedule(name string, interval time.Duration, task Task) error {
	_, err := s.add(name, interval, task)
	return err
}

// RunNowAndSchedule is Schedule plus one immediate run.
func (s *Scheduler) RunNowAndSchedule(name string, interval time.Duration, task Task) error {
	e, err := s.add(name, interval, task)
	if err != nil {
		return err
	}
	s.fire(e)
	return nil
}

func (s *Scheduler) add(name string, interval time.Duration, task Task) (*entry, error) {
	if interval <= 0 {
		return nil, errors.NotValidf("interval %v for task %q", interval, name)
	}
	if task == nil {
		return nil, errors.NotValidf("nil task %q", name)
	}
	e := &entry{
		name:     name,
		interval: interval,
		task:     task,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	old := s.tasks[name]
	s.tasks[name] = e
	s.mu.Unlock()
	if old != nil {
		old.halt()
	}
	go s.loop(e)
	logger.Debugf("scheduled %q every %v", name, interval)
	return e, nil
}

func (s *Scheduler) loop(e *entry) {
	defer close(e.done)
	timer := s.config.Clock.NewTimer(e.interval)
	defer timer.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-timer.Chan():
			s.fire(e)
			timer.Reset(e.interval)
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		n := e.skipped.Add(1)
		logger.Debugf("task %q still running, skipping tick (%d skipped)", e.name, n)
		if s.config.OnSkip != nil {
			s.config.OnSkip(e.name)
		}
		return
	}
	go func() {
		defer e.running.Store(false)
		e.task()
	}()
}

func (e *entry) halt() {
	close(e.stop)
	<-e.done
}

// Stop cancels one task. Unknown names are ignored.
func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	e := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if e != nil {
		e.halt()
	}
}

// StopAll cancels every task and clears the registry. Runs already in
// flight are left to finish.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*entry)
	s.mu.Unlock()
	for _, e := range tasks {
		e.halt()
	}
	if len(tasks) > 0 {
		logger.Debugf("stopped %d scheduled tasks", len(tasks))
	}
}

// Names lists the registered tasks.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	return out
}
