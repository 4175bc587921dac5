// Package supervisor runs long-lived background tasks and restarts them
// after a crash. Every background process in the server (including the
// installer's consumer loop) runs under a Supervisor so that an unexpected
// failure never leaves a worker silently dead.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// TaskFunc is the long-running work a Supervisor keeps alive. It should block
// until ctx is cancelled; returning ctx.Err() on cancellation is the normal
// shutdown path. Any other return (or a panic) counts as a crash.
type TaskFunc func(ctx context.Context) error

type Supervisor struct {
	name         string
	task         TaskFunc
	finalize     func()
	restartDelay time.Duration

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithFinalize sets a hook that runs after every crash, before the restart.
func WithFinalize(f func()) Option {
	return func(s *Supervisor) { s.finalize = f }
}

// WithRestartDelay sets the pause between a crash and the restart.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.restartDelay = d }
}

func New(name string, task TaskFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:         name,
		task:         task,
		restartDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the supervised task. Calling Start on a running supervisor
// is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.shuttingDown = false

	go s.loop(ctx)
	log.Printf("%s: started", s.name)
}

func (s *Supervisor) loop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		done := s.done
		s.mu.Unlock()
		close(done)
	}()

	for {
		err := s.runOnce(ctx)

		if ctx.Err() != nil || s.isShuttingDown() {
			log.Printf("%s: stopped", s.name)
			return
		}

		if err == nil {
			// The task returned without being cancelled. Treat it like a
			// crash so the worker keeps running.
			err = fmt.Errorf("task exited unexpectedly")
		}
		log.Printf("%s: crashed: %v, restarting", s.name, err)

		if s.finalize != nil {
			s.finalize()
		}

		select {
		case <-ctx.Done():
			log.Printf("%s: stopped", s.name)
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// runOnce executes one incarnation of the task, converting panics to errors.
func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.task(ctx)
}

// Shutdown cancels the task and waits until its goroutine has exited. The
// task signals completion on a channel, so there is no poll loop here. The
// passed context bounds how long Shutdown is willing to wait.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: shutdown wait: %w", s.name, ctx.Err())
	}
}

// Running reports whether the supervised task is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}
