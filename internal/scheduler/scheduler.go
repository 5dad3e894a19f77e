package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc runs one pass of periodic work.
type TickFunc func(ctx context.Context) error

type Status struct {
	Running   bool       `json:"running"`
	Interval  string     `json:"interval"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	Runs      int64      `json:"runs"`
}

// Scheduler runs tickFn on a fixed interval. Timer ticks and RunNow share
// one lock, so passes never overlap within a process.
type Scheduler struct {
	interval time.Duration
	tickFn   TickFunc
	log      *slog.Logger

	running atomic.Bool
	runs    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	runMu   sync.Mutex
	stateMu sync.Mutex
	lastRun time.Time
	lastErr error
}

func New(interval time.Duration, tickFn TickFunc, log *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "interval", s.interval.String())

		_ = s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				_ = s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// RunNow runs one pass immediately, waiting for a pass in progress to
// finish first. It works whether or not the timer is running.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.safeTick(ctx)
}

// RunWith runs fn in place of the tick function, under the same lock and
// bookkeeping. Callers use it to get at the result of a pass.
func (s *Scheduler) RunWith(ctx context.Context, fn TickFunc) error {
	if fn == nil {
		return errors.New("fn must not be nil")
	}
	return s.run(ctx, fn)
}

func (s *Scheduler) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Runs:     s.runs.Load(),
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRunAt = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) error {
	return s.run(ctx, s.tickFn)
}

func (s *Scheduler) run(ctx context.Context, fn TickFunc) (err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", "panic", r)
			err = fmt.Errorf("tick panicked: %v", r)
		}

		s.runs.Add(1)
		s.stateMu.Lock()
		s.lastRun = start.UTC()
		s.lastErr = err
		s.stateMu.Unlock()
	}()

	err = fn(ctx)
	if err != nil {
		s.log.Error("scheduler tick failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	s.log.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
