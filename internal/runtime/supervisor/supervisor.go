// Package supervisor runs the long-lived goroutines of a component under one
// context: panics are recovered, names are tracked and Wait reports which
// ones failed to exit in time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// LeakError is returned by Wait when goroutines outlive its context.
type LeakError struct {
	Names []string
	Err   error
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("%v; still running: %s", e.Err, strings.Join(e.Names, ", "))
}

func (e *LeakError) Unwrap() error { return e.Err }

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errMu    sync.Mutex
	firstErr error

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]int

	active   atomic.Int64
	restarts atomic.Uint64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, running: map[string]int{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure seen, or nil.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Active() int64 { return s.active.Load() }

// Restarts counts GoRestart re-launches.
func (s *Supervisor) Restarts() uint64 { return s.restarts.Load() }

// Running lists the names of live goroutines, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name, n := range s.running {
		for range n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) fail(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) track(name string, delta int) {
	s.mu.Lock()
	if s.running[name] += delta; s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
	s.active.Add(int64(delta))
}

// Go runs fn in a named goroutine. Errors other than context.Canceled and
// panics are recorded as failures.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.track(name, 1)
	go func() {
		defer s.wg.Done()
		defer s.track(name, -1)
		err := s.run(name, fn)
		switch {
		case err == nil:
			s.log.Debug("goroutine stopped", logx.String("name", name))
		default:
			s.log.Warn("goroutine failed", logx.String("name", name), logx.Err(err))
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// run calls fn once, turning a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart keeps fn running until the context ends. Restarts back off from
// base up to maxDelay; a run that lasted at least maxDelay resets the backoff.
// Panics are logged and restarted, never recorded as failures.
func (s *Supervisor) GoRestart(name string, base, maxDelay time.Duration, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay = max(maxDelay, base)
	once := func(ctx context.Context) error { fn(ctx); return nil }

	s.Go(name, func(ctx context.Context) error {
		backoff := base
		for {
			began := time.Now()
			_ = s.run(name, once)
			if ctx.Err() != nil {
				return nil
			}
			if time.Since(began) >= maxDelay {
				backoff = base
			}
			s.restarts.Add(1)
			s.log.Warn("goroutine exited; restarting", logx.String("name", name), logx.Duration("backoff", backoff))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, maxDelay)
		}
	})
}

// Wait blocks until every goroutine has exited and returns the first
// failure. If ctx ends first it returns a *LeakError.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return &LeakError{Names: s.Running(), Err: ctx.Err()}
	}
}
