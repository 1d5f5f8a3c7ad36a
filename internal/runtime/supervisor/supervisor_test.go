package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want wrapped boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic to be reported as error")
	}
	if s.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", s.Active())
	}
}

func TestGoRestartRestartsUntilCancel(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", time.Millisecond, 2*time.Millisecond, func(ctx context.Context) {
		if runs.Add(1) >= 3 {
			s.Cancel()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
}

func TestWaitReportsLeakedNames(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-release })
	s.Go0("quick", func(ctx context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	var leak *LeakError
	if !errors.As(err, &leak) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want LeakError", err)
	}
	if len(leak.Names) != 1 || leak.Names[0] != "stuck" {
		t.Fatalf("leaked = %v", leak.Names)
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := s.Wait(ctx2); err != nil {
		t.Fatalf("second Wait() = %v", err)
	}
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("Running() = %v", got)
	}
}

func TestGoRestartCountsAndSurvivesPanic(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", time.Millisecond, time.Millisecond, func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		s.Cancel()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if s.Restarts() != 1 {
		t.Fatalf("Restarts() = %d, want 1", s.Restarts())
	}
}
