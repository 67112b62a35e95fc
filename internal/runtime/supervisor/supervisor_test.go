package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCleanExit(t *testing.T) {
	s := New(context.Background())
	done := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		close(done)
		return nil
	})
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.CountersNow(); c.Started != 1 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoErrorCancelsWhenConfigured(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("worker", func(ctx context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("error did not cancel the supervisor context")
	}
	if err := s.Err(); err == nil || !errors.Is(err, boom) {
		t.Fatalf("Err = %v, want wrapped boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error { panic("kaboom") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not cancel the supervisor context")
	}

	snap := s.SnapshotNow()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("snapshot after panic = %+v", snap.Tasks)
	}
	if snap.FirstError == "" {
		t.Fatal("panic must surface as the first error")
	}
}

func TestGoRestartRestartsPanickingLoop(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int64
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("flaky")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("loop ran %d times, want 3", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap := s.SnapshotNow()
	for _, task := range snap.Tasks {
		if task.Name == "loop" {
			if task.Panics != 2 || task.Restarts != 2 {
				t.Fatalf("loop stats = %+v, want 2 panics and 2 restarts", task)
			}
			return
		}
	}
	t.Fatal("no stats recorded for the restart loop")
}

func TestGoRestartStopsOnMaxRestarts(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int64
	s.GoRestart("loop", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always fails")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Wait(ctx)

	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("loop ran %d times, want 3", got)
	}
	if s.Err() == nil {
		t.Fatal("giving up must record the error")
	}
}

func TestStopCancelsRunningTasks(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{})
	s.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := s.CountersNow(); c.Active != 0 {
		t.Fatalf("active = %d after Stop", c.Active)
	}
}
