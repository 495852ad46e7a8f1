// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package scheduler

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
)

func testLogger() slog.Logger {
	b := slog.NewBackend(os.Stdout)
	l := b.Logger("TEST")
	l.SetLevel(slog.LevelOff)
	return l
}

func TestDispatchRunsTask(t *testing.T) {
	s := New(2, testLogger())
	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	s.dispatch(context.Background(), func(ctx context.Context) {
		defer wg.Done()
		ran.Store(true)
	})
	wg.Wait()
	if !ran.Load() {
		t.Fatal("expected the dispatched task to run")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	s := New(1, testLogger())
	done := make(chan struct{})
	s.dispatch(context.Background(), func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking task should still release its pool slot and complete")
	}

	// The pool slot must have been released; a second task should run too.
	var ran atomic.Bool
	done2 := make(chan struct{})
	s.dispatch(context.Background(), func(ctx context.Context) {
		defer close(done2)
		ran.Store(true)
	})
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the pool slot to be available after the panicking task released it")
	}
	if !ran.Load() {
		t.Fatal("expected the second task to run")
	}
}

func TestDispatchSkipsWhenContextCancelled(t *testing.T) {
	s := New(1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	s.dispatch(ctx, func(ctx context.Context) { ran.Store(true) })
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("dispatch must not run a task once its context is cancelled")
	}
}

func TestRunReturnsOnCancelBeforeFirstTick(t *testing.T) {
	s := New(4, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	// Run with a short-lived context and count how many times tasks() is
	// invoked before cancellation.
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func() []Task {
			calls.Add(1)
			return nil
		})
		close(done)
	}()
	<-done
	// TickInterval is 15s, so within 120ms Run should not have fired yet;
	// this just exercises the clean-shutdown path.
	if calls.Load() != 0 {
		t.Fatalf("did not expect a tick within 120ms of a 15s interval, got %d calls", calls.Load())
	}
}
