package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubmit_FIFOPerUser(t *testing.T) {
	s := New(context.Background(), 16)
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		err := s.Submit(Task{
			UserID: "u1",
			Name:   "record",
			Run: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				last := len(order)
				mu.Unlock()
				if last == 5 {
					close(done)
				}
				return nil
			},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected submission order, got %v", order)
		}
	}
}

func TestSubmit_UsersRunInParallel(t *testing.T) {
	s := New(context.Background(), 16)
	defer s.Stop()

	blockA := make(chan struct{})
	ranB := make(chan struct{})

	err := s.Submit(Task{UserID: "a", Name: "block", Run: func(ctx context.Context) error {
		<-blockA
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	err = s.Submit(Task{UserID: "b", Name: "fast", Run: func(ctx context.Context) error {
		close(ranB)
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-ranB:
		// b ran while a's task was still blocked
	case <-time.After(2 * time.Second):
		t.Fatal("second user's task was blocked behind the first user")
	}
	close(blockA)
}

func TestSubmit_PanicDoesNotKillQueue(t *testing.T) {
	s := New(context.Background(), 16)
	defer s.Stop()

	survived := make(chan struct{})

	_ = s.Submit(Task{UserID: "u1", Name: "boom", Run: func(ctx context.Context) error {
		panic("unexpected")
	}})
	err := s.Submit(Task{UserID: "u1", Name: "after", Run: func(ctx context.Context) error {
		close(survived)
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not survive a panicking task")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	s := New(context.Background(), 1)
	defer s.Stop()

	block := make(chan struct{})
	defer close(block)

	// First task occupies the worker, second fills the queue.
	_ = s.Submit(Task{UserID: "u1", Name: "block", Run: func(ctx context.Context) error {
		<-block
		return nil
	}})

	// The worker may not have picked up the first task yet, so the queue
	// slot can take a moment to free up.
	deadline := time.Now().Add(time.Second)
	queued := false
	for time.Now().Before(deadline) {
		if err := s.Submit(Task{UserID: "u1", Name: "fill", Run: func(ctx context.Context) error { return nil }}); err == nil {
			queued = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !queued {
		t.Fatal("could not queue second task")
	}

	err := s.Submit(Task{UserID: "u1", Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestIdleQueueIsTornDown(t *testing.T) {
	s := New(context.Background(), 4)
	s.idle = 20 * time.Millisecond
	defer s.Stop()

	ran := make(chan struct{})
	err := s.Submit(Task{UserID: "u1", Name: "once", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		_, alive := s.queues["u1"]
		s.mu.Unlock()
		if !alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle queue was never torn down")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A later submission spins the queue back up.
	again := make(chan struct{})
	err = s.Submit(Task{UserID: "u1", Name: "again", Run: func(ctx context.Context) error {
		close(again)
		return nil
	}})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	select {
	case <-again:
	case <-time.After(2 * time.Second):
		t.Fatal("resubmitted task did not run")
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	s := New(context.Background(), 4)
	s.Stop()

	err := s.Submit(Task{UserID: "u1", Name: "late", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
