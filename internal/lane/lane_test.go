package lane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeyRunsInOrder(t *testing.T) {
	m := NewManager(nil, Config{})
	defer m.Stop(context.Background())

	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		if err := m.Submit("chat:1", func() {
			defer wg.Done()
			if running.Add(1) > 1 {
				t.Errorf("tasks for one key overlapped")
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		}); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	m := NewManager(nil, Config{})
	defer m.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, key := range []string{"a", "b"} {
		if err := m.Submit(key, func() {
			started <- struct{}{}
			<-release
		}); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("lanes for different keys did not run concurrently")
		}
	}
	close(release)
}

func TestIdleLaneExits(t *testing.T) {
	m := NewManager(nil, Config{IdleTimeout: 20 * time.Millisecond})
	defer m.Stop(context.Background())

	if err := m.Do(context.Background(), "k", func() {}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle lane was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// A new submission recreates the lane.
	if err := m.Do(context.Background(), "k", func() {}); err != nil {
		t.Fatalf("Do() after idle exit: %v", err)
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	m := NewManager(nil, Config{})
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_ = m.Submit("k", func() { ran.Add(1) })
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if ran.Load() != 5 {
		t.Fatalf("expected queued tasks to finish, ran %d", ran.Load())
	}
	if err := m.Submit("k", func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPanickingTaskDoesNotKillLane(t *testing.T) {
	m := NewManager(nil, Config{})
	defer m.Stop(context.Background())

	_ = m.Submit("k", func() { panic("boom") })
	if err := m.Do(context.Background(), "k", func() {}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
}
