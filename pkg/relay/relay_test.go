package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRelayPreservesEnqueueOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inflight int32

	post := func(ctx context.Context, task Task) error {
		if n := atomic.AddInt32(&inflight, 1); n != 1 {
			t.Errorf("%d tasks in flight, want exactly 1", n)
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, task.Ref)
		mu.Unlock()
		atomic.AddInt32(&inflight, -1)
		return nil
	}

	r := New(post, 64, nil)
	defer r.Close()

	const n = 10
	results := make([]<-chan error, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, r.Enqueue(Task{Ref: fmt.Sprintf("sha-%02d", i)}))
	}
	for i, ch := range results {
		if err := <-ch; err != nil {
			t.Fatalf("task %d returned error: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("executed %d tasks, want %d", len(order), n)
	}
	for i, ref := range order {
		if want := fmt.Sprintf("sha-%02d", i); ref != want {
			t.Fatalf("completion order %v does not match enqueue order", order)
		}
	}
}

func TestRelaySerializesConcurrentEnqueues(t *testing.T) {
	var executed int32
	var inflight int32

	post := func(ctx context.Context, task Task) error {
		if n := atomic.AddInt32(&inflight, 1); n != 1 {
			t.Errorf("%d tasks in flight, want exactly 1", n)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&executed, 1)
		atomic.AddInt32(&inflight, -1)
		return nil
	}

	r := New(post, 64, nil)
	defer r.Close()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := <-r.Enqueue(Task{Ref: fmt.Sprintf("sha-%d", i)}); err != nil {
				t.Errorf("task %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&executed); got != n {
		t.Fatalf("executed %d tasks, want %d", got, n)
	}
}

func TestRelayDeliversTaskError(t *testing.T) {
	wantErr := fmt.Errorf("provider said no")
	post := func(ctx context.Context, task Task) error {
		return wantErr
	}

	r := New(post, 8, nil)
	defer r.Close()

	if err := <-r.Enqueue(Task{Ref: "sha"}); err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestRelayCloseDrains(t *testing.T) {
	var executed int32
	post := func(ctx context.Context, task Task) error {
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&executed, 1)
		return nil
	}

	r := New(post, 8, nil)
	for i := 0; i < 5; i++ {
		r.Enqueue(Task{Ref: fmt.Sprintf("sha-%d", i)})
	}
	r.Close()

	if got := atomic.LoadInt32(&executed); got != 5 {
		t.Fatalf("executed %d tasks before Close returned, want 5", got)
	}
}

func TestRelaysAreIndependent(t *testing.T) {
	block := make(chan struct{})
	slow := New(func(ctx context.Context, task Task) error {
		<-block
		return nil
	}, 8, nil)

	fast := New(func(ctx context.Context, task Task) error {
		return nil
	}, 8, nil)

	stuck := slow.Enqueue(Task{Ref: "stuck"})

	select {
	case err := <-fast.Enqueue(Task{Ref: "quick"}):
		if err != nil {
			t.Fatalf("fast relay task failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("independent relay was stalled by another instance")
	}

	close(block)
	<-stuck
	slow.Close()
	fast.Close()
}
