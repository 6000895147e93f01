package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyMutex_MutualExclusion(t *testing.T) {
	m := NewKeyMutex()
	ctx := context.Background()

	var counter, max int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "same-key")
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			defer unlock()

			cur := atomic.AddInt32(&counter, 1)
			for {
				old := atomic.LoadInt32(&max)
				if cur <= old || atomic.CompareAndSwapInt32(&max, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Errorf("max concurrent holders = %d, want 1", max)
	}
}

func TestKeyMutex_ContextCancellation(t *testing.T) {
	m := NewKeyMutex()

	unlock, err := m.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "key")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Lock error = %v, want DeadlineExceeded", err)
	}
}

func TestKeyMutex_DistinctKeysIndependent(t *testing.T) {
	m := NewKeyMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "payment-a")
	if err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	defer unlockA()

	// A different key (assuming no shard collision for these two) must not
	// block. Guard with a timeout so a collision shows up as a failure, not
	// a hang.
	done := make(chan struct{})
	go func() {
		unlockB, err := m.Lock(ctx, "payment-b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Error("lock on distinct key blocked")
	}
}

func TestInflightGroup_DeduplicatesConcurrentCalls(t *testing.T) {
	g := NewInflightGroup()
	var executions int32
	release := make(chan struct{})

	const callers = 8
	results := make(chan interface{}, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, _, err := g.Do(context.Background(), "settle:pay_1", func() (interface{}, error) {
				atomic.AddInt32(&executions, 1)
				<-release
				return "tx_0xabc", nil
			})
			if err != nil {
				t.Errorf("Do failed: %v", err)
				return
			}
			results <- val
		}()
	}

	// Give every goroutine a chance to join before releasing the leader.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("fn executed %d times, want 1", n)
	}
	for val := range results {
		if val != "tx_0xabc" {
			t.Errorf("result = %v, want shared tx_0xabc", val)
		}
	}
}

func TestInflightGroup_SequentialCallsReExecute(t *testing.T) {
	g := NewInflightGroup()
	var executions int32

	for i := 0; i < 3; i++ {
		_, shared, err := g.Do(context.Background(), "k", func() (interface{}, error) {
			atomic.AddInt32(&executions, 1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Do #%d failed: %v", i, err)
		}
		if shared {
			t.Errorf("sequential call #%d reported shared result", i)
		}
	}
	if executions != 3 {
		t.Errorf("fn executed %d times, want 3", executions)
	}
}

func TestInflightGroup_WaiterHonorsContext(t *testing.T) {
	g := NewInflightGroup()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = g.Do(context.Background(), "k", func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "k", func() (interface{}, error) { return nil, nil })
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiter error = %v, want DeadlineExceeded", err)
	}
}
