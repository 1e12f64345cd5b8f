package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRunsTask(t *testing.T) {
	m := NewManager()

	v, err := m.Acquire("key", func() (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if v.(int) != 42 {
		t.Errorf("expected 42, got %v", v)
	}
}

func TestAcquireQueuesEveryTask(t *testing.T) {
	m := NewManager()

	var executions int32
	var running int32
	start := make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Acquire("sandbox-1", func() (interface{}, error) {
				if atomic.AddInt32(&running, 1) != 1 {
					t.Error("two tasks ran under the same key at once")
				}
				atomic.AddInt32(&executions, 1)
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
			}
		}()
	}

	close(start)
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != callers {
		t.Errorf("expected all %d tasks to run, got %d", callers, n)
	}
}

func TestAcquireDoesNotAdoptForeignResult(t *testing.T) {
	m := NewManager()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = m.Acquire("sandbox-1", func() (interface{}, error) {
			close(held)
			<-release
			return "deploy output", nil
		})
	}()
	<-held

	done := make(chan struct{})
	var v interface{}
	go func() {
		v, _ = m.Acquire("sandbox-1", func() (interface{}, error) {
			return "terminal created", nil
		})
		close(done)
	}()

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never ran")
	}
	if v != "terminal created" {
		t.Errorf("queued caller got %v, want its own task's result", v)
	}
}

func TestConcurrentSharedCallersShareOneExecution(t *testing.T) {
	m := NewManager()

	var executions int32
	release := make(chan struct{})
	start := make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], _, errs[i] = m.AcquireShared("sandbox-1", func() (interface{}, error) {
				atomic.AddInt32(&executions, 1)
				<-release
				return "created", nil
			})
		}(i)
	}

	close(start)
	// Let the callers pile up on the held key before releasing the task.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("expected exactly 1 execution, got %d", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d got error: %v", i, errs[i])
		}
		if results[i] != "created" {
			t.Errorf("caller %d got %v, want created", i, results[i])
		}
	}
}

func TestSharedErrorPropagatesToAllWaiters(t *testing.T) {
	m := NewManager()

	boom := errors.New("upstream failure")
	release := make(chan struct{})

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = m.AcquireShared("sandbox-2", func() (interface{}, error) {
				<-release
				return nil, boom
			})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if !errors.Is(errs[i], boom) {
			t.Errorf("caller %d got %v, want %v", i, errs[i], boom)
		}
	}
}

func TestSharedAndQueuedExcludeEachOther(t *testing.T) {
	m := NewManager()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = m.Acquire("sandbox-3", func() (interface{}, error) {
			close(held)
			<-release
			return nil, nil
		})
	}()
	<-held

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _, _ = m.AcquireShared("sandbox-3", func() (interface{}, error) {
			close(started)
			return nil, nil
		})
		close(done)
	}()

	select {
	case <-started:
		t.Fatal("shared task ran while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shared task never ran after the key was released")
	}
}

func TestKeyReleasedAfterFailure(t *testing.T) {
	m := NewManager()

	_, err := m.Acquire("key", func() (interface{}, error) {
		return nil, errors.New("first attempt fails")
	})
	if err == nil {
		t.Fatal("expected error from first attempt")
	}

	v, err := m.Acquire("key", func() (interface{}, error) {
		return "retried", nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if v != "retried" {
		t.Errorf("expected retried, got %v", v)
	}
}

func TestIndependentKeysRunConcurrently(t *testing.T) {
	m := NewManager()

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})

	go func() {
		_, _ = m.Acquire("a", func() (interface{}, error) {
			close(aStarted)
			<-aRelease
			return nil, nil
		})
	}()

	<-aStarted

	done := make(chan struct{})
	go func() {
		_, _ = m.Acquire("b", func() (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task on key b blocked behind key a")
	}
	close(aRelease)
}

func TestAcquireShared(t *testing.T) {
	m := NewManager()

	_, shared, err := m.AcquireShared("solo", func() (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("AcquireShared failed: %v", err)
	}
	if shared {
		t.Error("single caller should not report a shared result")
	}
}
