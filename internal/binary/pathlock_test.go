package binary

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPathLocks_Serializes(t *testing.T) {
	locks := newPathLocks()
	var inside, maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.lock(context.Background(), "/bin/tool")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside.Load())
	}
	if len(locks.locks) != 0 {
		t.Errorf("unused entries should be dropped, have %d", len(locks.locks))
	}
}

func TestPathLocks_IndependentKeys(t *testing.T) {
	locks := newPathLocks()

	unlockA, err := locks.lock(context.Background(), "/bin/a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locks.lock(ctx, "/bin/b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlockB()
}

func TestPathLocks_ContextCancel(t *testing.T) {
	locks := newPathLocks()

	unlock, err := locks.lock(context.Background(), "/bin/tool")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, "/bin/tool"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// Double unlock is harmless
	unlock()
	unlock()

	if len(locks.locks) != 0 {
		t.Errorf("entries should be dropped, have %d", len(locks.locks))
	}
}
