package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// deadPID is far above any default pid_max.
const deadPID = 2147483000

const testLock = "install-test"

func TestAcquireLock(t *testing.T) {
	t.Run("creates lock file", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer lock.Release()

		lockPath := filepath.Join(dir, testLock+".lock")
		if _, err := os.Stat(lockPath); os.IsNotExist(err) {
			t.Error("lock file not created")
		}
		if lock.Path() != lockPath {
			t.Errorf("expected lock path %s, got %s", lockPath, lock.Path())
		}
	})

	t.Run("prevents concurrent locks", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock1, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("first AcquireLock failed: %v", err)
		}
		defer lock1.Release()

		_, err = AcquireLock(ctx, dir, testLock)
		if err != ErrLockExists {
			t.Errorf("expected ErrLockExists, got %v", err)
		}
	})

	t.Run("different names do not conflict", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock1, err := AcquireLock(ctx, dir, "a")
		if err != nil {
			t.Fatalf("AcquireLock(a) failed: %v", err)
		}
		defer lock1.Release()

		lock2, err := AcquireLock(ctx, dir, "b")
		if err != nil {
			t.Fatalf("AcquireLock(b) failed: %v", err)
		}
		defer lock2.Release()
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		_, err := AcquireLock(ctx, dir, testLock)
		if err == nil {
			t.Error("expected error for cancelled context")
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "locks")
		ctx := context.Background()

		lock, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer lock.Release()

		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Error("directory not created")
		}
	})

	t.Run("writes lock metadata", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer lock.Release()

		data, err := os.ReadFile(lock.Path())
		if err != nil {
			t.Fatalf("failed to read lock file: %v", err)
		}

		if !strings.Contains(string(data), fmt.Sprintf("pid=%d\n", os.Getpid())) {
			t.Errorf("lock file should record our pid, got %q", data)
		}
	})
}

func TestLockRelease(t *testing.T) {
	t.Run("removes lock file", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}

		lockPath := lock.Path()
		if err := lock.Release(); err != nil {
			t.Fatalf("Release failed: %v", err)
		}

		if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
			t.Error("lock file should be removed after release")
		}
	})

	t.Run("allows new lock after release", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock1, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("first AcquireLock failed: %v", err)
		}
		lock1.Release()

		lock2, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("second AcquireLock should succeed: %v", err)
		}
		defer lock2.Release()
	})

	t.Run("is idempotent", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		lock, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}

		// Release twice should not error
		if err := lock.Release(); err != nil {
			t.Fatalf("first Release failed: %v", err)
		}
		if err := lock.Release(); err != nil {
			t.Fatalf("second Release should not error: %v", err)
		}
	})
}

func TestStaleLockHandling(t *testing.T) {
	writeLock := func(t *testing.T, dir string, pid int) string {
		t.Helper()
		lockPath := filepath.Join(dir, testLock+".lock")
		data := fmt.Sprintf("pid=%d\ntimestamp=2020-01-01T00:00:00Z\n", pid)
		if err := os.WriteFile(lockPath, []byte(data), 0600); err != nil {
			t.Fatalf("failed to create lock: %v", err)
		}
		return lockPath
	}

	t.Run("takes over lock older than threshold", func(t *testing.T) {
		dir := t.TempDir()
		lockPath := writeLock(t, dir, os.Getpid())

		// Set modification time to past (beyond stale threshold)
		staleTime := time.Now().Add(-StaleLockThreshold - time.Minute)
		if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
			t.Fatalf("failed to set stale time: %v", err)
		}

		lock, err := AcquireLock(context.Background(), dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock should succeed with stale lock: %v", err)
		}
		defer lock.Release()
	})

	t.Run("takes over lock of dead process", func(t *testing.T) {
		dir := t.TempDir()
		writeLock(t, dir, deadPID)

		lock, err := AcquireLock(context.Background(), dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock should succeed when holder is gone: %v", err)
		}
		defer lock.Release()
	})

	t.Run("fails for fresh lock of live process", func(t *testing.T) {
		dir := t.TempDir()
		writeLock(t, dir, os.Getpid())

		_, err := AcquireLock(context.Background(), dir, testLock)
		if err != ErrLockExists {
			t.Errorf("expected ErrLockExists, got %v", err)
		}
	})
}

func TestAcquireLockWait(t *testing.T) {
	t.Run("acquires after holder releases", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		held, err := AcquireLock(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		go func() {
			time.Sleep(3 * lockPollInterval)
			held.Release()
		}()

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		lock, err := AcquireLockWait(ctx, dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLockWait failed: %v", err)
		}
		defer lock.Release()
	})

	t.Run("gives up when context ends", func(t *testing.T) {
		dir := t.TempDir()

		held, err := AcquireLock(context.Background(), dir, testLock)
		if err != nil {
			t.Fatalf("AcquireLock failed: %v", err)
		}
		defer held.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 2*lockPollInterval)
		defer cancel()
		_, err = AcquireLockWait(ctx, dir, testLock)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestLockName(t *testing.T) {
	a := LockName("/usr/local/bin/subwasm")
	if a != LockName("/usr/local/bin/../bin/subwasm") {
		t.Error("LockName should clean the path")
	}
	if a == LockName("/usr/local/bin/srtool") {
		t.Error("different targets should get different locks")
	}
	if !strings.HasPrefix(a, "install-") {
		t.Errorf("unexpected lock name %q", a)
	}
}
