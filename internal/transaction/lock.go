package transaction

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// StaleLockThreshold is the maximum age of a lock before it's considered stale.
	StaleLockThreshold = 10 * time.Minute

	// lockPollInterval is how often AcquireLockWait retries a held lock.
	lockPollInterval = 50 * time.Millisecond
)

var (
	ErrLockExists = errors.New("transaction lock exists: another operation may be in progress")
	ErrStaleLock  = errors.New("stale lock detected")
)

// Lock represents a transaction lock.
type Lock struct {
	path string
	file *os.File
}

// LockName returns the lock file name guarding installs to targetPath.
func LockName(targetPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(targetPath)))
	return "install-" + hex.EncodeToString(sum[:8])
}

// AcquireLock attempts to acquire the exclusive lock dir/<name>.lock.
// Uses O_CREATE|O_EXCL for atomic lock creation. A lock whose holder is
// gone, or that is older than StaleLockThreshold, is taken over.
func AcquireLock(ctx context.Context, dir, name string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := filepath.Join(dir, name+".lock")

	// Try to create lock file exclusively
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		// Lock exists - check if it's stale
		if isStale, _ := isLockStale(ctx, lockPath); !isStale {
			return nil, ErrLockExists
		}
		// Remove stale lock and retry once
		os.Remove(lockPath)
		file, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		if err != nil {
			return nil, ErrLockExists
		}
	}

	// Write lock metadata (PID and timestamp)
	lockData := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(lockData); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock data: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &Lock{
		path: lockPath,
		file: file,
	}, nil
}

// AcquireLockWait is AcquireLock, polling while another holder has the lock
// until ctx is done.
func AcquireLockWait(ctx context.Context, dir, name string) (*Lock, error) {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		lock, err := AcquireLock(ctx, dir, name)
		if !errors.Is(err, ErrLockExists) {
			return lock, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for lock %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock file: %w", err)
		}
		l.path = ""
	}

	return nil
}

// isLockStale reports whether the lock's holder process is gone or the lock
// file is older than the stale lock threshold.
func isLockStale(ctx context.Context, lockPath string) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false, err
	}

	if time.Since(info.ModTime()) > StaleLockThreshold {
		return true, nil
	}

	pid, err := readLockPID(lockPath)
	if err != nil {
		// Holder may still be writing its metadata
		return false, nil
	}
	return !pidAlive(ctx, pid), nil
}

// readLockPID parses the pid= line written by AcquireLock.
func readLockPID(lockPath string) (int, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "pid="); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no pid in lock file")
}

// pidAlive reports whether a process with pid exists. Errors count as alive.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return true
	}
	return alive
}
