package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultStaleAfter is how long a journal is trusted before its pid is
// checked for reuse.
const DefaultStaleAfter = time.Hour

// RecoverReport summarizes a Recover pass.
type RecoverReport struct {
	Recovered []*InstallTxn // journals whose leftovers were cleaned
	Active    []*InstallTxn // journals of operations that still look alive
	Removed   []string      // staging dirs, temp files and locks deleted
	Corrupt   []string      // unreadable journal files, deleted
}

// Recover cleans up after install operations whose process died. A journal
// is abandoned when its process no longer exists, or when it has not been
// updated for staleAfter and its pid now belongs to a process started after
// the journal. For each abandoned journal the staging dir and the
// operation's own temporary file next to the target are removed, then the
// journal itself.
// Stale lock files are removed as well. The installed binaries are never
// touched.
func Recover(ctx context.Context, stateDir string, staleAfter time.Duration) (*RecoverReport, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	report := &RecoverReport{}
	dir := JournalDir(stateDir)

	paths, err := List(dir)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		txn, err := Load(path)
		if err != nil {
			if rmErr := os.Remove(path); rmErr == nil {
				report.Corrupt = append(report.Corrupt, path)
			} else {
				errs = append(errs, fmt.Errorf("remove corrupt journal %s: %w", path, rmErr))
			}
			continue
		}

		if !abandoned(ctx, txn, staleAfter) {
			report.Active = append(report.Active, txn)
			continue
		}

		removed, err := cleanupTxn(txn)
		report.Removed = append(report.Removed, removed...)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s (%s): %w", txn.ID, txn.Formula, err))
			continue
		}
		if err := txn.Remove(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Recovered = append(report.Recovered, txn)
	}

	locks, err := removeStaleLocks(ctx, LockDir(stateDir))
	report.Removed = append(report.Removed, locks...)
	if err != nil {
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}

// abandoned reports whether txn's operation can no longer finish. A slow
// but live operation keeps its journal however long it has been quiet.
func abandoned(ctx context.Context, txn *InstallTxn, staleAfter time.Duration) bool {
	if txn.PID == os.Getpid() || !pidAlive(ctx, txn.PID) {
		return true
	}
	if time.Since(txn.UpdatedAt) < staleAfter {
		return false
	}
	return pidReused(ctx, txn.PID, txn.StartedAt)
}

// pidReused reports whether pid belongs to a process created after since.
// Unknown start times count as not reused.
func pidReused(ctx context.Context, pid int, since time.Time) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return false
	}
	return time.UnixMilli(created).After(since)
}

// cleanupTxn removes what an interrupted install may have left behind.
func cleanupTxn(txn *InstallTxn) ([]string, error) {
	var removed []string

	if txn.StagingDir != "" {
		if _, err := os.Stat(txn.StagingDir); err == nil {
			if err := os.RemoveAll(txn.StagingDir); err != nil {
				return removed, fmt.Errorf("remove staging dir: %w", err)
			}
			removed = append(removed, txn.StagingDir)
		}
	}

	if txn.TargetPath != "" && txn.ID != "" {
		tmp := txn.TempPath()
		err := os.Remove(tmp)
		switch {
		case err == nil:
			removed = append(removed, tmp)
		case !os.IsNotExist(err):
			return removed, fmt.Errorf("remove temp file: %w", err)
		}
	}

	return removed, nil
}

// removeStaleLocks deletes lock files whose holder is gone.
func removeStaleLocks(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if stale, err := isLockStale(ctx, path); err != nil || !stale {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed = append(removed, path)
		}
	}
	return removed, nil
}
