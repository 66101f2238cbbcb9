// Package transaction records in-flight install operations on disk so that
// work left behind by an interrupted process can be found and cleaned up,
// and provides the lock files that serialize installs across processes.
package transaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Journal schema version
const journalVersion = 1

// Layout under a state dir
const (
	journalSubdir = "txn"
	lockSubdir    = "locks"
	journalPrefix = "txn-install-"
)

// JournalDir returns where journals live under stateDir.
func JournalDir(stateDir string) string {
	return filepath.Join(stateDir, journalSubdir)
}

// LockDir returns where lock files live under stateDir.
func LockDir(stateDir string) string {
	return filepath.Join(stateDir, lockSubdir)
}

// InstallTxn is the journal of one install operation. It is rewritten on
// every stage transition and removed when the operation ends, so a journal
// that survives names an operation whose process died mid-way.
type InstallTxn struct {
	Version    int       `json:"version"` // Schema version for future evolution
	ID         string    `json:"id"`      // UUID for unique identification
	PID        int       `json:"pid"`
	Formula    string    `json:"formula"` // name@version
	Stage      string    `json:"stage"`
	StagingDir string    `json:"staging_dir,omitempty"`
	TargetPath string    `json:"target_path"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewInstall creates a journal for installing formula to targetPath.
func NewInstall(formula, targetPath string) *InstallTxn {
	now := time.Now().UTC()
	return &InstallTxn{
		Version:    journalVersion,
		ID:         uuid.New().String(),
		PID:        os.Getpid(),
		Formula:    formula,
		Stage:      "pending",
		TargetPath: targetPath,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// TempFileName is the name of the temporary file an install identified by
// txnID writes next to the target before renaming it into place.
func TempFileName(binaryName, txnID string) string {
	return ".keg-" + binaryName + "-" + txnID + ".tmp"
}

// TempPath returns where this operation's temporary binary lives.
func (t *InstallTxn) TempPath() string {
	return filepath.Join(filepath.Dir(t.TargetPath), TempFileName(filepath.Base(t.TargetPath), t.ID))
}

// FileName returns the journal's file name.
func (t *InstallTxn) FileName() string {
	return journalPrefix + t.ID + ".json"
}

// Advance records a stage transition and saves the journal.
func (t *InstallTxn) Advance(dir, stage string, err error) error {
	t.Stage = stage
	t.UpdatedAt = time.Now().UTC()
	if err != nil {
		t.LastError = err.Error()
	}
	return t.Save(dir)
}

// Save writes the transaction to disk atomically.
// Uses write-then-rename pattern for atomicity.
func (t *InstallTxn) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create transaction directory: %w", err)
	}

	finalPath := filepath.Join(dir, t.FileName())
	tmpPath := finalPath + ".tmp"

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temporary transaction file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath) // Clean up temp file on error
		return fmt.Errorf("rename transaction file: %w", err)
	}

	// Sync directory for durability
	df, err := os.Open(dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}

	return nil
}

// Remove deletes the journal. A missing journal is not an error.
func (t *InstallTxn) Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, t.FileName()))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transaction file: %w", err)
	}
	return nil
}

// Load reads a transaction from disk.
func Load(path string) (*InstallTxn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transaction file: %w", err)
	}

	var txn InstallTxn
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if txn.ID == "" {
		return nil, fmt.Errorf("transaction file %s has no id", path)
	}

	return &txn, nil
}

// List returns the journal files in dir, oldest name first.
func List(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, journalPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
