// Package atomicstore implements guarded read-modify-write of JSON or
// markdown files: acquire a FileLock, read the current bytes (or a default),
// apply a mutation, and persist via a tmp-file-then-rename so readers never
// observe a partial write.
package atomicstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/filelock"
)

var log = obslog.For("atomicstore")

// retryDelays is the backoff schedule used while waiting for a FileLock.
var retryDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

var tmpSeq int64

// Mutate transforms the current file contents (or the default, if the file
// doesn't exist yet) into the new contents to persist. Returning the same
// bytes unchanged is a valid no-op write.
type Mutate func(current []byte) ([]byte, error)

// ReadModifyWrite acquires the FileLock for (lockDir, lockID) with up to
// three retries, reads path (or falls back to dflt when it doesn't exist),
// applies mutate, and atomically replaces path with the result.
func ReadModifyWrite(path, lockDir, lockID string, dflt []byte, mutate Mutate) error {
	lock, err := acquireWithRetry(lockDir, lockID)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("atomicstore: %s: could not acquire lock %s/%s", path, lockDir, lockID)
	}
	defer lock.Release()

	current, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("atomicstore: read %s: %w", path, err)
		}
		current = dflt
	}

	next, err := mutate(current)
	if err != nil {
		return fmt.Errorf("atomicstore: mutate %s: %w", path, err)
	}

	return writeAtomic(path, next)
}

func acquireWithRetry(lockDir, lockID string) (*filelock.Lock, error) {
	for _, delay := range retryDelays {
		lock, err := filelock.Acquire(lockDir, lockID)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}
		time.Sleep(delay)
	}
	return filelock.Acquire(lockDir, lockID)
}

// writeAtomic writes data to path + ".tmp.<pid>.<ts>.<seq>" and renames it
// over path. On write failure the tmp file is removed before returning.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("atomicstore: mkdir %s: %w", filepath.Dir(path), err)
	}

	seq := atomic.AddInt64(&tmpSeq, 1)
	tmp := fmt.Sprintf("%s.tmp.%d.%d.%d", path, os.Getpid(), time.Now().UnixNano(), seq)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicstore: write tmp %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicstore: rename %s -> %s: %w", tmp, path, err)
	}

	log.Debug("wrote file", "path", path, "bytes", len(data))
	return nil
}

// WriteFile is a convenience for callers that already hold the relevant
// lock (e.g. TaskStore, which locks per-task before composing the full
// markdown body) and just need the tmp-rename half of the contract.
func WriteFile(path string, data []byte) error {
	return writeAtomic(path, data)
}
