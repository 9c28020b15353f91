// Package filelock implements PID-timestamped advisory file locks with
// stale-owner reclamation, used as the single-writer primitive for task and
// job files.
package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
)

// StaleAfter is how long a lock can go untouched before a holder is presumed
// dead even if its process is still technically alive (clock skew, hung
// process, etc).
const StaleAfter = 60 * time.Second

var log = obslog.For("filelock")

// payload is the on-disk JSON content of a lock file.
type payload struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Lock represents a held advisory lock. It is not safe for concurrent use by
// more than one goroutine.
type Lock struct {
	path     string
	released bool
}

// Path returns the path of the backing lock file, mostly useful for tests.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file. It tolerates the file already being gone
// (another process cleaned up a lock it considered stale).
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filelock: release %s: %w", l.path, err)
	}
	return nil
}

// lockPath returns <dir>/<id>.lock, used for generic/history locks. Task
// locks pass dir already suffixed with "/tasks".
func lockPath(dir, id string) string {
	return filepath.Join(dir, id+".lock")
}

// Acquire attempts to take the lock identified by (dir, id). It returns a
// nil Lock and nil error on ordinary contention (someone else holds it) —
// callers must treat a nil lock as "back off and retry later", not as an
// error condition.
func Acquire(dir, id string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filelock: mkdir %s: %w", dir, err)
	}
	path := lockPath(dir, id)

	if ok, err := tryCreate(path); err != nil {
		return nil, err
	} else if ok {
		return &Lock{path: path}, nil
	}

	// Exclusive create failed: decide whether the existing holder is stale.
	if reclaimStale(path) {
		if ok, err := tryCreate(path); err != nil {
			return nil, err
		} else if ok {
			return &Lock{path: path}, nil
		}
	}

	// Someone else genuinely holds it.
	return nil, nil
}

// tryCreate attempts an O_EXCL create of the lock file with the current
// process's PID and timestamp.
func tryCreate(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filelock: create %s: %w", path, err)
	}
	defer f.Close()

	body, err := json.Marshal(payload{PID: os.Getpid(), Timestamp: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("filelock: marshal payload: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		return false, fmt.Errorf("filelock: write %s: %w", path, err)
	}
	return true, nil
}

// reclaimStale reads the existing lock file and removes it if it is
// unparseable, older than StaleAfter, or owned by a dead PID. Returns true if
// it removed the file (caller should retry tryCreate once).
func reclaimStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Already gone, or unreadable; either way there's nothing to reclaim
		// from our side, a plain retry will sort it out.
		return os.IsNotExist(err)
	}

	var p payload
	unparseable := json.Unmarshal(data, &p) != nil

	stale := unparseable || time.Since(p.Timestamp) > StaleAfter || !isProcessAlive(p.PID)
	if !stale {
		return false
	}

	log.Warn("reclaiming stale lock", "path", path, "pid", p.PID, "unparseable", unparseable)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("failed to remove stale lock", "path", path, "error", err)
		return false
	}
	return true
}
