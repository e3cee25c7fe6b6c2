package session

import (
	"fmt"
	"os"
	"time"
)

// Lock tuning. A lock file older than lockStaleAfter is assumed to belong to a
// crashed process.
const (
	lockMaxRetries = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// bucketLock guards a session file against writers in other processes.
type bucketLock struct {
	file *os.File
	path string
}

// lockBucketFile acquires the "<path>.lock" sidecar, waiting up to
// lockMaxRetries*lockRetryDelay for another holder to release it.
func lockBucketFile(path string) (*bucketLock, error) {
	lockPath := path + ".lock"

	for range lockMaxRetries {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// Owner pid, useful when a lock is left behind.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &bucketLock{file: f, path: lockPath}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire session lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", lockPath, remErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for session lock after %v",
		time.Duration(lockMaxRetries)*lockRetryDelay,
	)
}

// release closes and removes the lock file. Calling it twice returns the
// not-exist error from the second removal.
func (l *bucketLock) release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
