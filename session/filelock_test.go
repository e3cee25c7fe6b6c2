package session

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBucketLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	lock, err := lockBucketFile(path)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if _, err := os.Stat(path + ".lock"); os.IsNotExist(err) {
		t.Errorf("Lock file was not created")
	}

	if err := lock.release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}

	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file was not removed after release")
	}
}

func TestBucketLock_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	const workers = 8
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				lock, err := lockBucketFile(path)
				if err != nil {
					t.Errorf("worker %d: acquire: %v", id, err)
					return
				}
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				if err := lock.release(); err != nil {
					t.Errorf("worker %d: release: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if overlap.Load() {
		t.Errorf("Two holders were inside the lock at the same time")
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all workers finished")
	}
}

func TestBucketLock_StaleLockIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	lockPath := path + ".lock"

	if err := os.WriteFile(lockPath, []byte("12345"), 0o600); err != nil {
		t.Fatalf("Failed to create stale lock: %v", err)
	}
	old := time.Now().Add(-lockStaleAfter - 5*time.Second)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("Failed to age lock: %v", err)
	}

	lock, err := lockBucketFile(path)
	if err != nil {
		t.Fatalf("Failed to acquire lock over stale lock: %v", err)
	}
	defer lock.release()

	if lock.file == nil {
		t.Errorf("Lock file handle is nil")
	}
}

func TestBucketLock_WaitsForHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	first, err := lockBucketFile(path)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		second, err := lockBucketFile(path)
		if err == nil {
			err = second.release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatalf("Second lock acquired while first was held")
	case <-time.After(200 * time.Millisecond):
	}

	first.release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("Second lock failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Second lock timed out after first was released")
	}
}

func TestBucketLock_DoubleRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	lock, err := lockBucketFile(path)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.release(); err != nil {
		t.Fatalf("First release failed: %v", err)
	}
	if err := lock.release(); err == nil {
		t.Errorf("Second release should report the missing lock file")
	}
}
