package lock

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMutexMapSerialisesSameKey(t *testing.T) {
	m := NewMutexMap()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("task-1")
			defer m.Unlock("task-1")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
}

func TestFileLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	first := NewFileLock(path)
	if err := first.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	second := NewFileLock(path)
	if err := second.TryLock(); err == nil {
		t.Fatalf("expected second TryLock to fail while held")
	}

	acquired := make(chan struct{})
	go func() {
		if err := second.Lock(); err == nil {
			close(acquired)
		}
	}()
	select {
	case <-acquired:
		t.Fatalf("blocking Lock returned while first holder active")
	case <-time.After(20 * time.Millisecond):
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocking Lock never acquired")
	}
	if err := second.Unlock(); err != nil {
		t.Fatalf("unlock second: %v", err)
	}
}
