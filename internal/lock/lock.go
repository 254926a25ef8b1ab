// Package lock serialises writers to the same workspace record, both
// between goroutines and between processes.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is an advisory flock(2) lock. Each FileLock opens its own
// descriptor, so two FileLocks on the same path exclude each other even
// inside one process.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the exclusive lock is held.
func (fl *FileLock) Lock() error {
	return fl.acquire(syscall.LOCK_EX)
}

// TryLock fails immediately when another holder exists.
func (fl *FileLock) TryLock() error {
	return fl.acquire(syscall.LOCK_EX | syscall.LOCK_NB)
}

func (fl *FileLock) acquire(how int) error {
	if fl.file != nil {
		return fmt.Errorf("lock %s already held", fl.path)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock %s: %w", fl.path, err)
	}
	fl.file = f
	return nil
}

// Unlock releases the lock. The lock file is left in place; removing it
// would let a waiter lock an unlinked inode.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
