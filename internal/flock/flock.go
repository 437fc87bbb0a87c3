// Package flock provides an advisory, whole-file lock used to serialize
// vault operations across processes.
//
// Locks are advisory: they only exclude other callers that also use this
// package. The lock is released by Unlock or when the process exits.
package flock

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked indicates a non-blocking acquisition found the lock held.
var ErrLocked = errors.New("flock: lock is held by another process")

// Mode selects shared or exclusive locking.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota
	// Exclusive excludes every other holder.
	Exclusive
)

// Lock is a held advisory lock.
type Lock struct {
	f    *os.File
	mode Mode
}

// Acquire opens (creating if needed) the lock file at path and blocks until
// the lock is granted in the requested mode.
func Acquire(path string, mode Mode) (*Lock, error) {
	return acquire(path, mode, true)
}

// TryAcquire is like Acquire but returns ErrLocked instead of waiting.
func TryAcquire(path string, mode Mode) (*Lock, error) {
	return acquire(path, mode, false)
}

func acquire(path string, mode Mode, wait bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("flock: failed to open lock file: %w", err)
	}
	if err := lockFile(f, mode, wait); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("flock: failed to lock %s: %w", path, err)
	}
	return &Lock{f: f, mode: mode}, nil
}

// Mode reports the mode the lock was acquired in.
func (l *Lock) Mode() Mode { return l.mode }

// Unlock releases the lock. It is safe to call on a nil or released Lock.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
