// Package tasklock provides a process-wide, non-blocking single-flight
// lock keyed by task ID: it keeps two webhook deliveries for the same
// task from running the pipeline concurrently, without blocking the
// caller or depending on an external store.
package tasklock

import (
	"sync"
	"time"
)

// TaskLock is a non-blocking mutual-exclusion lock keyed by task ID. A
// held lock expires after ttl even if release is never called, so a
// crashed goroutine can't wedge a task forever.
type TaskLock struct {
	ttl     time.Duration
	entries sync.Map // taskID -> expiresAt (time.Time)
	stop    chan struct{}
}

// New builds a TaskLock whose entries expire after ttl, sweeping expired
// entries every cleanupInterval.
func New(ttl, cleanupInterval time.Duration) *TaskLock {
	l := &TaskLock{ttl: ttl, stop: make(chan struct{})}
	go l.sweep(cleanupInterval)
	return l
}

// Acquire attempts to lock taskID, returning true on success. It never
// blocks: if taskID is already held (and not expired), it returns false
// immediately.
func (l *TaskLock) Acquire(taskID string) bool {
	expiresAt := time.Now().Add(l.ttl)
	for {
		existing, loaded := l.entries.LoadOrStore(taskID, expiresAt)
		if !loaded {
			return true
		}
		if time.Now().Before(existing.(time.Time)) {
			return false
		}
		if l.entries.CompareAndSwap(taskID, existing, expiresAt) {
			return true
		}
	}
}

// Release frees taskID so a future Acquire can succeed immediately.
func (l *TaskLock) Release(taskID string) {
	l.entries.Delete(taskID)
}

// Close stops the background sweep goroutine.
func (l *TaskLock) Close() {
	close(l.stop)
}

func (l *TaskLock) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.entries.Range(func(key, value interface{}) bool {
				if now.After(value.(time.Time)) {
					l.entries.Delete(key)
				}
				return true
			})
		case <-l.stop:
			return
		}
	}
}
