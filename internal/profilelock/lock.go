// Package profilelock serializes access to browser profile directories.
//
// A Chromium profile cannot be opened by two browsers at once, so every
// workflow that touches a retailer profile runs inside WithLock. Waiters are
// served in arrival order; paths are independent of each other.
package profilelock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// ErrBusy is returned when the context ends before the lock is handed over.
var ErrBusy = errors.New("service busy")

type entry struct {
	busy    bool
	waiters []chan struct{}
}

// Locker holds one FIFO lock per profile directory. The zero value is not
// usable; create one with New.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Locker with no directories held.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

func key(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return abs
}

// Acquire blocks until dir is free or ctx is done. A nil return means the
// caller owns the lock and must call Release.
func (l *Locker) Acquire(ctx context.Context, dir string) error {
	k := key(dir)

	l.mu.Lock()
	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}
	if !e.busy {
		e.busy = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i:i], e.waiters[i+1:]...)
			l.mu.Unlock()
			return fmt.Errorf("%w: profile %s: %w", ErrBusy, k, ctx.Err())
		}
	}
	l.mu.Unlock()

	// Release handed us the lock while ctx was ending; pass it on.
	l.Release(k)
	return fmt.Errorf("%w: profile %s: %w", ErrBusy, k, ctx.Err())
}

// Release hands dir to the oldest waiter, or frees it. Releasing a path that
// is not held does nothing.
func (l *Locker) Release(dir string) {
	k := key(dir)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[k]
	if !ok || !e.busy {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	delete(l.entries, k)
}

// WithLock runs fn while holding dir. The lock is released when fn returns,
// fails or panics.
func (l *Locker) WithLock(ctx context.Context, dir string, fn func(context.Context) error) error {
	if err := l.Acquire(ctx, dir); err != nil {
		return err
	}
	defer l.Release(dir)
	return fn(ctx)
}

// Waiting reports how many callers are queued behind the holder of dir.
func (l *Locker) Waiting(dir string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key(dir)]; ok {
		return len(e.waiters)
	}
	return 0
}

// Held reports whether some caller currently owns dir.
func (l *Locker) Held(dir string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key(dir)]
	return ok && e.busy
}
