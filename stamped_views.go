package qsync

import (
	"context"
	"time"
)

// Stamp-free views over a StampedLock, for call sites that want a
// plain locker (they satisfy sync.Locker). The views release by mode
// rather than by stamp, so they cannot detect a mismatched unlock
// beyond "that mode is not held".

// StampedReadLock is the shared-mode view of a StampedLock.
type StampedReadLock StampedLock

// StampedWriteLock is the exclusive-mode view of a StampedLock.
type StampedWriteLock StampedLock

// AsReadLock returns a stamp-free shared-mode view of sl.
func (sl *StampedLock) AsReadLock() *StampedReadLock {
	return (*StampedReadLock)(sl)
}

// AsWriteLock returns a stamp-free exclusive-mode view of sl.
func (sl *StampedLock) AsWriteLock() *StampedWriteLock {
	return (*StampedWriteLock)(sl)
}

// Lock acquires the read lock.
func (r *StampedReadLock) Lock() {
	(*StampedLock)(r).ReadLock()
}

// TryLock attempts the read lock without blocking.
func (r *StampedReadLock) TryLock() bool {
	return (*StampedLock)(r).TryReadLock() != 0
}

// TryLockFor attempts the read lock, giving up after timeout.
func (r *StampedReadLock) TryLockFor(timeout time.Duration) bool {
	return (*StampedLock)(r).TryReadLockFor(timeout) != 0
}

// LockCtx acquires the read lock unless ctx is cancelled first.
func (r *StampedReadLock) LockCtx(ctx context.Context) error {
	_, err := (*StampedLock)(r).ReadLockCtx(ctx)
	return err
}

// Unlock releases one read hold. It panics if none is held.
func (r *StampedReadLock) Unlock() {
	sl := (*StampedLock)(r)
	for {
		s := sl.loadState()
		m := s & abits
		if m == 0 || m >= wbit {
			panic("qsync: Unlock of unheld StampedReadLock")
		}
		if m < rfull {
			if sl.state.CompareAndSwap(s, s-runit) {
				if m == runit {
					if h := sl.head.Load(); h != nil && h.status.Load() != 0 {
						sl.signalNext(h)
					}
				}
				return
			}
		} else if sl.tryDecReaderOverflow(s) != 0 {
			return
		}
	}
}

// Lock acquires the write lock.
func (w *StampedWriteLock) Lock() {
	(*StampedLock)(w).WriteLock()
}

// TryLock attempts the write lock without blocking.
func (w *StampedWriteLock) TryLock() bool {
	return (*StampedLock)(w).TryWriteLock() != 0
}

// TryLockFor attempts the write lock, giving up after timeout.
func (w *StampedWriteLock) TryLockFor(timeout time.Duration) bool {
	return (*StampedLock)(w).TryWriteLockFor(timeout) != 0
}

// LockCtx acquires the write lock unless ctx is cancelled first.
func (w *StampedWriteLock) LockCtx(ctx context.Context) error {
	_, err := (*StampedLock)(w).WriteLockCtx(ctx)
	return err
}

// Unlock releases the write lock. It panics if it is not held.
func (w *StampedWriteLock) Unlock() {
	sl := (*StampedLock)(w)
	s := sl.loadState()
	if s&wbit == 0 {
		panic("qsync: Unlock of unheld StampedWriteLock")
	}
	sl.releaseWrite(s)
}
