package qsync

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/llxisdsh/qsync/internal/opt"
)

// StampedLock is a capability-based reader-writer lock with three modes:
// exclusive (write), shared (read), and optimistic read. Acquisitions
// return a stamp that is required to release or convert the mode.
//
// State layout (64-bit):
//   - Bits 0-6:  reader count (126 is a sentinel meaning "at least 126";
//     the excess lives in a side overflow counter)
//   - Bit 7:     writer flag
//   - Bits 7-63: version. Every write release adds the writer bit's own
//     weight, so one write acquire/release cycle advances the version by
//     one and leaves a permanent trace. Two writes that restore the same
//     mode bits still produce different stamps, which is what makes
//     optimistic validation immune to ABA.
//
// Contended acquisitions wait on a CLH-style queue of write-mode nodes;
// consecutive readers piggyback on a single node's co-wait stack so the
// queue grows per reader *group*, not per reader. Waiters spin briefly
// before parking.
//
// Properties:
//   - Not reentrant: a goroutine re-entering write acquisition while
//     holding a write stamp deadlocks. This is documented behavior.
//   - Writer-preferred enough to avoid writer starvation: once a writer
//     queues, the read fast path closes.
//   - Optimistic reads cost one atomic load and never block writers.
//
// It is zero-value usable.
//
// Under the race detector, TryOptimisticRead always fails so that
// callers take a real read lock the detector can reason about.
type StampedLock struct {
	_     noCopy
	state atomic.Uint64
	// readerOverflow absorbs readers beyond rfull. Mutated only while
	// the reader bits are pinned to rbits (a spinlock embedded in state).
	readerOverflow atomic.Uint32
	_              [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		s atomic.Uint64
		o atomic.Uint32
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
	head atomic.Pointer[waiter]
	tail atomic.Pointer[waiter]
}

const (
	lgReaders = 7

	runit  = uint64(1)
	wbit   = uint64(1) << lgReaders // 128, writer flag
	rbits  = wbit - 1               // 127, reader count mask / overflow spin bits
	rfull  = rbits - 1              // 126, reader count sentinel
	abits  = rbits | wbit           // 255, all mode bits
	sbits  = ^rbits                 // version bits; note overlap with wbit
	origin = wbit << 1              // initial state: version 1, unlocked

	// interruptedStamp is returned from the queued algorithms when a
	// waiter was cancelled by its context. It never collides with a real
	// stamp: every real stamp is at least origin+1.
	interruptedStamp = uint64(1)

	// overflowYieldMask rate-limits Gosched while the overflow spin bits
	// are contended (yield with probability 1/8).
	overflowYieldMask = 7
)

var ncpu = runtime.NumCPU()

var (
	// maxSpins bounds the uncontended-queue spin before enqueueing.
	maxSpins = spinsFor(1 << 6)
	// headSpins is the initial spin budget once a node is first in line;
	// it doubles on every pass up to maxHeadSpins.
	headSpins    = spinsFor(1 << 10)
	maxHeadSpins = spinsFor(1 << 16)
)

func spinsFor(n int) int {
	if ncpu > 1 {
		return n
	}
	return 0
}

// loadState returns the current state word, lazily installing the
// initial version on first touch so the zero value is usable.
func (sl *StampedLock) loadState() uint64 {
	s := sl.state.Load()
	if s == 0 {
		sl.state.CompareAndSwap(0, origin)
		s = sl.state.Load()
	}
	return s
}

// WriteLock acquires the lock exclusively, blocking until available.
// It returns a stamp to pass to UnlockWrite or the conversion methods.
func (sl *StampedLock) WriteLock() uint64 {
	s := sl.loadState()
	if s&abits == 0 {
		if ns := s + wbit; sl.state.CompareAndSwap(s, ns) {
			return ns
		}
	}
	return sl.acquireWrite(nil, time.Time{})
}

// WriteLockCtx is WriteLock with cancellation. It returns a non-zero
// stamp, or ctx.Err() if the context was cancelled while waiting.
// A deadline on ctx doubles as a timed acquisition.
func (sl *StampedLock) WriteLockCtx(ctx context.Context) (uint64, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	s := sl.loadState()
	if s&abits == 0 {
		if ns := s + wbit; sl.state.CompareAndSwap(s, ns) {
			return ns, nil
		}
	}
	ns := sl.acquireWrite(ctx, time.Time{})
	if ns == interruptedStamp {
		return 0, ctx.Err()
	}
	return ns, nil
}

// TryWriteLock attempts one exclusive acquisition without blocking.
// It returns zero if any mode is held.
func (sl *StampedLock) TryWriteLock() uint64 {
	s := sl.loadState()
	if s&abits != 0 {
		return 0
	}
	if ns := s + wbit; sl.state.CompareAndSwap(s, ns) {
		return ns
	}
	return 0
}

// TryWriteLockFor acquires exclusively, giving up after timeout.
// A zero return means the deadline passed; it is not an error.
func (sl *StampedLock) TryWriteLockFor(timeout time.Duration) uint64 {
	if ns := sl.TryWriteLock(); ns != 0 {
		return ns
	}
	if timeout <= 0 {
		return 0
	}
	return sl.acquireWrite(nil, time.Now().Add(timeout))
}

// ReadLock acquires the lock in shared mode, blocking until available.
func (sl *StampedLock) ReadLock() uint64 {
	s := sl.loadState()
	if sl.head.Load() == sl.tail.Load() && s&abits < rfull {
		if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
			return ns
		}
	}
	return sl.acquireRead(nil, time.Time{})
}

// ReadLockCtx is ReadLock with cancellation; see WriteLockCtx.
func (sl *StampedLock) ReadLockCtx(ctx context.Context) (uint64, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	s := sl.loadState()
	if sl.head.Load() == sl.tail.Load() && s&abits < rfull {
		if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
			return ns, nil
		}
	}
	ns := sl.acquireRead(ctx, time.Time{})
	if ns == interruptedStamp {
		return 0, ctx.Err()
	}
	return ns, nil
}

// TryReadLock attempts a shared acquisition without blocking.
// It returns zero if a writer holds the lock.
func (sl *StampedLock) TryReadLock() uint64 {
	for {
		s := sl.loadState()
		m := s & abits
		if m == wbit {
			return 0
		}
		if m < rfull {
			if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
				return ns
			}
		} else if ns := sl.tryIncReaderOverflow(s); ns != 0 {
			return ns
		}
	}
}

// TryReadLockFor acquires in shared mode, giving up after timeout.
func (sl *StampedLock) TryReadLockFor(timeout time.Duration) uint64 {
	s := sl.loadState()
	if s&abits != wbit {
		if s&abits < rfull {
			if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
				return ns
			}
		} else if ns := sl.tryIncReaderOverflow(s); ns != 0 {
			return ns
		}
	}
	if timeout <= 0 {
		return 0
	}
	return sl.acquireRead(nil, time.Now().Add(timeout))
}

// TryOptimisticRead returns a stamp that can later be passed to
// Validate, or zero if a writer holds the lock. It does not register
// the caller as a holder in any way: the caller reads the protected
// data, then calls Validate, and retries (or falls back to ReadLock)
// when validation fails. Data read in the window may be torn; it must
// not be used before Validate returns true.
func (sl *StampedLock) TryOptimisticRead() uint64 {
	if opt.Race_ {
		// No happens-before edge exists for the optimistic window, so
		// the race detector would (rightly) flag the caller's reads.
		// Fail the fast path and let callers take a real read lock.
		return 0
	}
	s := sl.loadState()
	if s&wbit != 0 {
		return 0
	}
	return s & sbits
}

// Validate reports whether no write section has run, fully or
// partially, since stamp was issued. Call it after reading the
// protected data; the atomic load here orders those reads before the
// version comparison, the same discipline as a seqlock's read exit.
func (sl *StampedLock) Validate(stamp uint64) bool {
	return stamp&sbits == sl.loadState()&sbits
}

// UnlockWrite releases the write mode. The stamp must be the exact
// value returned by the matching acquisition; anything else panics.
func (sl *StampedLock) UnlockWrite(stamp uint64) {
	if sl.loadState() != stamp || stamp&wbit == 0 {
		panic("qsync: UnlockWrite stamp does not match lock state")
	}
	sl.releaseWrite(stamp)
}

// releaseWrite advances the version past the writer bit and wakes the
// next waiter. s must be the current state with wbit set.
func (sl *StampedLock) releaseWrite(s uint64) {
	s += wbit
	if s == 0 {
		s = origin // version wraparound
	}
	sl.state.Store(s)
	if h := sl.head.Load(); h != nil && h.status.Load() != 0 {
		sl.signalNext(h)
	}
}

// UnlockRead releases one shared hold. The stamp must carry the
// current version and a read mode, else it panics.
func (sl *StampedLock) UnlockRead(stamp uint64) {
	for {
		s := sl.loadState()
		m := s & abits
		if s&sbits != stamp&sbits || stamp&abits == 0 || m == 0 || m == wbit {
			panic("qsync: UnlockRead stamp does not match lock state")
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

// Unlock releases whichever mode the stamp encodes; it panics when the
// stamp does not match the lock state.
func (sl *StampedLock) Unlock(stamp uint64) {
	a := stamp & abits
	for {
		s := sl.loadState()
		if s&sbits != stamp&sbits {
			break
		}
		m := s & abits
		if m == 0 {
			break
		}
		if m == wbit {
			if a != m {
				break
			}
			sl.releaseWrite(s)
			return
		}
		if a == 0 || a >= wbit {
			break
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
	panic("qsync: Unlock stamp does not match lock state")
}

// TryConvertToWriteLock converts the mode the stamp encodes to write
// mode when it can do so atomically: already write-locked (no-op),
// the sole reader (upgrade), or optimistic with the lock free
// (acquire). It returns the new stamp, or zero with no side effects.
func (sl *StampedLock) TryConvertToWriteLock(stamp uint64) uint64 {
	a := stamp & abits
	for {
		s := sl.loadState()
		if s&sbits != stamp&sbits {
			break
		}
		m := s & abits
		switch {
		case m == 0:
			if a != 0 {
				return 0
			}
			if ns := s + wbit; sl.state.CompareAndSwap(s, ns) {
				return ns
			}
		case m == wbit:
			if a != m {
				return 0
			}
			return stamp
		case m == runit && a != 0:
			if ns := s - runit + wbit; sl.state.CompareAndSwap(s, ns) {
				return ns
			}
		default:
			return 0
		}
	}
	return 0
}

// TryConvertToReadLock converts to read mode: a held write lock is
// released and replaced by one read hold (downgrade, waking queued
// readers), a read stamp is returned unchanged, an optimistic stamp
// acquires when still valid. Zero means no conversion happened.
func (sl *StampedLock) TryConvertToReadLock(stamp uint64) uint64 {
	a := stamp & abits
	for {
		s := sl.loadState()
		if s&sbits != stamp&sbits {
			break
		}
		m := s & abits
		switch {
		case m == 0:
			if a != 0 {
				return 0
			}
			if m < rfull {
				if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
					return ns
				}
			} else if ns := sl.tryIncReaderOverflow(s); ns != 0 {
				return ns
			}
		case m == wbit:
			if a != m {
				return 0
			}
			ns := s + wbit
			if ns == 0 {
				ns = origin // version wraparound
			}
			ns += runit
			sl.state.Store(ns)
			if h := sl.head.Load(); h != nil && h.status.Load() != 0 {
				sl.signalNext(h)
			}
			return ns
		default:
			if a != 0 && a < wbit {
				return stamp
			}
			return 0
		}
	}
	return 0
}

// TryConvertToOptimisticRead converts to an observation stamp: a held
// mode is released and the post-release version returned, a valid
// optimistic stamp is refreshed. Zero means the stamp was stale.
func (sl *StampedLock) TryConvertToOptimisticRead(stamp uint64) uint64 {
	a := stamp & abits
	for {
		s := sl.loadState()
		if s&sbits != stamp&sbits {
			break
		}
		m := s & abits
		switch {
		case m == 0:
			if a != 0 {
				return 0
			}
			return s
		case m == wbit:
			if a != m {
				return 0
			}
			ns := s + wbit
			if ns == 0 {
				ns = origin
			}
			sl.state.Store(ns)
			if h := sl.head.Load(); h != nil && h.status.Load() != 0 {
				sl.signalNext(h)
			}
			return ns & sbits
		default:
			if a == 0 || a >= wbit {
				return 0
			}
			if m < rfull {
				if ns := s - runit; sl.state.CompareAndSwap(s, ns) {
					if m == runit {
						if h := sl.head.Load(); h != nil && h.status.Load() != 0 {
							sl.signalNext(h)
						}
					}
					return ns & sbits
				}
			} else if ns := sl.tryDecReaderOverflow(s); ns != 0 {
				return ns & sbits
			}
		}
	}
	return 0
}

// TryUnlockWrite releases the write mode without a stamp, for error
// recovery. It reports whether a write lock was held.
func (sl *StampedLock) TryUnlockWrite() bool {
	s := sl.loadState()
	if s&wbit != 0 {
		sl.releaseWrite(s)
		return true
	}
	return false
}

// TryUnlockRead releases one shared hold without a stamp, for error
// recovery. It reports whether a read lock was held.
func (sl *StampedLock) TryUnlockRead() bool {
	for {
		s := sl.loadState()
		m := s & abits
		if m == 0 || m == wbit {
			return false
		}
		if m < rfull {
			if sl.state.CompareAndSwap(s, s-runit) {
				if m == runit {
					if h := sl.head.Load(); h != nil && h.status.Load() != 0 {
						sl.signalNext(h)
					}
				}
				return true
			}
		} else if sl.tryDecReaderOverflow(s) != 0 {
			return true
		}
	}
}

// IsWriteLocked reports whether the lock is held exclusively.
func (sl *StampedLock) IsWriteLocked() bool {
	return sl.loadState()&wbit != 0
}

// IsReadLocked reports whether the lock has at least one shared hold.
func (sl *StampedLock) IsReadLocked() bool {
	return sl.loadState()&rbits != 0
}

// ReadLockCount returns the number of shared holds, including any
// absorbed by the overflow counter.
func (sl *StampedLock) ReadLockCount() int {
	readers := sl.loadState() & rbits
	if readers >= rfull {
		return int(rfull) + int(sl.readerOverflow.Load())
	}
	return int(readers)
}

// Reset forces the lock back to its initial unlocked state. It exists
// for restoring a protected structure from a snapshot or clone: a lock
// is never restored mid-acquisition, only as unlocked. It must not be
// called while the lock is held or has waiters.
func (sl *StampedLock) Reset() {
	sl.readerOverflow.Store(0)
	sl.state.Store(origin)
}

// tryIncReaderOverflow adds a reader when the packed count is
// saturated: pin the reader bits to rbits (spinlock), bump the side
// counter, then republish s. Returns zero if the pin CAS lost; callers
// loop. s must have (s & abits) >= rfull.
func (sl *StampedLock) tryIncReaderOverflow(s uint64) uint64 {
	if s&abits == rfull {
		if sl.state.CompareAndSwap(s, s|rbits) {
			sl.readerOverflow.Add(1)
			sl.state.Store(s)
			return s
		}
	} else if rand.Uint32()&overflowYieldMask == 0 {
		// Another goroutine holds the overflow pin; don't burn CPU.
		runtime.Gosched()
	}
	return 0
}

// tryDecReaderOverflow is the release analogue of tryIncReaderOverflow.
func (sl *StampedLock) tryDecReaderOverflow(s uint64) uint64 {
	if s&abits == rfull {
		if sl.state.CompareAndSwap(s, s|rbits) {
			var next uint64
			if sl.readerOverflow.Load() > 0 {
				sl.readerOverflow.Add(^uint32(0))
				next = s
			} else {
				next = s - runit
			}
			sl.state.Store(next)
			return next
		}
	} else if rand.Uint32()&overflowYieldMask == 0 {
		runtime.Gosched()
	}
	return 0
}
