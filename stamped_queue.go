package qsync

import (
	"context"
	"sync/atomic"
	"time"
)

// Wait-queue internals of StampedLock.
//
// The queue is a CLH variant: an intrusive doubly-linked list with a
// sentinel head. Write-mode waiters each take a queue slot; read-mode
// waiters arriving behind a read-mode tail push onto that node's
// co-wait stack instead, so a burst of readers occupies one slot.
// Only the prev links are reliable; next links are an optimization and
// are re-derived from the tail when found stale.

const (
	wmode = int8(0) // node holds a write-mode waiter
	rmode = int8(1) // node leads a group of read-mode waiters

	wsWaiting   = int32(-1) // successor is (or will be) parked
	wsCancelled = int32(1)  // waiter timed out or was cancelled
)

type waiter struct {
	prev   atomic.Pointer[waiter]
	next   atomic.Pointer[waiter]
	cowait atomic.Pointer[waiter] // stack of same-group readers
	status atomic.Int32
	mode   int8
	// signal carries one wake-up permit. Unpark before park does not
	// lose the wakeup; a stale permit only causes one spurious recheck.
	signal chan struct{}
}

func newWaiter(mode int8, prev *waiter) *waiter {
	w := &waiter{mode: mode, signal: make(chan struct{}, 1)}
	w.prev.Store(prev)
	return w
}

//go:nosplit
func (w *waiter) unpark() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// acquireWrite is the contended write path: enqueue as a write-mode
// node, then spin-then-park until first in line and the lock frees.
// Returns the stamp, 0 on deadline expiry, or interruptedStamp when
// ctx was cancelled.
func (sl *StampedLock) acquireWrite(ctx context.Context, deadline time.Time) uint64 {
	var node, p *waiter

	// Phase 1: acquire directly, or spin a little while the queue looks
	// empty, or append a node to the tail.
	for spins := -1; ; {
		s := sl.state.Load()
		if m := s & abits; m == 0 {
			if ns := s + wbit; sl.state.CompareAndSwap(s, ns) {
				return ns
			}
		} else if spins < 0 {
			if m == wbit && sl.tail.Load() == sl.head.Load() {
				spins = maxSpins
			} else {
				spins = 0
			}
		} else if spins > 0 {
			procyield()
			spins--
		} else if p = sl.tail.Load(); p == nil {
			hd := newWaiter(wmode, nil)
			if sl.head.CompareAndSwap(nil, hd) {
				sl.tail.Store(hd)
			}
		} else if node == nil {
			node = newWaiter(wmode, p)
		} else if node.prev.Load() != p {
			node.prev.Store(p)
		} else if sl.tail.CompareAndSwap(p, node) {
			p.next.Store(node)
			break
		}
	}

	// Phase 2: once the predecessor is the head, spin with an escalating
	// budget; otherwise arrange for the predecessor to wake us and park.
	for spins := -1; ; {
		h := sl.head.Load()
		if h == p {
			if spins < 0 {
				spins = headSpins
			} else if spins < maxHeadSpins {
				spins <<= 1
			}
			for k := spins; ; {
				s := sl.state.Load()
				if s&abits == 0 {
					if ns := s + wbit; sl.state.CompareAndSwap(s, ns) {
						sl.head.Store(node)
						node.prev.Store(nil)
						return ns
					}
				} else {
					procyield()
					if k--; k <= 0 {
						break
					}
				}
			}
		} else if h != nil {
			// Drain readers stranded on a stale head so they can race
			// for the lock once it frees.
			for {
				c := h.cowait.Load()
				if c == nil {
					break
				}
				if h.cowait.CompareAndSwap(c, c.cowait.Load()) {
					c.unpark()
				}
			}
		}
		if sl.head.Load() == h {
			if np := node.prev.Load(); np != p {
				if np != nil {
					p = np
					p.next.Store(node) // stale next link
				}
			} else if ps := p.status.Load(); ps == 0 {
				p.status.CompareAndSwap(0, wsWaiting)
			} else if ps == wsCancelled {
				if pp := p.prev.Load(); pp != nil {
					node.prev.Store(pp)
					pp.next.Store(node)
				}
			} else {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return sl.cancelWaiter(node, node, false)
				}
				if p.status.Load() < 0 && (p != h || sl.state.Load()&abits != 0) &&
					sl.head.Load() == h && node.prev.Load() == p {
					parkOn(node.signal, ctx, deadline)
				}
				if ctx != nil && ctx.Err() != nil {
					return sl.cancelWaiter(node, node, true)
				}
			}
		}
	}
}

// acquireRead is the contended read path. A reader behind a read-mode
// tail joins that node's co-wait stack and waits for the group leader;
// otherwise it takes its own queue slot and, on success at the head,
// releases its whole group.
func (sl *StampedLock) acquireRead(ctx context.Context, deadline time.Time) uint64 {
	var node, p *waiter

enqueue:
	for spins := -1; ; {
		h := sl.head.Load()
		p = sl.tail.Load()
		if h == p {
			// Queue looks empty: keep trying the reader increment,
			// spinning across writer windows.
			for {
				s := sl.state.Load()
				m := s & abits
				if m < rfull {
					if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
						return ns
					}
				} else if m < wbit {
					if ns := sl.tryIncReaderOverflow(s); ns != 0 {
						return ns
					}
				}
				if m >= wbit {
					if spins > 0 {
						procyield()
						spins--
					} else {
						if spins == 0 {
							nh, np := sl.head.Load(), sl.tail.Load()
							if nh == h && np == p {
								break
							}
							h, p = nh, np
							if h != p {
								break
							}
						}
						spins = maxSpins
					}
				}
			}
		}
		if p == nil {
			hd := newWaiter(wmode, nil)
			if sl.head.CompareAndSwap(nil, hd) {
				sl.tail.Store(hd)
			}
		} else if node == nil {
			node = newWaiter(rmode, p)
		} else if h == p || p.mode != rmode {
			// Take our own queue slot.
			if node.prev.Load() != p {
				node.prev.Store(p)
			} else if sl.tail.CompareAndSwap(p, node) {
				p.next.Store(node)
				break enqueue
			}
		} else {
			c := p.cowait.Load()
			node.cowait.Store(c)
			if !p.cowait.CompareAndSwap(c, node) {
				node.cowait.Store(nil) // lost the push; retry
				continue
			}
			// Joined p's co-wait group; wait for the leader to win.
			for {
				h := sl.head.Load()
				if h != nil {
					if c := h.cowait.Load(); c != nil {
						if h.cowait.CompareAndSwap(c, c.cowait.Load()) {
							c.unpark() // help release
						}
					}
				}
				pp := p.prev.Load()
				if h == pp || h == p || pp == nil {
					for {
						s := sl.state.Load()
						m := s & abits
						if m < rfull {
							if ns := s + runit; sl.state.CompareAndSwap(s, ns) {
								return ns
							}
						} else if m < wbit {
							if ns := sl.tryIncReaderOverflow(s); ns != 0 {
								return ns
							}
						}
						if m >= wbit {
							break
						}
					}
				}
				if sl.head.Load() == h && p.prev.Load() == pp {
					if pp == nil || h == p || p.status.Load() > 0 {
						// Group leader is gone; requeue from scratch.
						node = nil
						continue enqueue
					}
					if !deadline.IsZero() && !time.Now().Before(deadline) {
						return sl.cancelWaiter(node, p, false)
					}
					if (h != pp || sl.state.Load()&abits == wbit) &&
						sl.head.Load() == h && p.prev.Load() == pp {
						parkOn(node.signal, ctx, deadline)
					}
					if ctx != nil && ctx.Err() != nil {
						return sl.cancelWaiter(node, p, true)
					}
				}
			}
		}
	}

	// Own-slot phase: like the write path, but a winning reader drags
	// its co-wait group over the line with it.
	for spins := -1; ; {
		h := sl.head.Load()
		if h == p {
			if spins < 0 {
				spins = headSpins
			} else if spins < maxHeadSpins {
				spins <<= 1
			}
			for k := spins; ; {
				s := sl.state.Load()
				m := s & abits
				var ns uint64
				if m < rfull {
					if ns = s + runit; !sl.state.CompareAndSwap(s, ns) {
						ns = 0
					}
				} else if m < wbit {
					ns = sl.tryIncReaderOverflow(s)
				}
				if ns != 0 {
					sl.head.Store(node)
					node.prev.Store(nil)
					for {
						c := node.cowait.Load()
						if c == nil {
							break
						}
						if node.cowait.CompareAndSwap(c, c.cowait.Load()) {
							c.unpark()
						}
					}
					return ns
				}
				if m >= wbit {
					procyield()
					if k--; k <= 0 {
						break
					}
				}
			}
		} else if h != nil {
			for {
				c := h.cowait.Load()
				if c == nil {
					break
				}
				if h.cowait.CompareAndSwap(c, c.cowait.Load()) {
					c.unpark()
				}
			}
		}
		if sl.head.Load() == h {
			if np := node.prev.Load(); np != p {
				if np != nil {
					p = np
					p.next.Store(node)
				}
			} else if ps := p.status.Load(); ps == 0 {
				p.status.CompareAndSwap(0, wsWaiting)
			} else if ps == wsCancelled {
				if pp := p.prev.Load(); pp != nil {
					node.prev.Store(pp)
					pp.next.Store(node)
				}
			} else {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return sl.cancelWaiter(node, node, false)
				}
				if p.status.Load() < 0 && (p != h || sl.state.Load()&abits == wbit) &&
					sl.head.Load() == h && node.prev.Load() == p {
					parkOn(node.signal, ctx, deadline)
				}
				if ctx != nil && ctx.Err() != nil {
					return sl.cancelWaiter(node, node, true)
				}
			}
		}
	}
}

// cancelWaiter removes a timed-out or cancelled waiter. node is the
// cancelled waiter, group either node or the group leader it co-waits
// on. The cancelled node is unspliced from the co-wait list and, for
// slot owners, from the main queue; a possible wake-up of the next
// eligible waiter follows so cancellation never strands a successor.
// Returns interruptedStamp when interrupted, else 0.
func (sl *StampedLock) cancelWaiter(node, group *waiter, interrupted bool) uint64 {
	if node != nil && group != nil {
		node.status.Store(wsCancelled)
		// Unsplice cancelled nodes from the group's co-wait list.
		for p := group; ; {
			q := p.cowait.Load()
			if q == nil {
				break
			}
			if q.status.Load() == wsCancelled {
				p.cowait.CompareAndSwap(q, q.cowait.Load())
				p = group // restart on contention
			} else {
				p = q
			}
		}
		if group == node {
			// Wake surviving co-waiters so they can requeue.
			for r := group.cowait.Load(); r != nil; r = r.cowait.Load() {
				r.unpark()
			}
			// Unsplice node from the main queue. Next links may be
			// stale; the tail scan re-derives the true successor.
			for pred := node.prev.Load(); pred != nil; {
				var succ *waiter
				for {
					succ = node.next.Load()
					if succ != nil && succ.status.Load() != wsCancelled {
						break
					}
					var q *waiter
					for t := sl.tail.Load(); t != nil && t != node; t = t.prev.Load() {
						if t.status.Load() != wsCancelled {
							q = t
						}
					}
					if succ == q || node.next.CompareAndSwap(succ, q) {
						succ = q
						if succ == nil && node == sl.tail.Load() {
							sl.tail.CompareAndSwap(node, pred)
						}
						break
					}
				}
				if pred.next.Load() == node {
					pred.next.CompareAndSwap(node, succ)
				}
				if succ != nil {
					succ.unpark() // let succ observe its new predecessor
				}
				pp := pred.prev.Load()
				if pred.status.Load() != wsCancelled || pp == nil {
					break
				}
				node.prev.Store(pp) // predecessor is dead too; keep walking
				pred.next.CompareAndSwap(node, succ)
				pred = pp
			}
		}
	}
	// The cancelled waiter may have been the one a releaser chose to
	// wake. Re-run the release check so an eligible head successor is
	// not left parked forever.
	for {
		h := sl.head.Load()
		if h == nil {
			break
		}
		q := h.next.Load()
		if q == nil || q.status.Load() == wsCancelled {
			for t := sl.tail.Load(); t != nil && t != h; t = t.prev.Load() {
				if t.status.Load() <= 0 {
					q = t
				}
			}
		}
		if h == sl.head.Load() {
			if q != nil && h.status.Load() == 0 {
				if s := sl.state.Load(); s&abits != wbit &&
					(s&abits == 0 || q.mode == rmode) {
					sl.signalNext(h)
				}
			}
			break
		}
	}
	if interrupted {
		return interruptedStamp
	}
	return 0
}

// signalNext wakes the queue node after h, falling back to a tail scan
// when the next link is stale or cancelled.
func (sl *StampedLock) signalNext(h *waiter) {
	if h == nil {
		return
	}
	h.status.CompareAndSwap(wsWaiting, 0)
	q := h.next.Load()
	if q == nil || q.status.Load() == wsCancelled {
		for t := sl.tail.Load(); t != nil && t != h; t = t.prev.Load() {
			if t.status.Load() <= 0 {
				q = t
			}
		}
	}
	if q != nil {
		q.unpark()
	}
}
