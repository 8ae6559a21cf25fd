package reactor

import (
	"container/heap"
	"time"
)

// timerEntry is one (deadline, token) keepalive record. fd doubles as
// the client token; seq guards against stale entries after a client
// re-arms (every state transition bumps the client's seq, so at most
// one live entry exists per client and older heap entries are skipped
// on pop).
type timerEntry struct {
	deadline time.Time
	fd       int
	seq      uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// arm replaces c's live deadline with now+d.
func (r *Reactor) arm(c *client, d time.Duration) {
	r.timerSeq++
	c.seq = r.timerSeq
	c.deadline = time.Now().Add(d)
	heap.Push(&r.timers, timerEntry{deadline: c.deadline, fd: c.fd, seq: c.seq})
}

// disarm invalidates c's live deadline without touching the heap; the
// stale entry is discarded when it surfaces.
func (r *Reactor) disarm(c *client) {
	r.timerSeq++
	c.seq = r.timerSeq
	c.deadline = time.Time{}
}

// nextDeadline returns the earliest live deadline, dropping stale
// entries from the top of the heap as it goes.
func (r *Reactor) nextDeadline() (time.Time, bool) {
	for len(r.timers) > 0 {
		top := r.timers[0]
		c, ok := r.clients[top.fd]
		if !ok || c.seq != top.seq {
			heap.Pop(&r.timers)
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

// popExpired removes and returns every live entry whose deadline has
// passed.
func (r *Reactor) popExpired(now time.Time) []*client {
	var expired []*client
	for len(r.timers) > 0 {
		top := r.timers[0]
		c, ok := r.clients[top.fd]
		if !ok || c.seq != top.seq {
			heap.Pop(&r.timers)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&r.timers)
		expired = append(expired, c)
	}
	return expired
}
