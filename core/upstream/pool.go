package upstream

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/searchktools/fastgate/core/socket"
)

// idleHeap orders idle peers by (exp, token) so the earliest-expiring
// peer can be popped in O(log n).
type idleHeap []*Peer

func (h idleHeap) Len() int { return len(h) }
func (h idleHeap) Less(i, j int) bool {
	ei, ej := h[i].expiry(), h[j].expiry()
	if ei.Equal(ej) {
		return h[i].token < h[j].token
	}
	return ei.Before(ej)
}
func (h idleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *idleHeap) Push(x any)   { *h = append(*h, x.(*Peer)) }
func (h *idleHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// ConnectionPool is a per-upstream-address keepalive cache.
type ConnectionPool struct {
	Name string
	Addr string

	MaxActive         int // 0 = unbounded
	MaxKeepalive      int // 0 = unbounded
	ConnectTimeout    time.Duration
	KeepaliveTimeout  time.Duration
	KeepaliveRequests uint64 // 0 = unbounded

	monitor *Monitor

	mu     sync.Mutex
	idle   idleHeap
	active int
}

// NewConnectionPool creates a pool for a single upstream address,
// registered with the given (process-wide) monitor.
func NewConnectionPool(name, addr string, monitor *Monitor) *ConnectionPool {
	p := &ConnectionPool{
		Name:    name,
		Addr:    addr,
		monitor: monitor,
	}
	heap.Init(&p.idle)
	return p
}

// Active returns the number of checked-out peers.
func (p *ConnectionPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Idle returns the number of peers sitting in the idle set.
func (p *ConnectionPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Connect checks out a peer: the earliest-expiring valid idle peer is
// reused (with a reset deadline and a fresh token), otherwise a new
// connection is dialed. Fails once max_active peers are checked out.
func (p *ConnectionPool) Connect(timeout time.Duration) (*Peer, error) {
	p.mu.Lock()
	if p.MaxActive != 0 && p.active >= p.MaxActive {
		p.mu.Unlock()
		return nil, fmt.Errorf("upstream %s: max_active reached", p.Name)
	}

	for len(p.idle) > 0 {
		peer := heap.Pop(&p.idle).(*Peer)
		if !peer.sock.Valid() {
			peer.sock.Close()
			continue
		}
		if p.monitor != nil {
			p.monitor.Remove(peer.token)
		}
		peer.sock.SetTimeout(timeout)
		peer.token = nextToken()
		p.active++
		p.mu.Unlock()
		return peer, nil
	}
	p.active++
	p.mu.Unlock()

	ct := timeout
	if p.ConnectTimeout > 0 {
		ct = p.ConnectTimeout
	}
	sock, err := socket.Dial(p.Addr, ct)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, err
	}

	return newPeer(p, p.Addr, sock), nil
}

// Return offers a peer back to the idle set, rejecting invalid sockets,
// a full idle set, and peers that have served their keepalive_requests
// budget. It reports whether the peer was accepted; the caller closes
// the socket itself when it returns false.
func (p *ConnectionPool) Return(peer *Peer) bool {
	if !peer.sock.Valid() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return false
	}

	p.mu.Lock()
	if p.MaxKeepalive != 0 && len(p.idle) >= p.MaxKeepalive {
		p.active--
		p.mu.Unlock()
		return false
	}
	if p.KeepaliveRequests != 0 && peer.requests >= p.KeepaliveRequests {
		p.active--
		p.mu.Unlock()
		return false
	}

	kt := p.KeepaliveTimeout
	if kt <= 0 {
		kt = 60 * time.Second
	}
	peer.sock.SetTimeout(kt)
	heap.Push(&p.idle, peer)
	p.active--
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Add(peer)
	}
	return true
}

// forget removes peer's bookkeeping (active slot) without attempting to
// idle it; used by Peer.Close.
func (p *ConnectionPool) forget(peer *Peer) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	if p.monitor != nil {
		p.monitor.Remove(peer.token)
	}
}

// evictIdle removes a peer from the idle set by token (called by the
// monitor on close/error/timeout detection). Reports whether it was
// found.
func (p *ConnectionPool) evictIdle(token uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, peer := range p.idle {
		if peer.token == token {
			heap.Remove(&p.idle, i)
			peer.sock.Close()
			return true
		}
	}
	return false
}

// oldestIdle returns the earliest-expiring idle peer without removing
// it, for the monitor's timeout scan.
func (p *ConnectionPool) oldestIdle() (*Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil, false
	}
	return p.idle[0], true
}
