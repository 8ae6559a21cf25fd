package upstream

import (
	"container/heap"
	"net"
	"testing"
	"time"

	"github.com/searchktools/fastgate/core/socket"
)

// listenerAddr starts a throwaway TCP listener and returns its address,
// accepting (and immediately closing) connections in the background so
// dial-based tests have something real to connect to.
func listenerAddr(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1)
				c.Read(buf)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestConnectionPoolConnectDialsFresh(t *testing.T) {
	addr, done := listenerAddr(t)
	defer done()

	pool := NewConnectionPool("test", addr, nil)
	peer, err := pool.Connect(time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if pool.Active() != 1 {
		t.Fatalf("active = %d, want 1", pool.Active())
	}
	peer.Release()
	if pool.Active() != 0 {
		t.Fatalf("active after release = %d, want 0", pool.Active())
	}
	if pool.Idle() != 1 {
		t.Fatalf("idle after release = %d, want 1", pool.Idle())
	}
}

func TestConnectionPoolReusesIdlePeer(t *testing.T) {
	addr, done := listenerAddr(t)
	defer done()

	pool := NewConnectionPool("test", addr, nil)
	peer, err := pool.Connect(time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	firstToken := peer.Token()
	peer.Release()

	reused, err := pool.Connect(time.Second)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if reused.Token() == firstToken {
		t.Fatalf("token not bumped on reuse")
	}
	if pool.Idle() != 0 {
		t.Fatalf("idle after reuse = %d, want 0", pool.Idle())
	}
}

func TestConnectionPoolMaxActive(t *testing.T) {
	addr, done := listenerAddr(t)
	defer done()

	pool := NewConnectionPool("test", addr, nil)
	pool.MaxActive = 1

	peer, err := pool.Connect(time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := pool.Connect(time.Second); err == nil {
		t.Fatalf("expected max_active rejection")
	}
	peer.Release()
	if _, err := pool.Connect(time.Second); err != nil {
		t.Fatalf("connect after release: %v", err)
	}
}

func TestConnectionPoolMaxKeepaliveRejectsReturn(t *testing.T) {
	addr, done := listenerAddr(t)
	defer done()

	pool := NewConnectionPool("test", addr, nil)
	pool.MaxKeepalive = 0 // 0 is "unbounded" per field doc, so force a real cap via direct push
	pool.MaxKeepalive = 1

	p1, _ := pool.Connect(time.Second)
	p2, _ := pool.Connect(time.Second)

	p1.Release()
	if pool.Idle() != 1 {
		t.Fatalf("idle = %d, want 1", pool.Idle())
	}
	p2.Release()
	if pool.Idle() != 1 {
		t.Fatalf("idle after overflow release = %d, want 1 (overflow peer closed)", pool.Idle())
	}
}

func TestConnectionPoolKeepaliveRequestsExhausted(t *testing.T) {
	addr, done := listenerAddr(t)
	defer done()

	pool := NewConnectionPool("test", addr, nil)
	pool.KeepaliveRequests = 1

	peer, _ := pool.Connect(time.Second)
	peer.MarkServed()
	peer.Release()

	if pool.Idle() != 0 {
		t.Fatalf("idle = %d, want 0 (keepalive_requests exhausted)", pool.Idle())
	}
}

func TestIdleHeapOrdersByExpiry(t *testing.T) {
	mkPeer := func(expOffset time.Duration, token uint64) *Peer {
		s := socket.FromFD(-1, nil, nil)
		s.SetTimeout(expOffset)
		return &Peer{sock: s, token: token}
	}

	var h idleHeap
	heap.Init(&h)
	heap.Push(&h, mkPeer(3*time.Second, 1))
	heap.Push(&h, mkPeer(1*time.Second, 2))
	heap.Push(&h, mkPeer(2*time.Second, 3))

	var order []uint64
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(*Peer).token)
	}
	if order[0] != 2 || order[1] != 3 || order[2] != 1 {
		t.Fatalf("pop order = %v, want earliest expiry first (2 3 1)", order)
	}
}
