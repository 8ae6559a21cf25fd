// Package upstream implements the keepalive-aware connection pool and
// load-balanced upstream group used by the proxy engine: a
// capacity-bounded active/idle split per upstream address, with a shared
// keepalive monitor watching every idle peer.
package upstream

import (
	"sync/atomic"
	"time"

	"github.com/searchktools/fastgate/core/socket"
)

var tokenSeq uint64

func nextToken() uint64 { return atomic.AddUint64(&tokenSeq, 1) }

// Peer is a pooled upstream socket: a single connection checked out of a
// ConnectionPool for the duration of one proxied request.
type Peer struct {
	pool     *ConnectionPool
	addr     string
	token    uint64
	requests uint64
	userData any
	sock     *socket.Socket

	released bool
}

func newPeer(pool *ConnectionPool, addr string, sock *socket.Socket) *Peer {
	return &Peer{pool: pool, addr: addr, token: nextToken(), sock: sock}
}

// Socket returns the underlying socket handle.
func (p *Peer) Socket() *socket.Socket { return p.sock }

// Addr returns the upstream address this peer is connected to.
func (p *Peer) Addr() string { return p.addr }

// Token returns the peer's monotonic identity, used as the idle-set
// tiebreaker and as the monitor's Remove key.
func (p *Peer) Token() uint64 { return p.token }

// Requests returns how many requests have been sent over this peer.
func (p *Peer) Requests() uint64 { return p.requests }

// MarkServed records that one more request was sent over this peer.
func (p *Peer) MarkServed() { p.requests++ }

// UserData is an opaque per-peer box the proxy engine can use to stash
// protocol-specific leg state (e.g. a partially-parsed response) across
// reactor turns.
func (p *Peer) UserData() any     { return p.userData }
func (p *Peer) SetUserData(v any) { p.userData = v }

// Close closes the peer's socket and decrements the pool's active count.
// It does not attempt to return the peer to the idle set.
func (p *Peer) Close() error {
	if p.released {
		return nil
	}
	p.released = true
	if p.pool != nil {
		p.pool.forget(p)
	}
	return p.sock.Close()
}

// Release returns the peer to its originating pool as a keepalive
// candidate. The reactor/proxy engine calls Release explicitly once a
// leg completes; a peer the pool refuses is closed instead.
func (p *Peer) Release() {
	if p.released {
		return
	}
	p.released = true
	if p.pool == nil {
		p.sock.Close()
		return
	}
	if !p.pool.Return(p) {
		p.sock.Close()
	}
}

// expiry implements the idle-heap ordering key (exp, token).
func (p *Peer) expiry() time.Time { return p.sock.Deadline() }
