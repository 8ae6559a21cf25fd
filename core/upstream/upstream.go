package upstream

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Balancer picks the next pool to try from a list of candidate pools.
// Implementations must be safe for concurrent use.
type Balancer interface {
	Name() string
	Select(pools []*ConnectionPool) *ConnectionPool
}

// RoundRobinBalancer cycles through pools with an atomic counter,
// stable under concurrent callers.
type RoundRobinBalancer struct {
	counter uint64
}

func NewRoundRobinBalancer() *RoundRobinBalancer { return &RoundRobinBalancer{} }

func (b *RoundRobinBalancer) Name() string { return "round_robin" }

func (b *RoundRobinBalancer) Select(pools []*ConnectionPool) *ConnectionPool {
	if len(pools) == 0 {
		return nil
	}
	n := atomic.AddUint64(&b.counter, 1)
	return pools[n%uint64(len(pools))]
}

// LeastConnectionsBalancer picks the pool with the fewest checked-out
// peers, reading each pool's own Active() counter directly since
// ConnectionPool already owns that bookkeeping.
type LeastConnectionsBalancer struct{}

func NewLeastConnectionsBalancer() *LeastConnectionsBalancer { return &LeastConnectionsBalancer{} }

func (b *LeastConnectionsBalancer) Name() string { return "least_connections" }

func (b *LeastConnectionsBalancer) Select(pools []*ConnectionPool) *ConnectionPool {
	var selected *ConnectionPool
	min := -1
	for _, p := range pools {
		active := p.Active()
		if min == -1 || active < min {
			min = active
			selected = p
		}
	}
	return selected
}

// Upstream is a named group of upstream servers split into a primary
// tier and a backup tier. Requests are load-balanced across the primary
// tier; the backup tier is only tried once every primary pool has been
// attempted and failed.
type Upstream struct {
	Name     string
	Balancer Balancer

	primary []*ConnectionPool
	backup  []*ConnectionPool
}

// NewUpstream creates an upstream group and its per-server connection
// pools, all registered with the shared monitor.
func NewUpstream(name string, balancer Balancer, monitor *Monitor, primaryAddrs, backupAddrs []string) *Upstream {
	u := &Upstream{Name: name, Balancer: balancer}
	for i, addr := range primaryAddrs {
		u.primary = append(u.primary, NewConnectionPool(fmt.Sprintf("%s-primary-%d", name, i), addr, monitor))
	}
	for i, addr := range backupAddrs {
		u.backup = append(u.backup, NewConnectionPool(fmt.Sprintf("%s-backup-%d", name, i), addr, monitor))
	}
	return u
}

// Pools returns every pool in the group, primary first, for
// introspection (stats reporting, config reload diffing).
func (u *Upstream) Pools() []*ConnectionPool {
	all := make([]*ConnectionPool, 0, len(u.primary)+len(u.backup))
	all = append(all, u.primary...)
	all = append(all, u.backup...)
	return all
}

// Connect balances across the primary tier, falling back to the backup
// tier only once every primary pool has failed: both tiers are tried in
// order, each up to its own pool count, before reporting failure.
func (u *Upstream) Connect(timeout time.Duration) (*Peer, error) {
	for _, tier := range [][]*ConnectionPool{u.primary, u.backup} {
		if len(tier) == 0 {
			continue
		}
		remaining := make([]*ConnectionPool, len(tier))
		copy(remaining, tier)

		for attempt := 0; attempt < len(tier); attempt++ {
			pool := u.Balancer.Select(remaining)
			if pool == nil {
				break
			}
			peer, err := pool.Connect(timeout)
			if err == nil && !peer.Socket().Valid() {
				// The non-blocking connect has already been refused.
				peer.Close()
				err = fmt.Errorf("upstream %s: %s refused the connection", u.Name, pool.Addr)
			}
			if err == nil {
				return peer, nil
			}
			remaining = removePool(remaining, pool)
			if len(remaining) == 0 {
				break
			}
		}
	}
	return nil, fmt.Errorf("upstream %s: no reachable server", u.Name)
}

func removePool(pools []*ConnectionPool, target *ConnectionPool) []*ConnectionPool {
	out := make([]*ConnectionPool, 0, len(pools))
	for _, p := range pools {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}
