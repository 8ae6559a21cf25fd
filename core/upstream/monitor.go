package upstream

import (
	"sync"
	"time"

	"github.com/searchktools/fastgate/core/poller"
)

type monitorCmdKind int

const (
	cmdAdd monitorCmdKind = iota
	cmdRemove
)

type monitorCmd struct {
	kind  monitorCmdKind
	peer  *Peer
	token uint64
}

type monitorEntry struct {
	pool  *ConnectionPool
	peer  *Peer
	token uint64
}

// Monitor is the single global keepalive-peer watcher shared by every
// ConnectionPool. It polls the read side of every idle peer (a byte
// arriving on a supposedly-idle keepalive connection means the upstream
// closed or misbehaved) and, on every wake, scans every registered
// pool's earliest-expiring idle peer for timeout. Pools talk to it
// through a bounded command channel (Add/Remove).
type Monitor struct {
	poller poller.Poller
	cmds   chan monitorCmd

	mu      sync.Mutex
	entries map[int]*monitorEntry // fd -> entry
	byToken map[uint64]int        // token -> fd
	pools   map[*ConnectionPool]struct{}

	stop chan struct{}
}

// NewMonitor creates and starts the monitor goroutine.
func NewMonitor() *Monitor {
	p, err := poller.NewPoller()
	if err != nil {
		// Falls back to a timeout-only monitor (no stray-data detection)
		// if the platform poller can't be created; connect/return still
		// work, only the "stray data on idle peer" eviction is skipped.
		p = nil
	}

	m := &Monitor{
		poller:  p,
		cmds:    make(chan monitorCmd, 1024),
		entries: make(map[int]*monitorEntry),
		byToken: make(map[uint64]int),
		pools:   make(map[*ConnectionPool]struct{}),
		stop:    make(chan struct{}),
	}
	go m.run()
	return m
}

// register associates a pool with the monitor for timeout scanning. It
// is idempotent.
func (m *Monitor) register(pool *ConnectionPool) {
	m.mu.Lock()
	m.pools[pool] = struct{}{}
	m.mu.Unlock()
}

// Add enrolls an idle peer for stray-data/close/timeout watching.
func (m *Monitor) Add(peer *Peer) {
	m.register(peer.pool)
	select {
	case m.cmds <- monitorCmd{kind: cmdAdd, peer: peer}:
	default:
		// Command queue full: peer stays un-watched until the next scan
		// tick picks it up via the pool's own timeout accounting.
	}
}

// Remove stops watching a peer (it has been reused or evicted).
func (m *Monitor) Remove(token uint64) {
	select {
	case m.cmds <- monitorCmd{kind: cmdRemove, token: token}:
	default:
	}
}

// Close stops the monitor goroutine.
func (m *Monitor) Close() {
	close(m.stop)
	if m.poller != nil {
		m.poller.Close()
	}
}

func (m *Monitor) run() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		m.drainCmds()

		var events []poller.Event
		if m.poller != nil {
			events, _ = m.poller.Wait(200)
		} else {
			time.Sleep(200 * time.Millisecond)
		}

		for _, ev := range events {
			m.handleEvent(ev)
		}

		m.scanTimeouts()
	}
}

func (m *Monitor) drainCmds() {
	for {
		select {
		case cmd := <-m.cmds:
			switch cmd.kind {
			case cmdAdd:
				m.addLocked(cmd.peer)
			case cmdRemove:
				m.removeLocked(cmd.token)
			}
		default:
			return
		}
	}
}

func (m *Monitor) addLocked(peer *Peer) {
	if m.poller == nil {
		return
	}
	fd := peer.sock.FD()
	m.mu.Lock()
	m.entries[fd] = &monitorEntry{pool: peer.pool, peer: peer, token: peer.token}
	m.byToken[peer.token] = fd
	m.mu.Unlock()
	m.poller.Add(fd, poller.Readable)
}

func (m *Monitor) removeLocked(token uint64) {
	m.mu.Lock()
	fd, ok := m.byToken[token]
	if ok {
		delete(m.byToken, token)
		delete(m.entries, fd)
	}
	m.mu.Unlock()
	if ok && m.poller != nil {
		m.poller.Remove(fd)
	}
}

// handleEvent is called when an idle peer's fd becomes readable: either
// the upstream closed/erred (read returns 0/err) or sent stray data,
// both of which disqualify the connection from further keepalive reuse.
func (m *Monitor) handleEvent(ev poller.Event) {
	m.mu.Lock()
	entry, ok := m.entries[ev.FD]
	if ok {
		delete(m.entries, ev.FD)
		delete(m.byToken, entry.token)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.poller != nil {
		m.poller.Remove(ev.FD)
	}
	entry.pool.evictIdle(entry.token)
}

// scanTimeouts evicts the earliest-expiring idle peer of every
// registered pool if it has passed its keepalive deadline, repeating
// until each pool's oldest idle peer is still live.
func (m *Monitor) scanTimeouts() {
	m.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(m.pools))
	for p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, p := range pools {
		for {
			peer, ok := p.oldestIdle()
			if !ok || peer.expiry().After(now) {
				break
			}
			m.removeLocked(peer.token)
			p.evictIdle(peer.token)
		}
	}
}
