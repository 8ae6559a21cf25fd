// Package reactor implements the single-threaded event loop that owns
// every non-blocking socket of one worker-group instance: listeners,
// client connections, and in-flight upstream proxy legs. It never
// blocks outside the poll call; parsers and writers hand back Again
// instead, and the loop re-arms interest and deadlines on every state
// transition.
package reactor

import (
	"container/heap"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/fastgate/core/observability"
	"github.com/searchktools/fastgate/core/pipeline"
	"github.com/searchktools/fastgate/core/poller"
	"github.com/searchktools/fastgate/core/pools"
	"github.com/searchktools/fastgate/logging"
)

// Options configures one reactor instance.
type Options struct {
	// WorkerPoolSize is the number of threads running content handlers;
	// 0 executes them inline on the reactor thread.
	WorkerPoolSize int

	Log   logging.Logger
	Stats *observability.Monitor

	// OnTimeout is invoked after a client is torn down by deadline
	// expiry, with the client's fd. Used by tests and diagnostics.
	OnTimeout func(fd int)
}

// ListenerOptions carries the per-server timeout and keepalive policy a
// listener applies to its accepted clients.
type ListenerOptions struct {
	RequestTimeout    time.Duration
	ResponseTimeout   time.Duration
	KeepaliveTimeout  time.Duration
	KeepaliveRequests uint64 // 0 = unbounded
}

func (o *ListenerOptions) fillDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 30 * time.Second
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = 60 * time.Second
	}
}

// ListenerConfig binds a listen address to its virtual-host table.
type ListenerConfig struct {
	Addr    string
	Options ListenerOptions

	// Servers maps virtual-host names to their phase-handler bundles;
	// Default serves requests whose Host matches none of them.
	Servers map[string]*pipeline.ServerContext
	Default *pipeline.ServerContext
}

type listenerState int

const (
	// lsInvalid entries retry listener creation on the next tick (a
	// transient accept or bind failure demotes an active listener back
	// here).
	lsInvalid listenerState = iota
	lsActive
	// lsRemoved entries are deregistered and dropped on the next tick.
	lsRemoved
)

type listenerEntry struct {
	state listenerState
	fd    int
	cfg   ListenerConfig
}

type command struct {
	add    *ListenerConfig
	remove string
}

// completionEntry is one finished pipeline run. gen guards against a
// client context that was torn down (and possibly reused for a new
// connection) while the worker ran.
type completionEntry struct {
	c     *client
	gen   uint64
	route *pipeline.RouteContext
}

// Reactor is one worker-group event loop.
type Reactor struct {
	opts    Options
	log     logging.Logger
	stats   *observability.Monitor
	poller  poller.Poller
	workers *pools.WorkerPool

	wakeR, wakeW int

	// mu guards the cross-thread inboxes only; every table below is
	// owned exclusively by the loop goroutine.
	mu          sync.Mutex
	completions []completionEntry
	cmds        []command

	listeners   map[string]*listenerEntry // by listen address
	listenerFDs map[int]*listenerEntry
	dirty       bool

	clients  map[int]*client
	peers    map[int]*client // proxy peer fd -> owning client
	timers   timerHeap
	timerSeq uint64

	// addrs maps configured listen addresses to the address actually
	// bound (resolves ":0" test listeners); readable from any goroutine.
	addrs sync.Map

	ctxPool *pools.SmartPool

	running atomic.Bool
	done    chan struct{}
}

var requestIDSeq uint64

// New creates a reactor; Run starts its loop.
func New(opts Options) (*Reactor, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}

	var pipeFDs [2]int
	if err := syscall.Pipe(pipeFDs[:]); err != nil {
		p.Close()
		return nil, fmt.Errorf("reactor: create wake pipe: %w", err)
	}
	syscall.SetNonblock(pipeFDs[0], true)
	syscall.SetNonblock(pipeFDs[1], true)

	stats := opts.Stats
	if stats == nil {
		stats = observability.NewMonitor()
	}

	r := &Reactor{
		opts:        opts,
		log:         opts.Log,
		stats:       stats,
		poller:      p,
		workers:     pools.NewWorkerPool(opts.WorkerPoolSize),
		wakeR:       pipeFDs[0],
		wakeW:       pipeFDs[1],
		listeners:   map[string]*listenerEntry{},
		listenerFDs: map[int]*listenerEntry{},
		clients:     map[int]*client{},
		peers:       map[int]*client{},
		done:        make(chan struct{}),
	}
	r.ctxPool = pools.NewSmartPool(pools.SmartPoolConfig{
		New:        func() any { return newClient() },
		Reset:      func(obj any) { obj.(*client).recycle() },
		WarmupSize: 64,
	})
	heap.Init(&r.timers)

	if err := p.Add(r.wakeR, poller.Readable); err != nil {
		r.closeFDs()
		return nil, fmt.Errorf("reactor: register wake pipe: %w", err)
	}
	return r, nil
}

// AddListener schedules creation of a listener on the next tick. Safe
// to call from any goroutine.
func (r *Reactor) AddListener(cfg ListenerConfig) {
	cfg.Options.fillDefaults()
	r.mu.Lock()
	r.cmds = append(r.cmds, command{add: &cfg})
	r.mu.Unlock()
	r.wake()
}

// RemoveListener schedules removal of the listener bound to addr.
func (r *Reactor) RemoveListener(addr string) {
	r.mu.Lock()
	r.cmds = append(r.cmds, command{remove: addr})
	r.mu.Unlock()
	r.wake()
}

// Stats returns the reactor's metrics monitor.
func (r *Reactor) Stats() *observability.Monitor { return r.stats }

// BoundAddr reports the address actually bound for a configured listen
// address, once the listener is live.
func (r *Reactor) BoundAddr(configured string) (string, bool) {
	v, ok := r.addrs.Load(configured)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// boundAddr resolves the kernel-assigned local address of a listen fd.
func boundAddr(fd int, fallback string) string {
	sa, err := syscall.Getsockname(fd)
	if err != nil {
		return fallback
	}
	if sa4, ok := sa.(*syscall.SockaddrInet4); ok {
		ip := net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
		return fmt.Sprintf("%s:%d", ip, sa4.Port)
	}
	return fallback
}

func (r *Reactor) wake() {
	// A full pipe already guarantees a pending wake-up.
	syscall.Write(r.wakeW, []byte{1})
}

// complete is called from a worker thread once the pipeline has run;
// it pushes the finished response onto the ready queue and wakes the
// loop.
func (r *Reactor) complete(e completionEntry) {
	r.mu.Lock()
	r.completions = append(r.completions, e)
	r.mu.Unlock()
	r.wake()
}

// Stop terminates the loop and releases every socket it owns.
func (r *Reactor) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.wake()
	<-r.done
}

// Run executes the event loop until Stop. It owns every table; no
// other goroutine touches them.
func (r *Reactor) Run() {
	r.running.Store(true)
	defer close(r.done)
	defer r.teardownAll()

	for r.running.Load() {
		r.drainCommands()
		if r.dirty {
			r.reconcileListeners()
		}

		timeout := -1
		now := time.Now()
		if deadline, ok := r.nextDeadline(); ok {
			if !deadline.After(now) {
				r.processExpired(now)
				continue
			}
			timeout = int(time.Until(deadline) / time.Millisecond)
			if timeout < 1 {
				timeout = 1
			}
		}

		events, err := r.poller.Wait(timeout)
		if err != nil {
			r.log.Error().Err(err).Msg("poll failed")
			continue
		}

		for _, ev := range events {
			switch {
			case ev.FD == r.wakeR:
				r.drainWake()
				r.drainCompletions()
			case r.listenerFDs[ev.FD] != nil:
				r.acceptClient(r.listenerFDs[ev.FD])
			case r.peers[ev.FD] != nil:
				r.handleIO(r.peers[ev.FD], ev)
			case r.clients[ev.FD] != nil:
				r.handleIO(r.clients[ev.FD], ev)
			}
		}

		r.processExpired(time.Now())
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		if _, err := syscall.Read(r.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (r *Reactor) drainCommands() {
	r.mu.Lock()
	cmds := r.cmds
	r.cmds = nil
	r.mu.Unlock()

	for _, cmd := range cmds {
		switch {
		case cmd.add != nil:
			if existing, ok := r.listeners[cmd.add.Addr]; ok {
				existing.cfg = *cmd.add
				continue
			}
			r.listeners[cmd.add.Addr] = &listenerEntry{state: lsInvalid, fd: -1, cfg: *cmd.add}
			r.dirty = true
		case cmd.remove != "":
			if entry, ok := r.listeners[cmd.remove]; ok {
				entry.state = lsRemoved
				r.dirty = true
			}
		}
	}
}

func (r *Reactor) drainCompletions() {
	r.mu.Lock()
	ready := r.completions
	r.completions = nil
	r.mu.Unlock()

	for _, e := range ready {
		c := e.c
		if c.gen != e.gen || r.clients[c.fd] != c {
			continue // torn down (and possibly reused) while the worker ran
		}
		c.busy.Store(false)
		c.route = e.route
		r.arm(c, c.listener.cfg.Options.ResponseTimeout)
		r.armClient(c, poller.Writable)
		r.handleIO(c, poller.Event{FD: c.fd, Writable: true})
	}
}

// reconcileListeners creates sockets for Invalid entries and drops
// Removed ones, per the loop's step 1.
func (r *Reactor) reconcileListeners() {
	r.dirty = false
	for addr, entry := range r.listeners {
		switch entry.state {
		case lsInvalid:
			fd, err := listen(addr)
			if err != nil {
				r.log.Warn().Err(err).Str("addr", addr).Msg("listener create failed, will retry")
				r.dirty = true
				continue
			}
			if err := r.poller.Add(fd, poller.Readable); err != nil {
				syscall.Close(fd)
				r.dirty = true
				continue
			}
			entry.fd = fd
			entry.state = lsActive
			r.listenerFDs[fd] = entry
			r.addrs.Store(addr, boundAddr(fd, addr))
			r.log.Info().Str("addr", addr).Msg("listening")
		case lsRemoved:
			if entry.fd >= 0 {
				r.poller.Remove(entry.fd)
				syscall.Close(entry.fd)
				delete(r.listenerFDs, entry.fd)
			}
			delete(r.listeners, addr)
			r.addrs.Delete(addr)
			r.log.Info().Str("addr", addr).Msg("listener removed")
		}
	}
}

// listen opens a non-blocking listener with SO_REUSEADDR and
// SO_REUSEPORT, so every reactor in a worker-group can bind the same
// address and the kernel spreads accepts across them.
func listen(addr string) (int, error) {
	taddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}

	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	sa := &syscall.SockaddrInet4{Port: taddr.Port}
	if ip4 := taddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := syscall.Listen(fd, 1024); err != nil {
		syscall.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptClient accepts one connection per readiness event; the listener
// stays registered level-triggered, so pending backlog re-fires it.
func (r *Reactor) acceptClient(entry *listenerEntry) {
	nfd, _, err := syscall.Accept(entry.fd)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EINTR {
			return
		}
		// Transient accept failure: demote the listener, recreate next
		// tick.
		r.log.Warn().Err(err).Str("addr", entry.cfg.Addr).Msg("accept failed, recreating listener")
		r.poller.Remove(entry.fd)
		syscall.Close(entry.fd)
		delete(r.listenerFDs, entry.fd)
		entry.fd = -1
		entry.state = lsInvalid
		r.dirty = true
		return
	}

	syscall.SetNonblock(nfd, true)
	syscall.SetsockoptInt(nfd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)

	c := r.ctxPool.Get().(*client)
	c.fd = nfd
	c.listener = entry
	c.state = stateIdle

	r.clients[nfd] = c
	if err := r.poller.Add(nfd, poller.Readable); err != nil {
		syscall.Close(nfd)
		delete(r.clients, nfd)
		r.ctxPool.Put(c)
		return
	}
	c.armed = poller.Readable
	r.arm(c, entry.cfg.Options.RequestTimeout)
	r.stats.ConnAccepted()
}

// armClient idempotently sets the client's fd interest.
func (r *Reactor) armClient(c *client, interest poller.Interest) {
	if c.armed == interest {
		return
	}
	if c.armed == 0 {
		if r.poller.Add(c.fd, interest) == nil {
			c.armed = interest
		}
		return
	}
	if interest == 0 {
		r.poller.Remove(c.fd)
		c.armed = 0
		return
	}
	if r.poller.Modify(c.fd, interest) == nil {
		c.armed = interest
	}
}

func (r *Reactor) processExpired(now time.Time) {
	for _, c := range r.popExpired(now) {
		r.onTimeout(c)
	}
}

func (r *Reactor) teardownAll() {
	for fd, c := range r.clients {
		r.teardown(c, false)
		delete(r.clients, fd)
	}
	for fd := range r.listenerFDs {
		r.poller.Remove(fd)
		syscall.Close(fd)
	}
	r.workers.Close()
	r.closeFDs()
}

func (r *Reactor) closeFDs() {
	syscall.Close(r.wakeR)
	syscall.Close(r.wakeW)
	r.poller.Close()
}
