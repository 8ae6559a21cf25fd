package reactor

import (
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/pipeline"
	"github.com/searchktools/fastgate/core/poller"
)

type clientState int

const (
	stateIdle clientState = iota
	stateRequest
	stateResponse
)

// client is the per-connection bundle: socket fd, accepting listener,
// parse buffer, and the request/response of the in-flight transaction.
// Exactly one (deadline, seq) entry in the reactor's timer heap is live
// for it at any time.
type client struct {
	fd       int
	listener *listenerEntry
	state    clientState

	buf *buffer.Buffer
	out *buffer.Buffer

	req    *httpx.Request
	resp   *httpx.Response
	server *pipeline.ServerContext
	route  *pipeline.RouteContext

	// early holds an interim 100 Continue reply that could not be
	// written in full; it drains before the next read.
	early *buffer.Buffer

	served    uint64
	requestID uint64

	peerFD    int
	peerOwner any

	// busy is set while a worker thread owns req/resp; the reactor
	// must not touch either until the completion drains.
	busy atomic.Bool

	armed    poller.Interest
	seq      uint64
	gen      uint64
	deadline time.Time
}

func newClient() *client {
	return &client{
		fd:     -1,
		buf:    buffer.New(),
		out:    buffer.New(),
		peerFD: -1,
	}
}

// recycle clears per-connection state before the client context returns
// to the pool.
func (c *client) recycle() {
	c.fd = -1
	c.listener = nil
	c.state = stateIdle
	c.buf.Reset()
	c.out.Reset()
	c.req = nil
	c.resp = nil
	c.server = nil
	c.route = nil
	c.early = nil
	c.served = 0
	c.requestID = 0
	c.peerFD = -1
	c.peerOwner = nil
	c.armed = 0
	c.seq = 0
	c.gen++
	c.busy.Store(false)
	c.deadline = time.Time{}
}

// handleIO drives one client's state machine for one readiness event.
func (r *Reactor) handleIO(c *client, ev poller.Event) {
	switch c.state {
	case stateIdle:
		r.toRequest(c)
		fallthrough
	case stateRequest:
		r.driveParse(c)
	case stateResponse:
		r.driveFlush(c)
	}
}

// toRequest transitions Idle → Request: fresh deadline, fresh
// request-id, fresh parser state.
func (r *Reactor) toRequest(c *client) {
	c.state = stateRequest
	c.requestID = atomic.AddUint64(&requestIDSeq, 1)
	if c.req == nil {
		c.req = httpx.NewRequest()
	} else {
		c.req.Reset()
	}
	c.req.Vars["request_id"] = strconv.FormatUint(c.requestID, 10)
	r.arm(c, c.listener.cfg.Options.RequestTimeout)
}

// driveParse reads whatever the socket has and advances the parser.
func (r *Reactor) driveParse(c *client) {
	if !r.drainEarly(c) {
		return
	}

	_, eof, err := c.buf.Read(c.fd)
	if err != nil && err != syscall.EAGAIN && err != syscall.EINTR {
		r.log.Error().Err(err).Int("fd", c.fd).Msg("client read failed")
		r.teardown(c, true)
		return
	}

	status, perr := c.req.Parse(c.buf, c.continueWriter(r))
	switch {
	case perr != nil:
		// Fatal: unsupported method, truncated body, interim-write
		// failure.
		r.log.Error().Err(perr).Int("fd", c.fd).Uint64("request_id", c.requestID).Msg("request parse failed")
		r.teardown(c, true)
	case status == httpx.Declined:
		if eof {
			// Closed cleanly before or between requests.
			r.log.Debug().Int("fd", c.fd).Msg("client closed")
			r.teardown(c, true)
			return
		}
		r.arm(c, c.listener.cfg.Options.RequestTimeout)
	case status == httpx.Again:
		if eof {
			// Mid-request EOF: truncated request, fatal.
			r.log.Error().Int("fd", c.fd).Uint64("request_id", c.requestID).Msg("connection closed mid-request")
			r.teardown(c, true)
			return
		}
		r.arm(c, c.listener.cfg.Options.RequestTimeout)
	default: // OK
		r.dispatch(c)
	}
}

// dispatch hands a fully parsed request to the worker pool. The
// client's fd is deregistered first: nothing reads it again until the
// response has drained (per-connection ordering guarantee). The
// response deadline stays armed across the worker hand-off so a hung
// handler cannot pin the connection forever.
func (r *Reactor) dispatch(c *client) {
	r.armClient(c, 0)
	c.state = stateResponse
	r.arm(c, c.listener.cfg.Options.ResponseTimeout)

	c.server = r.selectServer(c)
	c.out.Reset()
	c.resp = httpx.NewResponse(c.req, c.out)

	if c.req.Malformed {
		c.resp.ForceClose()
		c.resp.Send(400, "text/plain", []byte("Bad Request"))
		r.complete(completionEntry{c: c, gen: c.gen})
		r.drainCompletions()
		return
	}

	req, resp, server, gen := c.req, c.resp, c.server, c.gen
	c.busy.Store(true)
	r.workers.Submit(func() {
		route, err := pipeline.Execute(server, req, resp)
		if err != nil {
			r.log.Error().Err(err).Str("uri", req.URI).Msg("content handler failed")
		}
		r.complete(completionEntry{c: c, gen: gen, route: route})
	})
}

// selectServer picks the virtual host for the parsed request, falling
// back to the listener's default server.
func (r *Reactor) selectServer(c *client) *pipeline.ServerContext {
	host := c.req.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if s, ok := c.listener.cfg.Servers[host]; ok {
		return s
	}
	return c.listener.cfg.Default
}

// driveFlush advances the response (and any proxy leg hanging off it)
// by one turn.
func (r *Reactor) driveFlush(c *client) {
	status, handle, err := c.resp.Flush(c.fd)

	switch {
	case err != nil:
		r.log.Error().Err(err).Int("fd", c.fd).Uint64("request_id", c.requestID).Msg("response flush failed")
		r.finishRequest(c, true)
		r.teardown(c, true)

	case status == httpx.Again && handle != nil:
		// The flush handler needs its peer polled before it can make
		// progress; park the client and watch the peer fd instead.
		r.armClient(c, 0)
		r.registerPeer(c, handle)
		r.arm(c, c.listener.cfg.Options.ResponseTimeout)

	case status == httpx.Again:
		r.deregisterPeer(c)
		r.armClient(c, poller.Writable)
		r.arm(c, c.listener.cfg.Options.ResponseTimeout)

	case status == httpx.Declined:
		// Drained with closed=true, or the client vanished mid-response.
		r.finishRequest(c, false)
		r.teardown(c, true)

	default: // OK
		r.deregisterPeer(c)
		r.finishRequest(c, false)
		r.resetForNext(c)
	}
}

// finishRequest runs the log phase and records stats exactly once per
// transaction.
func (r *Reactor) finishRequest(c *client, isError bool) {
	if c.req == nil || c.resp == nil || c.server == nil {
		return
	}
	pipeline.RunLog(c.server, c.route, c.req, c.resp)
	pattern := c.req.URI
	if c.route != nil {
		pattern = c.route.Pattern
	}
	r.stats.RecordRequest(pattern, time.Since(c.req.StartTime), isError || c.resp.Status >= 500)
	c.resp = nil
	c.route = nil
	c.server = nil
}

// resetForNext re-arms a kept-alive connection for its next request,
// enforcing the client-side keepalive_requests cap. Buffered pipelined
// bytes are parsed immediately instead of waiting for readability.
func (r *Reactor) resetForNext(c *client) {
	c.served++
	max := c.listener.cfg.Options.KeepaliveRequests
	if max != 0 && c.served >= max {
		r.log.Debug().Int("fd", c.fd).Uint64("served", c.served).Msg("keepalive request cap reached")
		r.teardown(c, true)
		return
	}

	c.buf.Compact()
	c.state = stateIdle
	r.armClient(c, poller.Readable)
	r.arm(c, c.listener.cfg.Options.KeepaliveTimeout)

	if c.buf.Len() > 0 {
		r.toRequest(c)
		r.driveParse(c)
	}
}

// registerPeer points the requested peer fd at this client in the
// reactor's tables and arms the requested interests.
func (r *Reactor) registerPeer(c *client, handle *httpx.ProxyHandle) {
	var interest poller.Interest
	if handle.Readable {
		interest |= poller.Readable
	}
	if handle.Writable {
		interest |= poller.Writable
	}

	if c.peerFD == handle.FD {
		r.poller.Modify(handle.FD, interest)
		return
	}
	r.deregisterPeer(c)
	c.peerFD = handle.FD
	c.peerOwner = handle.Owner
	r.peers[handle.FD] = c
	if r.poller.Add(handle.FD, interest) != nil {
		r.poller.Modify(handle.FD, interest)
	}
}

// deregisterPeer drops the peer fd from the poll set once a proxy leg
// has completed (the peer has been returned to its pool or closed by
// the leg).
func (r *Reactor) deregisterPeer(c *client) {
	if c.peerFD < 0 {
		return
	}
	r.poller.Remove(c.peerFD)
	delete(r.peers, c.peerFD)
	c.peerFD = -1
	c.peerOwner = nil
}

// onTimeout handles deadline expiry for any state: 408 for a partially
// received request, silent close otherwise.
func (r *Reactor) onTimeout(c *client) {
	switch c.state {
	case stateRequest:
		if c.buf.Len() > 0 || c.req.Method != "" {
			// Partially received: best-effort 408 before closing.
			reply := []byte(c.req.Protocol + " 408 REQUEST TIMEOUT\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
			if c.req.Protocol == "" {
				reply = []byte("HTTP/1.1 408 REQUEST TIMEOUT\r\ncontent-length: 0\r\nconnection: close\r\n\r\n")
			}
			syscall.Write(c.fd, reply)
			r.log.Warn().Int("fd", c.fd).Uint64("request_id", c.requestID).Msg("request timed out")
		} else {
			r.log.Debug().Int("fd", c.fd).Msg("idle request slot timed out")
		}
	case stateResponse:
		r.log.Warn().Int("fd", c.fd).Uint64("request_id", c.requestID).Msg("response timed out")
		if !c.busy.Load() {
			r.finishRequest(c, true)
		}
	default:
		r.log.Debug().Int("fd", c.fd).Msg("keepalive timeout")
	}

	r.stats.ConnTimedOut()
	fd := c.fd
	r.teardown(c, true)
	if r.opts.OnTimeout != nil {
		r.opts.OnTimeout(fd)
	}
}

// teardown releases everything a client owns: poll registration, any
// in-flight proxy peer, the socket, and its table entries.
func (r *Reactor) teardown(c *client, unmap bool) {
	if c.armed != 0 {
		r.poller.Remove(c.fd)
		c.armed = 0
	}
	if c.peerFD >= 0 {
		r.poller.Remove(c.peerFD)
		delete(r.peers, c.peerFD)
		if closer, ok := c.peerOwner.(interface{ Close() error }); ok {
			closer.Close()
		}
		c.peerFD = -1
		c.peerOwner = nil
	}

	r.disarm(c)
	syscall.Close(c.fd)
	if unmap {
		delete(r.clients, c.fd)
	}
	r.stats.ConnClosed()
	r.ctxPool.Put(c)
}

// continueWriter returns the parser's interim-response callback: it
// writes "100 Continue" directly, buffering any remainder that would
// block into c.early.
func (c *client) continueWriter(r *Reactor) func([]byte) error {
	return func(p []byte) error {
		n, err := syscall.Write(c.fd, p)
		if err != nil && err != syscall.EAGAIN {
			return err
		}
		if n < 0 {
			n = 0
		}
		if n < len(p) {
			if c.early == nil {
				c.early = buffer.New()
			}
			c.early.Extend(p[n:])
			r.armClient(c, poller.Readable|poller.Writable)
		}
		return nil
	}
}

// drainEarly flushes a pending interim reply; returns false when the
// caller should wait for writability before reading more.
func (r *Reactor) drainEarly(c *client) bool {
	if c.early == nil || c.early.Len() == 0 {
		return true
	}
	for {
		chunk := c.early.Peek()
		if len(chunk) == 0 {
			c.early = nil
			r.armClient(c, poller.Readable)
			return true
		}
		n, err := syscall.Write(c.fd, chunk)
		if err == syscall.EAGAIN {
			return false
		}
		if err != nil {
			r.teardown(c, true)
			return false
		}
		c.early.Discard(n)
	}
}
