package proxy

import (
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/upstream"
)

// legKey is where the in-flight leg state lives on the request's
// Context side-table, so a rewrite-restarted pipeline never confuses
// two proxy attempts on the same *httpx.Request.
const legKey = "proxy.leg"

type legState int

// The receive side collapses into legReceiving since responseParser
// already tracks whether it is on the status line, headers, or body;
// the leg only needs to know whether it is still waiting on peer bytes
// or is done.
const (
	legConnecting legState = iota
	legConnected
	legRequestPrepared
	legRequestSent
	legReceiving
	legParsed
)

// Config configures one "proxy_pass" content handler. Pass may expand
// (via ${...} references) to either a registered upstream name or a
// literal "host:port" address.
type Config struct {
	Pass           httpx.Variable
	ConnectTimeout time.Duration
	ProxyTimeout   time.Duration
	MaxFailovers   int
}

// Engine owns the registry of named upstream groups and an on-the-fly
// pool cache for literal proxy_pass addresses, and builds the proxy
// content handler that drives a leg's state machine across reactor
// turns via the response's FlushHandlers hook.
type Engine struct {
	monitor *upstream.Monitor

	mu        sync.RWMutex
	upstreams map[string]*upstream.Upstream
	literal   map[string]*upstream.Upstream
}

func NewEngine(monitor *upstream.Monitor) *Engine {
	return &Engine{
		monitor:   monitor,
		upstreams: map[string]*upstream.Upstream{},
		literal:   map[string]*upstream.Upstream{},
	}
}

// RegisterUpstream makes a named upstream group (the http-level
// "upstream <name> { ... }" block) available to proxy_pass directives
// that reference it by name.
func (e *Engine) RegisterUpstream(u *upstream.Upstream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upstreams[u.Name] = u
}

func (e *Engine) resolveTarget(name string) *upstream.Upstream {
	e.mu.RLock()
	u, ok := e.upstreams[name]
	e.mu.RUnlock()
	if ok {
		return u
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.literal[name]; ok {
		return u
	}
	u = upstream.NewUpstream(name, upstream.NewRoundRobinBalancer(), e.monitor, []string{name}, nil)
	e.literal[name] = u
	return u
}

// leg is the proxy's partial state for one request, stored on the
// request's Context side-table between flush handler calls.
type leg struct {
	state legState

	target    *upstream.Upstream
	peer      *upstream.Peer
	failovers int

	out    *buffer.Buffer
	outPos int

	in     *buffer.Buffer
	parser *responseParser

	deadline time.Time
	started  time.Time
}

// Handler builds the proxy_pass content handler. It runs once, acquires
// (or fails to acquire) the first peer inline, and then registers a
// FlushHandler that the response drives once per reactor turn until the
// leg reaches legParsed or a terminal error response has been staged.
func (e *Engine) Handler(cfg Config) func(*httpx.Request, *httpx.Response) error {
	if cfg.MaxFailovers <= 0 {
		cfg.MaxFailovers = 2
	}
	return func(req *httpx.Request, resp *httpx.Response) error {
		name := cfg.Pass.Expand(req, nil)
		if name == "" {
			resp.Send(502, "text/plain", []byte("Bad Gateway"))
			return nil
		}
		target := e.resolveTarget(name)

		l := &leg{
			target:   target,
			out:      buffer.New(),
			in:       buffer.New(),
			parser:   newResponseParser(),
			started:  time.Now(),
			deadline: proxyDeadline(cfg),
		}
		req.Context[legKey] = l

		if !e.dial(l, cfg) {
			resp.Send(502, "text/plain", []byte("Bad Gateway"))
			return nil
		}

		resp.FlushHandlers = append(resp.FlushHandlers, func(resp *httpx.Response) (httpx.Status, *httpx.ProxyHandle, error) {
			return e.drive(l, req, resp, cfg)
		})
		return nil
	}
}

func proxyDeadline(cfg Config) time.Time {
	if cfg.ProxyTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(cfg.ProxyTimeout)
}

// dial acquires a fresh peer for the leg, reporting whether one was
// obtained. Failure here (every pool in every tier unreachable) is
// immediate and does not count against MaxFailovers, which instead
// bounds retries against peers that fail after being handed out.
func (e *Engine) dial(l *leg, cfg Config) bool {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	peer, err := l.target.Connect(timeout)
	if err != nil {
		return false
	}
	l.peer = peer
	l.state = legConnecting
	return true
}

// drive advances the leg's state machine by as much as the current fd
// readiness allows, returning httpx.Again with a ProxyHandle describing
// what the reactor should poll for next, or httpx.OK once this flush
// handler is done (letting Response.Flush continue on to the staged
// client body).
func (e *Engine) drive(l *leg, req *httpx.Request, resp *httpx.Response, cfg Config) (httpx.Status, *httpx.ProxyHandle, error) {
	if !l.deadline.IsZero() && time.Now().After(l.deadline) {
		l.peer.Close()
		resp.Send(504, "text/plain", []byte("Gateway Timeout"))
		return httpx.OK, nil, nil
	}

	for {
		switch l.state {
		case legConnecting:
			if !l.peer.Socket().Valid() {
				if !e.failover(l, cfg) {
					resp.Send(502, "text/plain", []byte("Bad Gateway"))
					return httpx.OK, nil, nil
				}
				continue
			}
			l.state = legConnected

		case legConnected:
			prepareRequest(l, req)
			l.state = legRequestPrepared
			fallthrough

		case legRequestPrepared:
			l.state = legRequestSent
			fallthrough

		case legRequestSent:
			drained, n, err := l.out.Write(l.peer.Socket().FD(), l.outPos)
			l.outPos += n
			if err != nil {
				if err == syscall.EAGAIN {
					return httpx.Again, peerHandle(l.peer, false, true), nil
				}
				if !e.failover(l, cfg) {
					resp.Send(502, "text/plain", []byte("Bad Gateway"))
					return httpx.OK, nil, nil
				}
				continue
			}
			if !drained {
				return httpx.Again, peerHandle(l.peer, false, true), nil
			}
			l.state = legReceiving

		case legReceiving:
			failoverEligible := l.parser.beforeBody()
			_, eof, err := l.in.Read(l.peer.Socket().FD())
			if err != nil {
				if err == syscall.EAGAIN {
					return httpx.Again, peerHandle(l.peer, true, false), nil
				}
				if failoverEligible && e.failover(l, cfg) {
					continue
				}
				resp.Send(502, "text/plain", []byte("Bad Gateway"))
				return httpx.OK, nil, nil
			}

			status, perr := l.parser.Parse(l.in, eof)
			if perr != nil {
				l.peer.Close()
				resp.Send(502, "text/plain", []byte("Bad Gateway"))
				return httpx.OK, nil, nil
			}
			if status == httpx.Again {
				if eof {
					l.peer.Close()
					resp.Send(502, "text/plain", []byte("Bad Gateway"))
					return httpx.OK, nil, nil
				}
				return httpx.Again, peerHandle(l.peer, true, false), nil
			}
			e.finish(l, req, resp)
			l.state = legParsed

		case legParsed:
			return httpx.OK, nil, nil
		}
	}
}

// failover releases the failed peer and tries to connect a replacement,
// bounded by MaxFailovers. Only errors observed before response headers
// arrive are eligible; after that the error surfaces to the client.
func (e *Engine) failover(l *leg, cfg Config) bool {
	if l.peer != nil {
		l.peer.Close()
	}
	if l.failovers >= cfg.MaxFailovers {
		return false
	}
	l.failovers++

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	peer, err := l.target.Connect(timeout)
	if err != nil {
		return false
	}
	l.peer = peer
	l.state = legConnecting
	l.out.Reset()
	l.outPos = 0
	l.in.Reset()
	l.parser = newResponseParser()
	return true
}

// finish stages the fully-parsed upstream response onto the client
// response and hands the peer back to its pool (or closes it when the
// upstream disqualified itself from keepalive reuse). The chunked or
// close-delimited body has already been rebuffered to a known length by
// the parser, so the client always sees a plain Content-Length.
func (e *Engine) finish(l *leg, req *httpx.Request, resp *httpx.Response) {
	p := l.parser
	req.Vars["upstream_name"] = l.target.Name
	req.Vars["upstream_addr"] = l.peer.Addr()
	req.Vars["upstream_status"] = strconv.Itoa(p.Status)
	req.Vars["upstream_response_time"] = time.Since(l.started).String()

	for name, values := range p.Headers {
		if isHopByHop(name) || strings.EqualFold(name, "content-length") {
			continue
		}
		for _, v := range values {
			resp.Headers.Add(name, v)
		}
	}
	resp.Send(p.Status, p.Headers.Get("Content-Type"), p.Body)

	if p.KeepAlive {
		l.peer.MarkServed()
		l.peer.Release()
	} else {
		l.peer.Close()
	}
}

// prepareRequest serializes the request line, headers (minus
// connection-management hop-by-hop fields), and body into the leg's
// outbound buffer, with the request line carrying the pipeline's
// rewritten URI and the forwarded query string.
func prepareRequest(l *leg, req *httpx.Request) {
	// RequestURI re-encodes the decoded path and carries the query
	// string forward verbatim.
	l.out.Extend([]byte(req.Method + " " + req.RequestURI() + " " + req.Protocol + "\r\n"))

	for name, values := range req.Headers {
		// Content-Length is re-derived below from the buffered body.
		if isHopByHop(name) || strings.EqualFold(name, "content-length") {
			continue
		}
		for _, v := range values {
			l.out.Extend([]byte(canonicalHeader(name) + ": " + v + "\r\n"))
		}
	}
	l.out.Extend([]byte("Connection: close\r\n"))
	if len(req.Body) > 0 {
		l.out.Extend([]byte("Content-Length: " + strconv.Itoa(len(req.Body)) + "\r\n"))
	}
	l.out.Extend([]byte("\r\n"))
	if len(req.Body) > 0 {
		l.out.Extend(req.Body)
	}
}

func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	// Expect is satisfied on the client leg already; the body is fully
	// buffered before a peer is dialed.
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "expect":
		return true
	default:
		return false
	}
}

func canonicalHeader(lower string) string {
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

func peerHandle(p *upstream.Peer, readable, writable bool) *httpx.ProxyHandle {
	return &httpx.ProxyHandle{FD: p.Socket().FD(), Readable: readable, Writable: writable, Owner: p}
}
