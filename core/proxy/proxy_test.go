package proxy

import (
	"bufio"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/upstream"
)

// backend serves one canned HTTP response per connection.
func backend(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
				}
				c.Write([]byte(response))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func proxyRequest(t *testing.T) *httpx.Request {
	t.Helper()
	req := httpx.NewRequest()
	buf := buffer.New()
	buf.Extend([]byte("GET /api HTTP/1.1\r\nHost: x\r\n\r\n"))
	status, err := req.Parse(buf, nil)
	if err != nil || status != httpx.OK {
		t.Fatalf("parse fixture: status=%v err=%v", status, err)
	}
	return req
}

// runLeg drives the proxy flush handler to completion the way the
// reactor would, one turn at a time, and returns the client wire bytes.
func runLeg(t *testing.T, req *httpx.Request, resp *httpx.Response) string {
	t.Helper()

	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])
	syscall.SetNonblock(fds[1], true)

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, _, err := resp.Flush(fds[1])
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		if status == httpx.OK || status == httpx.Declined {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("proxy leg did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := make([]byte, 64*1024)
	n, _ := syscall.Read(fds[0], out)
	return string(out[:n])
}

func TestProxyChunkedPassthrough(t *testing.T) {
	// Scenario: upstream sends chunks "abc", "de", ""; the client sees
	// body "abcde" with a known Content-Length.
	addr := backend(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n")

	e := NewEngine(nil)
	handler := e.Handler(Config{Pass: httpx.Simple(addr), ProxyTimeout: 2 * time.Second})

	req := proxyRequest(t)
	resp := httpx.NewResponse(req, buffer.New())
	if err := handler(req, resp); err != nil {
		t.Fatalf("handler: %v", err)
	}

	wire := runLeg(t, req, resp)
	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", wire)
	}
	if !strings.Contains(wire, "Content-Length: 5\r\n") {
		t.Fatalf("rebuffered length missing: %q", wire)
	}
	if !strings.HasSuffix(wire, "\r\n\r\nabcde") {
		t.Fatalf("body: %q", wire)
	}
	if req.Vars["upstream_status"] != "200" {
		t.Errorf("upstream_status = %q", req.Vars["upstream_status"])
	}
	if req.Vars["upstream_addr"] != addr {
		t.Errorf("upstream_addr = %q, want %q", req.Vars["upstream_addr"], addr)
	}
}

func TestProxyFailoverToBackup(t *testing.T) {
	// Scenario: the primary is unreachable; the request must succeed via
	// the backup, with upstream_addr pointing at it.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	liveAddr := backend(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	e := NewEngine(nil)
	e.RegisterUpstream(upstream.NewUpstream("nginx", upstream.NewRoundRobinBalancer(), nil,
		[]string{deadAddr}, []string{liveAddr}))

	handler := e.Handler(Config{Pass: httpx.Simple("nginx"), ProxyTimeout: 2 * time.Second})

	req := proxyRequest(t)
	resp := httpx.NewResponse(req, buffer.New())
	if err := handler(req, resp); err != nil {
		t.Fatalf("handler: %v", err)
	}

	wire := runLeg(t, req, resp)
	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", wire)
	}
	if req.Vars["upstream_addr"] != liveAddr {
		t.Errorf("upstream_addr = %q, want backup %q", req.Vars["upstream_addr"], liveAddr)
	}
	if req.Vars["upstream_status"] != "200" {
		t.Errorf("upstream_status = %q", req.Vars["upstream_status"])
	}
}

func TestProxyAllServersDownIs502(t *testing.T) {
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	e := NewEngine(nil)
	handler := e.Handler(Config{Pass: httpx.Simple(deadAddr), ProxyTimeout: time.Second})

	req := proxyRequest(t)
	resp := httpx.NewResponse(req, buffer.New())
	if err := handler(req, resp); err != nil {
		t.Fatalf("handler: %v", err)
	}

	wire := runLeg(t, req, resp)
	if !strings.Contains(wire, "502 BAD GATEWAY") {
		t.Fatalf("expected a 502, got %q", wire)
	}
}

func TestProxyPassExpandsPerRequest(t *testing.T) {
	addr := backend(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	e := NewEngine(nil)
	handler := e.Handler(Config{Pass: httpx.Composite("${target}"), ProxyTimeout: 2 * time.Second})

	req := proxyRequest(t)
	req.Vars["target"] = addr
	resp := httpx.NewResponse(req, buffer.New())
	if err := handler(req, resp); err != nil {
		t.Fatalf("handler: %v", err)
	}

	wire := runLeg(t, req, resp)
	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", wire)
	}
}
