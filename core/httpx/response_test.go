package httpx

import (
	"strings"
	"syscall"
	"testing"

	"github.com/searchktools/fastgate/core/buffer"
)

func testRequest(t *testing.T, raw string) *Request {
	t.Helper()
	req := NewRequest()
	buf := buffer.New()
	buf.Extend([]byte(raw))
	status, err := req.Parse(buf, nil)
	if err != nil || status != OK {
		t.Fatalf("parse fixture: status=%v err=%v", status, err)
	}
	return req
}

// drain flushes the response through a pipe and returns the wire bytes.
func drain(t *testing.T, resp *Response) string {
	t.Helper()
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	status, peer, err := resp.Flush(fds[1])
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if peer != nil {
		t.Fatal("no peer expected")
	}
	if status != OK && status != Declined {
		t.Fatalf("flush status = %v", status)
	}

	out := make([]byte, 64*1024)
	n, _ := syscall.Read(fds[0], out)
	return string(out[:n])
}

func TestSendKnownLength(t *testing.T) {
	req := testRequest(t, "GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.Send(200, "text/plain", []byte("echo:GET"))

	wire := drain(t, resp)
	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", wire)
	}
	if !strings.Contains(wire, "Content-Length: 8\r\n") {
		t.Fatalf("missing content-length: %q", wire)
	}
	if !strings.Contains(wire, "Connection: keep-alive\r\n") {
		t.Fatalf("missing keep-alive: %q", wire)
	}
	if !strings.HasSuffix(wire, "\r\n\r\necho:GET") {
		t.Fatalf("body framing: %q", wire)
	}
	if resp.Closed() {
		t.Fatal("keep-alive response must not be marked closed")
	}
}

func TestChunkedStreaming(t *testing.T) {
	req := testRequest(t, "GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.Status = 200

	if err := resp.SendBodyChunk([]byte("abc")); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if err := resp.SendBodyChunk([]byte("de")); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if err := resp.SendBodyChunk(nil); err != nil {
		t.Fatalf("terminator: %v", err)
	}

	wire := drain(t, resp)
	if !strings.Contains(wire, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("missing chunked framing: %q", wire)
	}
	if !strings.Contains(wire, "3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n") {
		t.Fatalf("chunk stream: %q", wire)
	}
}

func TestHTTP10CloseDelimited(t *testing.T) {
	req := testRequest(t, "GET / HTTP/1.0\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.Status = 200
	if err := resp.FlushHeaders(); err != nil {
		t.Fatalf("flush headers: %v", err)
	}
	if !resp.Closed() {
		t.Fatal("HTTP/1.0 without length must close-delimit")
	}
}

func TestHTTP10AlwaysCloses(t *testing.T) {
	// A keep-alive request header does not override the protocol rule.
	req := testRequest(t, "GET / HTTP/1.0\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.Send(200, "text/plain", []byte("hi"))

	wire := drain(t, resp)
	if !strings.Contains(wire, "Connection: close\r\n") {
		t.Fatalf("HTTP/1.0 response must carry Connection: close: %q", wire)
	}
	if !resp.Closed() {
		t.Fatal("HTTP/1.0 response must be marked closed")
	}
}

func TestNoContentDropsFraming(t *testing.T) {
	req := testRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.SendNoContent()

	wire := drain(t, resp)
	if !strings.HasPrefix(wire, "HTTP/1.1 204 NO CONTENT\r\n") {
		t.Fatalf("status line: %q", wire)
	}
	if strings.Contains(wire, "Content-Length") || strings.Contains(wire, "Transfer-Encoding") {
		t.Fatalf("204 must carry no framing headers: %q", wire)
	}
}

func TestForceCloseWins(t *testing.T) {
	req := testRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.ForceClose()
	resp.Send(400, "text/plain", []byte("Bad Request"))

	wire := drain(t, resp)
	if !strings.Contains(wire, "Connection: close\r\n") {
		t.Fatalf("forced close missing: %q", wire)
	}
	if !resp.Closed() {
		t.Fatal("forced response must be marked closed")
	}
}

func TestHeaderFiltersSeeFinalFraming(t *testing.T) {
	req := testRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.Send(200, "text/plain", []byte("hi"))

	var observed []string
	resp.HeaderFilters = append(resp.HeaderFilters, func(r *Response) error {
		observed = append(observed, r.Headers.Get("Content-Length"))
		return nil
	})

	if err := resp.FlushHeaders(); err != nil {
		t.Fatalf("flush headers: %v", err)
	}
	// Two passes: the first before framing is final, the second after.
	if len(observed) != 2 {
		t.Fatalf("filter ran %d times, want 2", len(observed))
	}
	if observed[1] != "2" {
		t.Fatalf("second pass saw Content-Length %q, want 2", observed[1])
	}
}

func TestBodyFilterRewritesChunk(t *testing.T) {
	req := testRequest(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := NewResponse(req, buffer.New())
	resp.Status = 200
	resp.BodyFilters = append(resp.BodyFilters, func(r *Response, chunk []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(chunk))), nil
	})

	if err := resp.SendBodyChunk([]byte("abc")); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if err := resp.SendBodyChunk(nil); err != nil {
		t.Fatalf("terminator: %v", err)
	}

	wire := drain(t, resp)
	if !strings.Contains(wire, "3\r\nABC\r\n") {
		t.Fatalf("filtered chunk missing: %q", wire)
	}
}
