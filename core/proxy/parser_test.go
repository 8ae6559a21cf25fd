package proxy

import (
	"fmt"
	"testing"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/httpx"
)

func parseAll(t *testing.T, raw string, closed bool) *responseParser {
	t.Helper()
	p := newResponseParser()
	buf := buffer.New()
	buf.Extend([]byte(raw))
	status, err := p.Parse(buf, closed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if status != httpx.OK {
		t.Fatalf("status = %v, want OK", status)
	}
	return p
}

func TestParseContentLengthResponse(t *testing.T) {
	p := parseAll(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", false)
	if p.Status != 200 || string(p.Body) != "hello" {
		t.Fatalf("status=%d body=%q", p.Status, p.Body)
	}
	if !p.KeepAlive {
		t.Fatal("HTTP/1.1 with length must be keepalive-eligible")
	}
}

func TestParseChunkedResponse(t *testing.T) {
	// Scenario: chunks "abc", "de", "" rebuffer to body "abcde".
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n"
	p := parseAll(t, raw, false)
	if string(p.Body) != "abcde" {
		t.Fatalf("body = %q, want abcde", p.Body)
	}
	if !p.Chunked {
		t.Fatal("Chunked flag not set")
	}
}

func TestParseChunkedIncremental(t *testing.T) {
	p := newResponseParser()
	buf := buffer.New()

	pieces := []string{
		"HTTP/1.1 200 OK\r\nTransfer-Enco",
		"ding: chunked\r\n\r\n3\r\nab",
		"c\r\n2\r\nde\r\n",
		"0\r\n\r\n",
	}
	for i, piece := range pieces {
		buf.Extend([]byte(piece))
		status, err := p.Parse(buf, false)
		if err != nil {
			t.Fatalf("piece %d: %v", i, err)
		}
		if i < len(pieces)-1 {
			if status != httpx.Again {
				t.Fatalf("piece %d: status = %v, want Again", i, status)
			}
		} else if status != httpx.OK {
			t.Fatalf("final piece: status = %v, want OK", status)
		}
	}
	if string(p.Body) != "abcde" {
		t.Fatalf("body = %q", p.Body)
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	// Serialize an arbitrary byte stream as chunks, parse it back.
	payload := []byte("The quick brown fox\x00\x01\x02 jumps over the lazy dog")
	var wire string
	for i := 0; i < len(payload); i += 7 {
		end := i + 7
		if end > len(payload) {
			end = len(payload)
		}
		wire += fmt.Sprintf("%x\r\n%s\r\n", end-i, payload[i:end])
	}
	wire += "0\r\n\r\n"

	p := parseAll(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+wire, false)
	if string(p.Body) != string(payload) {
		t.Fatalf("round trip: %q != %q", p.Body, payload)
	}
}

func TestParseCloseDelimited(t *testing.T) {
	p := newResponseParser()
	buf := buffer.New()
	buf.Extend([]byte("HTTP/1.0 200 OK\r\n\r\npartial bo"))

	status, err := p.Parse(buf, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if status != httpx.Again {
		t.Fatalf("open close-delimited body: status = %v, want Again", status)
	}

	buf.Extend([]byte("dy"))
	status, err = p.Parse(buf, true)
	if err != nil || status != httpx.OK {
		t.Fatalf("after close: status=%v err=%v", status, err)
	}
	if string(p.Body) != "partial body" {
		t.Fatalf("body = %q", p.Body)
	}
	if p.KeepAlive {
		t.Fatal("close-delimited peer must not be keepalive-eligible")
	}
}

func TestConnectionCloseDisablesKeepalive(t *testing.T) {
	p := parseAll(t, "HTTP/1.1 204 NO CONTENT\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", false)
	if p.KeepAlive {
		t.Fatal("Connection: close must disable keepalive reuse")
	}
}

func TestTruncatedContentLengthIsError(t *testing.T) {
	p := newResponseParser()
	buf := buffer.New()
	buf.Extend([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort"))

	if status, err := p.Parse(buf, false); err != nil || status != httpx.Again {
		t.Fatalf("open body: status=%v err=%v", status, err)
	}
	if _, err := p.Parse(buf, true); err == nil {
		t.Fatal("EOF before content-length satisfied must error")
	}
}

func TestBeforeBodyWindow(t *testing.T) {
	p := newResponseParser()
	if !p.beforeBody() {
		t.Fatal("fresh parser is failover-eligible")
	}
	buf := buffer.New()
	buf.Extend([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))
	p.Parse(buf, false)
	if p.beforeBody() {
		t.Fatal("after headers the failover window is shut")
	}
}
