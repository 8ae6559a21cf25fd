package httpx

import (
	"strings"
	"testing"

	"github.com/searchktools/fastgate/core/buffer"
)

func feed(t *testing.T, req *Request, raw string) (Status, error) {
	t.Helper()
	buf := buffer.New()
	buf.Extend([]byte(raw))
	return req.Parse(buf, nil)
}

func TestParseSimpleGet(t *testing.T) {
	req := NewRequest()
	status, err := feed(t, req, "GET /ping HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if err != nil || status != OK {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if req.Method != "GET" || req.URI != "/ping" || req.Protocol != "HTTP/1.1" {
		t.Fatalf("parsed %s %s %s", req.Method, req.URI, req.Protocol)
	}
	if req.Host != "example.com" {
		t.Fatalf("Host = %q", req.Host)
	}
	if req.Malformed {
		t.Fatal("unexpected malformed flag")
	}
}

func TestParseQueryArgs(t *testing.T) {
	req := NewRequest()
	status, err := feed(t, req, "GET /search?q=a%20b&page=2 HTTP/1.1\r\nHost: x\r\n\r\n")
	if err != nil || status != OK {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if req.URI != "/search" {
		t.Fatalf("URI = %q", req.URI)
	}
	if req.RawQuery != "q=a%20b&page=2" {
		t.Fatalf("RawQuery = %q (must be preserved verbatim)", req.RawQuery)
	}
	if req.QueryArgs.Get("q") != "a b" || req.QueryArgs.Get("page") != "2" {
		t.Fatalf("QueryArgs = %v", req.QueryArgs)
	}
	if req.RequestURI() != "/search?q=a%20b&page=2" {
		t.Fatalf("RequestURI = %q", req.RequestURI())
	}
}

func TestParseIncremental(t *testing.T) {
	req := NewRequest()
	buf := buffer.New()

	buf.Extend([]byte("POST /submit HT"))
	status, err := req.Parse(buf, nil)
	if err != nil || status != Again {
		t.Fatalf("partial request line: status=%v err=%v", status, err)
	}

	buf.Extend([]byte("TP/1.1\r\nContent-Length: 4\r\n\r\nbo"))
	status, err = req.Parse(buf, nil)
	if err != nil || status != Again {
		t.Fatalf("partial body: status=%v err=%v", status, err)
	}

	buf.Extend([]byte("dy"))
	status, err = req.Parse(buf, nil)
	if err != nil || status != OK {
		t.Fatalf("complete: status=%v err=%v", status, err)
	}
	if string(req.Body) != "body" {
		t.Fatalf("Body = %q", req.Body)
	}
}

func TestParseUnsupportedMethodIsFatal(t *testing.T) {
	req := NewRequest()
	_, err := feed(t, req, "BREW /pot HTTP/1.1\r\n\r\n")
	if err == nil {
		t.Fatal("unrecognized method must be a fatal error")
	}
}

func TestParseBadProtocolIsMalformed(t *testing.T) {
	req := NewRequest()
	status, err := feed(t, req, "GET / HTTP/2.0\r\nHost: x\r\n\r\n")
	if err != nil || status != OK {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if !req.Malformed {
		t.Fatal("unknown protocol must mark the request malformed, not fatal")
	}
}

func TestParseHeaderWithoutKeyIsMalformed(t *testing.T) {
	req := NewRequest()
	status, err := feed(t, req, "GET / HTTP/1.1\r\n: nokey\r\n\r\n")
	if err != nil || status != OK {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if !req.Malformed {
		t.Fatal("colon without key must mark the request malformed")
	}
}

func TestParseEmptyBufferDeclined(t *testing.T) {
	req := NewRequest()
	buf := buffer.New()
	status, err := req.Parse(buf, nil)
	if err != nil || status != Declined {
		t.Fatalf("status=%v err=%v, want Declined", status, err)
	}
}

func TestExpectContinue(t *testing.T) {
	req := NewRequest()
	buf := buffer.New()
	buf.Extend([]byte("PUT /up HTTP/1.1\r\nContent-Length: 2\r\nExpect: 100-continue\r\n\r\n"))

	var interim []byte
	status, err := req.Parse(buf, func(p []byte) error {
		interim = append(interim, p...)
		return nil
	})
	if err != nil || status != Again {
		t.Fatalf("status=%v err=%v, want Again while waiting for body", status, err)
	}
	want := "HTTP/1.1 100 Continue\r\ncontent-length: 0\r\n\r\n"
	if string(interim) != want {
		t.Fatalf("interim = %q", interim)
	}

	buf.Extend([]byte("ok"))
	status, err = req.Parse(buf, nil)
	if err != nil || status != OK {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if string(req.Body) != "ok" {
		t.Fatalf("Body = %q", req.Body)
	}
	if strings.Count(string(interim), "100 Continue") != 1 {
		t.Fatal("interim reply must be sent exactly once")
	}
}

func TestHostHeaderOverride(t *testing.T) {
	req := NewRequest()
	status, err := feed(t, req, "GET / HTTP/1.1\r\nHost: vhost.example\r\n\r\n")
	if err != nil || status != OK {
		t.Fatalf("status=%v err=%v", status, err)
	}
	if req.Host != "vhost.example" {
		t.Fatalf("Host = %q", req.Host)
	}
}

func TestResetReuse(t *testing.T) {
	req := NewRequest()
	if status, err := feed(t, req, "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"); err != nil || status != OK {
		t.Fatalf("first parse failed: %v %v", status, err)
	}
	req.Reset()
	if status, err := feed(t, req, "GET /b HTTP/1.1\r\nHost: y\r\n\r\n"); err != nil || status != OK {
		t.Fatalf("second parse failed: %v %v", status, err)
	}
	if req.URI != "/b" || req.Host != "y" {
		t.Fatalf("stale state after Reset: %s %s", req.URI, req.Host)
	}
}
