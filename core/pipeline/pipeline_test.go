package pipeline

import (
	"testing"

	"github.com/searchktools/fastgate/core/buffer"
	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/router"
)

func testRequest(t *testing.T, method, uri string) (*httpx.Request, *httpx.Response) {
	t.Helper()
	req := httpx.NewRequest()
	buf := buffer.New()
	buf.Extend([]byte(method + " " + uri + " HTTP/1.1\r\nHost: x\r\n\r\n"))
	status, err := req.Parse(buf, nil)
	if err != nil || status != httpx.OK {
		t.Fatalf("parse fixture: status=%v err=%v", status, err)
	}
	return req, httpx.NewResponse(req, buffer.New())
}

func echoServer(t *testing.T, routes map[string]*RouteContext) *ServerContext {
	t.Helper()
	set := router.NewSet()
	for pattern, rctx := range routes {
		if err := set.Add(pattern, router.AnyMethod, rctx); err != nil {
			t.Fatalf("add %q: %v", pattern, err)
		}
	}
	return &ServerContext{Routes: set}
}

func TestEchoRoute(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{
		"/ping": {Pattern: "/ping", Content: NewEchoHandler("echo:GET", 200)},
	})

	req, resp := testRequest(t, "GET", "/ping")
	route, err := Execute(server, req, resp)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route == nil || route.Pattern != "/ping" {
		t.Fatalf("route = %+v", route)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestCaptureVariableExpansion(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{
		"/api/customers/{customer_id}/*": {
			Pattern: "/api/customers/{customer_id}/*",
			Content: NewEchoHandler("CUSTOMER_ID=${customer_id}", 200),
		},
	})

	req, resp := testRequest(t, "GET", "/api/customers/42/orders")
	if _, err := Execute(server, req, resp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if req.Vars["customer_id"] != "42" {
		t.Fatalf("captured var = %q", req.Vars["customer_id"])
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestNamedRewrite(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{
		"/to_internal": {
			Pattern: "/to_internal",
			Rewrite: []Handler{NewRewriteHandler("@internal")},
		},
		"@internal": {
			Pattern: "@internal",
			Content: NewEchoHandler("Hello from internal!", 200),
		},
	})

	req, resp := testRequest(t, "GET", "/to_internal")
	route, err := Execute(server, req, resp)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if route == nil || route.Pattern != "@internal" {
		t.Fatalf("route = %+v, want @internal", route)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestRewriteLoopCapped(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{})
	// A server-scope rewrite that flips between two URIs forever.
	n := 0
	server.Rewrite = []Handler{func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		n++
		if req.RewrittenURI == "/a" {
			req.RewrittenURI = "/b"
		} else {
			req.RewrittenURI = "/a"
		}
		return httpx.Again
	}}

	req, resp := testRequest(t, "GET", "/start")
	if _, err := Execute(server, req, resp); err == nil {
		t.Fatal("unbounded rewrite loop must error")
	}
	if resp.Status != 500 {
		t.Fatalf("status = %d, want 500", resp.Status)
	}
	if n > 10 {
		t.Fatalf("rewrite ran %d times, cap is 10", n)
	}
}

func TestAccessDeniedIs401(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{
		"/secret": {
			Pattern: "/secret",
			Access:  []Handler{NewBasicAuthHandler("user:pass")},
			Content: NewEchoHandler("secret", 200),
		},
	})

	req, resp := testRequest(t, "GET", "/secret")
	if _, err := Execute(server, req, resp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != 401 {
		t.Fatalf("status = %d, want 401", resp.Status)
	}
}

func TestAccessGrantedWithCredentials(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{
		"/secret": {
			Pattern: "/secret",
			Access:  []Handler{NewBasicAuthHandler("user:pass")},
			Content: NewEchoHandler("secret", 200),
		},
	})

	req, resp := testRequest(t, "GET", "/secret")
	// base64("user:pass")
	req.Headers.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := Execute(server, req, resp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestNoRouteIs404(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{})
	req, resp := testRequest(t, "GET", "/nowhere")
	if _, err := Execute(server, req, resp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != 404 {
		t.Fatalf("status = %d, want 404", resp.Status)
	}
}

func TestFilterRegistrationOrder(t *testing.T) {
	var order []string
	server := echoServer(t, map[string]*RouteContext{
		"/f": {
			Pattern: "/f",
			Content: NewEchoHandler("x", 200),
			HeaderFilters: []httpx.HeaderFilter{func(*httpx.Response) error {
				order = append(order, "route")
				return nil
			}},
		},
	})
	server.HeaderFilters = []httpx.HeaderFilter{func(*httpx.Response) error {
		order = append(order, "server")
		return nil
	}}

	req, resp := testRequest(t, "GET", "/f")
	if _, err := Execute(server, req, resp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := resp.FlushHeaders(); err != nil {
		t.Fatalf("flush headers: %v", err)
	}
	// Two filter passes around framing, each server-then-route.
	if len(order) != 4 || order[0] != "server" || order[1] != "route" {
		t.Fatalf("filter order = %v", order)
	}
}

func TestSetvarThenEcho(t *testing.T) {
	server := echoServer(t, map[string]*RouteContext{
		"/greet": {Pattern: "/greet", Content: NewEchoHandler("hi ${who}", 200)},
	})
	server.SetVar = []Handler{NewSetvarHandler("who", "world")}

	req, resp := testRequest(t, "GET", "/greet")
	if _, err := Execute(server, req, resp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if req.Vars["who"] != "world" {
		t.Fatalf("setvar did not run: %v", req.Vars)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestLogHandlersRunServerThenRoute(t *testing.T) {
	var order []string
	route := &RouteContext{
		Pattern: "/l",
		Content: NewEchoHandler("x", 200),
		Log:     []LogHandler{func(*httpx.Request, *httpx.Response) { order = append(order, "route") }},
	}
	server := echoServer(t, map[string]*RouteContext{"/l": route})
	server.Log = []LogHandler{func(*httpx.Request, *httpx.Response) { order = append(order, "server") }}

	req, resp := testRequest(t, "GET", "/l")
	got, err := Execute(server, req, resp)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	RunLog(server, got, req, resp)
	if len(order) != 2 || order[0] != "server" || order[1] != "route" {
		t.Fatalf("log order = %v", order)
	}
}
