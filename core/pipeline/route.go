// Package pipeline composes the request phases (setvar, rewrite,
// access, content, header-filter, body-filter, log) around a route
// resolved from a core/router.Set, restarting route lookup when a
// rewrite changes the URI.
package pipeline

import (
	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/router"
)

// Handler is a setvar/rewrite/access phase function. It returns
// httpx.Again to signal "rerun routing" (rewrite) or "deny" (access);
// any other status lets the pipeline continue to the next handler.
type Handler func(*httpx.Request, *httpx.Response) httpx.Status

// ContentHandler produces the response body for a matched route (echo,
// index, proxy, or a server's default). Errors abort the response with
// a 500; content handlers that need multiple reactor turns (the proxy
// engine) register a FlushHandler on the response instead of blocking
// here.
type ContentHandler func(*httpx.Request, *httpx.Response) error

// LogHandler runs once a response has fully drained. It never affects
// response content and must not itself be asynchronous with respect to
// the connection's state teardown.
type LogHandler func(*httpx.Request, *httpx.Response)

// RouteContext holds a single route's phase handler lists, its content
// handler, and an optional binding used for error-log correlation. It
// is stored as the generic value inside router.MatchResult, keeping
// core/router free of any dependency on this package.
type RouteContext struct {
	Host    string
	Pattern string
	Method  string

	Rewrite []Handler
	Access  []Handler
	Content ContentHandler

	HeaderFilters []httpx.HeaderFilter
	BodyFilters   []httpx.BodyFilter
	Flush         []func(*httpx.Response) (httpx.Status, *httpx.ProxyHandle, error)
	Log           []LogHandler

	ErrorLog string
}

// ServerContext is the per (listen-addr, virtual-host) bundle of
// server-scope phase handlers plus the route set they front.
type ServerContext struct {
	Bind        string
	VirtualHost string

	KeepaliveRequests uint64

	SetVar  []Handler
	Rewrite []Handler
	Access  []Handler

	DefaultContent ContentHandler

	HeaderFilters []httpx.HeaderFilter
	BodyFilters   []httpx.BodyFilter
	Flush         []func(*httpx.Response) (httpx.Status, *httpx.ProxyHandle, error)
	Log           []LogHandler

	Routes   *router.Set
	ErrorLog string
}
