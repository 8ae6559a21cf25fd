package pipeline

import (
	"fmt"

	"github.com/searchktools/fastgate/core/httpx"
)

// maxRewrites bounds the rewrite-restart loop so a cycle of rewrites
// cannot spin the pipeline forever.
const maxRewrites = 10

// Execute runs the full phase sequence for one request against server,
// resolving (and re-resolving, on rewrite) a route from server.Routes,
// then handing off to the matched or default content handler. It
// registers header-filter/body-filter/flush/log handlers onto resp in
// server-then-route order before the content handler runs, so a
// streaming content handler (the proxy) can itself enqueue further
// flush handlers without disturbing that ordering.
func Execute(server *ServerContext, req *httpx.Request, resp *httpx.Response) (*RouteContext, error) {
	uri := req.EffectiveURI()

	for attempt := 0; attempt < maxRewrites; attempt++ {
		route := resolveRoute(server, req, uri)

		runHandlers(server.SetVar, req, resp)

		if restarted := runRewrite(server, route, req, resp); restarted {
			uri = req.EffectiveURI()
			continue
		}

		priorURI := req.EffectiveURI()
		if denied := runAccess(server, route, req, resp); denied {
			if req.EffectiveURI() != priorURI {
				uri = req.EffectiveURI()
				continue
			}
			registerFilters(server, route, resp)
			resp.Send(401, "text/plain", []byte("Unauthorized"))
			return route, nil
		}

		content := server.DefaultContent
		if route != nil && route.Content != nil {
			content = route.Content
		}

		registerFilters(server, route, resp)

		if content == nil {
			resp.Send(404, "text/plain", []byte("Not Found"))
			return route, nil
		}
		return route, content(req, resp)
	}

	resp.Send(500, "text/plain", []byte("Internal Server Error"))
	return nil, fmt.Errorf("pipeline: rewrite loop exceeded %d restarts for %q", maxRewrites, req.URI)
}

func resolveRoute(server *ServerContext, req *httpx.Request, uri string) *RouteContext {
	if server.Routes == nil {
		return nil
	}
	match, ok := server.Routes.Resolve(req.Method, uri)
	if !ok {
		return nil
	}
	for name, val := range match.Vars {
		req.Vars[name] = val
	}
	route, _ := match.Value.(*RouteContext)
	return route
}

func runHandlers(handlers []Handler, req *httpx.Request, resp *httpx.Response) {
	for _, h := range handlers {
		h(req, resp)
	}
}

// runRewrite runs server-scope then route-scope rewrite handlers,
// stopping at the first one that returns Again (meaning it changed the
// request's RewrittenURI and wants routing restarted).
func runRewrite(server *ServerContext, route *RouteContext, req *httpx.Request, resp *httpx.Response) (restarted bool) {
	for _, h := range server.Rewrite {
		if h(req, resp) == httpx.Again {
			return true
		}
	}
	if route == nil {
		return false
	}
	for _, h := range route.Rewrite {
		if h(req, resp) == httpx.Again {
			return true
		}
	}
	return false
}

// runAccess runs server-scope then route-scope access handlers,
// returning true (denied) on the first Again. The caller distinguishes
// "deny with 401" from "access handler rewrote the URI, restart
// routing" by comparing the request's EffectiveURI before and after.
func runAccess(server *ServerContext, route *RouteContext, req *httpx.Request, resp *httpx.Response) (denied bool) {
	for _, h := range server.Access {
		if h(req, resp) == httpx.Again {
			return true
		}
	}
	if route == nil {
		return false
	}
	for _, h := range route.Access {
		if h(req, resp) == httpx.Again {
			return true
		}
	}
	return false
}

// registerFilters attaches header-filter, body-filter, flush, and log
// handlers onto resp in server-then-route order, idempotently per
// attempt (a restarted pipeline re-resolves and re-registers from
// scratch against a fresh Response per request).
func registerFilters(server *ServerContext, route *RouteContext, resp *httpx.Response) {
	resp.HeaderFilters = append(resp.HeaderFilters, server.HeaderFilters...)
	resp.BodyFilters = append(resp.BodyFilters, server.BodyFilters...)
	resp.FlushHandlers = append(resp.FlushHandlers, server.Flush...)

	if route == nil {
		return
	}
	resp.HeaderFilters = append(resp.HeaderFilters, route.HeaderFilters...)
	resp.BodyFilters = append(resp.BodyFilters, route.BodyFilters...)
	resp.FlushHandlers = append(resp.FlushHandlers, route.Flush...)
}

// RunLog invokes every log handler registered for this request/response
// (server then route), called by the reactor once the response has
// fully drained.
func RunLog(server *ServerContext, route *RouteContext, req *httpx.Request, resp *httpx.Response) {
	for _, h := range server.Log {
		h(req, resp)
	}
	if route == nil {
		return
	}
	for _, h := range route.Log {
		h(req, resp)
	}
}
