package pipeline

import (
	"encoding/base64"
	"path/filepath"
	"strings"

	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/sendfile"
)

// NewEchoHandler builds the "echo{text, status}" content handler: text
// may contain "${name}" references resolved against the request's
// captured route vars.
func NewEchoHandler(text string, status int) ContentHandler {
	v := httpx.Composite(text)
	if status == 0 {
		status = 200
	}
	return func(req *httpx.Request, resp *httpx.Response) error {
		body := v.Expand(req, nil)
		resp.Send(status, "text/plain", []byte(body))
		return nil
	}
}

// NewIndexHandler builds the "index" static-file content handler: it
// serves root joined with the request's effective URI out of a shared
// sendfile.FileCache, answering 403 when the path escapes root and 404
// when the file doesn't exist or can't be stat'ed.
func NewIndexHandler(root string, cache *sendfile.FileCache) ContentHandler {
	return func(req *httpx.Request, resp *httpx.Response) error {
		rel := strings.TrimPrefix(req.EffectiveURI(), "/")
		clean := filepath.Clean(filepath.Join(root, rel))
		if !strings.HasPrefix(clean, filepath.Clean(root)) {
			resp.Send(403, "text/plain", []byte("Forbidden"))
			return nil
		}
		f, err := cache.Get(clean)
		if err != nil {
			resp.Send(404, "text/plain", []byte("Not Found"))
			return nil
		}
		info, err := f.Stat()
		if err != nil {
			resp.Send(404, "text/plain", []byte("Not Found"))
			return nil
		}
		return resp.SendFileHandle(f, info.Size(), sendfile.GetContentType(clean))
	}
}

// NewBasicHandler is the stub authentication access handler: it denies
// unless the configured credential header is present and matches,
// never attempting real credential storage or hashing.
func NewBasicHandler(header, expected string) Handler {
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		if req.Headers.Get(header) == expected {
			return httpx.OK
		}
		resp.Headers.Set("WWW-Authenticate", `Basic realm="restricted"`)
		return httpx.Again
	}
}

// NewSetvarHandler builds a setvar phase handler from a config-level
// name/value-template pair (the "vars{}" server option).
func NewSetvarHandler(name, template string) Handler {
	v := httpx.Composite(template)
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		req.Vars[name] = v.Expand(req, nil)
		return httpx.OK
	}
}

// NewRewriteHandler builds a "rewrite: <target>" phase handler. target
// may itself contain "${name}" references; the handler sets the
// request's RewrittenURI and returns Again, which the pipeline
// interprets as "restart routing".
func NewRewriteHandler(target string) Handler {
	v := httpx.Composite(target)
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		next := v.Expand(req, nil)
		if next == req.EffectiveURI() {
			return httpx.OK
		}
		req.RewrittenURI = next
		return httpx.Again
	}
}

// NewBreakRewriteHandler is the "rewrite" + "break" combination: it
// rewrites the URI but returns OK so the pipeline continues with the
// current route instead of restarting route lookup.
func NewBreakRewriteHandler(target string) Handler {
	v := httpx.Composite(target)
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		req.RewrittenURI = v.Expand(req, nil)
		return httpx.OK
	}
}

// NewBasicAuthHandler builds the "basic: user:password" access handler
// around NewBasicHandler, deriving the expected Authorization value the
// way a client would send it.
func NewBasicAuthHandler(credentials string) Handler {
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
	return NewBasicHandler("Authorization", expected)
}

// NewSetRequestHeadersHandler builds a setvar-phase handler from
// "set_request_headers{}": header values may reference ${name} vars.
func NewSetRequestHeadersHandler(headers map[string]string) Handler {
	templates := make(map[string]httpx.Variable, len(headers))
	for k, v := range headers {
		templates[k] = httpx.Composite(v)
	}
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		for k, v := range templates {
			req.Headers.Set(k, v.Expand(req, nil))
		}
		return httpx.OK
	}
}

// NewClearRequestHeadersHandler builds "clear_request_headers[]".
func NewClearRequestHeadersHandler(names []string) Handler {
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		for _, n := range names {
			delete(req.Headers, strings.ToLower(n))
		}
		return httpx.OK
	}
}

// NewAddArgsHandler builds "add_args{}": query arguments merged into
// the parsed args and the raw query string forwarded upstream.
func NewAddArgsHandler(args map[string]string) Handler {
	templates := make(map[string]httpx.Variable, len(args))
	for k, v := range args {
		templates[k] = httpx.Composite(v)
	}
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		for k, v := range templates {
			val := v.Expand(req, nil)
			req.QueryArgs.Set(k, val)
		}
		req.RawQuery = req.QueryArgs.Encode()
		return httpx.OK
	}
}

// NewClearArgsHandler builds "clear_args[]".
func NewClearArgsHandler(names []string) Handler {
	return func(req *httpx.Request, resp *httpx.Response) httpx.Status {
		for _, n := range names {
			req.QueryArgs.Del(n)
		}
		req.RawQuery = req.QueryArgs.Encode()
		return httpx.OK
	}
}

// NewUpstreamStatusFilter surfaces the proxied upstream's status code
// to the client as a response header (the "upstream_status" route
// option).
func NewUpstreamStatusFilter() httpx.HeaderFilter {
	return func(resp *httpx.Response) error {
		if s, ok := resp.Request.Vars["upstream_status"]; ok {
			resp.Headers.Set("Upstream-Status", s)
		}
		return nil
	}
}

// NewAddHeadersHandler builds a header-filter from the "add_headers{}"
// config option.
func NewAddHeadersHandler(headers map[string]string) httpx.HeaderFilter {
	return func(resp *httpx.Response) error {
		for k, v := range headers {
			resp.Headers.Add(k, v)
		}
		return nil
	}
}

// NewClearHeadersHandler builds a header-filter from "clear_headers[]".
func NewClearHeadersHandler(names []string) httpx.HeaderFilter {
	return func(resp *httpx.Response) error {
		for _, n := range names {
			delete(resp.Headers, strings.ToLower(n))
		}
		return nil
	}
}
