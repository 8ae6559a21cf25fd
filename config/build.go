package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/fastgate/core/httpx"
	"github.com/searchktools/fastgate/core/pipeline"
	"github.com/searchktools/fastgate/core/proxy"
	"github.com/searchktools/fastgate/core/reactor"
	"github.com/searchktools/fastgate/core/router"
	"github.com/searchktools/fastgate/core/sendfile"
	"github.com/searchktools/fastgate/core/upstream"
	"github.com/searchktools/fastgate/logging"
)

const defaultAccessLogFormat = "${host} ${method} ${uri} ${protocol} ${status} ${request_time}"

// Runtime is the built, startable server process: one set of reactors
// per workgroup plus the shared upstream machinery.
type Runtime struct {
	Monitor   *upstream.Monitor
	Proxy     *proxy.Engine
	FileCache *sendfile.FileCache

	groups    map[string][]*reactor.Reactor
	listeners map[string][]reactor.ListenerConfig // group -> listeners

	log           logging.Logger
	sinks         []io.Closer
	started       bool
	defGroup      string
	upstreamNames map[string]bool
}

// Build translates a validated Root into a Runtime. Errors here are
// config errors and fatal at load time.
func Build(root *Root, log logging.Logger) (*Runtime, error) {
	rt := &Runtime{
		Monitor:   upstream.NewMonitor(),
		FileCache: sendfile.NewFileCache(256),
		groups:    map[string][]*reactor.Reactor{},
		listeners: map[string][]reactor.ListenerConfig{},
		log:       log,
	}
	rt.Proxy = proxy.NewEngine(rt.Monitor)
	rt.upstreamNames = map[string]bool{}

	for _, u := range root.HTTP.Upstreams {
		rt.Proxy.RegisterUpstream(buildUpstream(u, rt.Monitor))
		rt.upstreamNames[u.Name] = true
	}

	workgroups := root.HTTP.Workgroups
	if len(workgroups) == 0 {
		workgroups = []Workgroup{{Name: "default", EventPoolSize: 1}}
	}
	rt.defGroup = workgroups[0].Name

	for _, wg := range workgroups {
		n := wg.EventPoolSize
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			r, err := reactor.New(reactor.Options{
				WorkerPoolSize: wg.ThreadPoolSize,
				Log:            log.WithFields(map[string]string{"group": wg.Name}),
			})
			if err != nil {
				return nil, fmt.Errorf("config: workgroup %q: %w", wg.Name, err)
			}
			rt.groups[wg.Name] = append(rt.groups[wg.Name], r)
		}
	}

	listeners, err := rt.buildListeners(root)
	if err != nil {
		return nil, err
	}
	rt.listeners = listeners
	return rt, nil
}

// buildListeners folds the server blocks into per-group listener
// configurations, merging servers that share a bind address into one
// listener's virtual-host table.
func (rt *Runtime) buildListeners(root *Root) (map[string][]reactor.ListenerConfig, error) {
	formats := map[string]string{}
	for _, f := range root.HTTP.LogFormats {
		formats[f.Name] = f.Format
	}

	type key struct{ group, bind string }
	merged := map[key]*reactor.ListenerConfig{}
	order := []key{}

	for i := range root.HTTP.Servers {
		s := &root.HTTP.Servers[i]
		group := s.Group
		if group == "" {
			group = rt.defGroup
		}
		if _, ok := rt.groups[group]; !ok {
			return nil, fmt.Errorf("config: server %s references unknown workgroup %q", s.Bind, group)
		}

		sctx, err := rt.buildServerContext(s, formats)
		if err != nil {
			return nil, err
		}

		k := key{group, s.Bind}
		cfg, ok := merged[k]
		if !ok {
			cfg = &reactor.ListenerConfig{
				Addr: s.Bind,
				Options: reactor.ListenerOptions{
					RequestTimeout:    ms(s.RequestTimeoutMs),
					ResponseTimeout:   ms(s.ResponseTimeoutMs),
					KeepaliveTimeout:  ms(s.KeepaliveTimeoutMs),
					KeepaliveRequests: s.KeepaliveRequests,
				},
				Servers: map[string]*pipeline.ServerContext{},
			}
			merged[k] = cfg
			order = append(order, k)
		}
		if s.VirtualHost != "" {
			cfg.Servers[s.VirtualHost] = sctx
		}
		if cfg.Default == nil {
			cfg.Default = sctx
		}
	}

	out := map[string][]reactor.ListenerConfig{}
	for _, k := range order {
		out[k.group] = append(out[k.group], *merged[k])
	}
	return out, nil
}

// buildServerContext assembles one server block's phase handlers.
func (rt *Runtime) buildServerContext(s *Server, formats map[string]string) (*pipeline.ServerContext, error) {
	sctx := &pipeline.ServerContext{
		Bind:              s.Bind,
		VirtualHost:       s.VirtualHost,
		KeepaliveRequests: s.KeepaliveRequests,
		Routes:            router.NewSet(),
		ErrorLog:          s.ErrorLog,
	}

	for name, tmpl := range s.Vars {
		sctx.SetVar = append(sctx.SetVar, pipeline.NewSetvarHandler(name, tmpl))
	}
	if len(s.SetRequestHeaders) > 0 {
		sctx.SetVar = append(sctx.SetVar, pipeline.NewSetRequestHeadersHandler(s.SetRequestHeaders))
	}
	if len(s.ClearRequestHeaders) > 0 {
		sctx.SetVar = append(sctx.SetVar, pipeline.NewClearRequestHeadersHandler(s.ClearRequestHeaders))
	}
	if len(s.AddArgs) > 0 {
		sctx.SetVar = append(sctx.SetVar, pipeline.NewAddArgsHandler(s.AddArgs))
	}
	if len(s.ClearArgs) > 0 {
		sctx.SetVar = append(sctx.SetVar, pipeline.NewClearArgsHandler(s.ClearArgs))
	}
	if len(s.AddHeaders) > 0 {
		sctx.HeaderFilters = append(sctx.HeaderFilters, pipeline.NewAddHeadersHandler(s.AddHeaders))
	}
	if len(s.ClearHeaders) > 0 {
		sctx.HeaderFilters = append(sctx.HeaderFilters, pipeline.NewClearHeadersHandler(s.ClearHeaders))
	}

	if s.AccessLog != nil {
		handler, closer, err := rt.buildAccessLog(s.AccessLog, formats)
		if err != nil {
			return nil, err
		}
		sctx.Log = append(sctx.Log, handler)
		if closer != nil {
			rt.sinks = append(rt.sinks, closer)
		}
	}

	for i := range s.Routes {
		route := &s.Routes[i]
		rctx, err := rt.buildRoute(route, s)
		if err != nil {
			return nil, err
		}
		method := route.Method
		if method == "" {
			method = router.AnyMethod
		}
		if err := sctx.Routes.Add(route.Match, method, rctx); err != nil {
			return nil, fmt.Errorf("config: route %q: %w", route.Match, err)
		}
	}
	return sctx, nil
}

// buildRoute assembles one route block's RouteContext.
func (rt *Runtime) buildRoute(route *Route, s *Server) (*pipeline.RouteContext, error) {
	rctx := &pipeline.RouteContext{
		Host:    s.VirtualHost,
		Pattern: route.Match,
		Method:  route.Method,
	}

	if route.Rewrite != "" {
		if route.Break {
			rctx.Rewrite = append(rctx.Rewrite, pipeline.NewBreakRewriteHandler(route.Rewrite))
		} else {
			rctx.Rewrite = append(rctx.Rewrite, pipeline.NewRewriteHandler(route.Rewrite))
		}
	}
	if route.Basic != "" {
		rctx.Access = append(rctx.Access, pipeline.NewBasicAuthHandler(route.Basic))
	}

	for name, tmpl := range route.Vars {
		h := pipeline.NewSetvarHandler(name, tmpl)
		rctx.Rewrite = append(rctx.Rewrite, h)
	}
	if len(route.SetRequestHeaders) > 0 {
		rctx.Rewrite = append(rctx.Rewrite, pipeline.NewSetRequestHeadersHandler(route.SetRequestHeaders))
	}
	if len(route.ClearRequestHeaders) > 0 {
		rctx.Rewrite = append(rctx.Rewrite, pipeline.NewClearRequestHeadersHandler(route.ClearRequestHeaders))
	}
	if len(route.AddArgs) > 0 {
		rctx.Rewrite = append(rctx.Rewrite, pipeline.NewAddArgsHandler(route.AddArgs))
	}
	if len(route.ClearArgs) > 0 {
		rctx.Rewrite = append(rctx.Rewrite, pipeline.NewClearArgsHandler(route.ClearArgs))
	}
	if len(route.AddHeaders) > 0 {
		rctx.HeaderFilters = append(rctx.HeaderFilters, pipeline.NewAddHeadersHandler(route.AddHeaders))
	}
	if len(route.ClearHeaders) > 0 {
		rctx.HeaderFilters = append(rctx.HeaderFilters, pipeline.NewClearHeadersHandler(route.ClearHeaders))
	}
	if route.UpstreamStatus {
		rctx.HeaderFilters = append(rctx.HeaderFilters, pipeline.NewUpstreamStatusFilter())
	}

	switch {
	case route.Echo != nil:
		rctx.Content = pipeline.NewEchoHandler(route.Echo.Text, route.Echo.Status)
	case route.Index != "":
		rctx.Content = pipeline.NewIndexHandler(route.Index, rt.FileCache)
	case route.Proxy != nil:
		rctx.Content = rt.buildProxy(route.Proxy)
	}
	return rctx, nil
}

// buildProxy wires one proxy{} command: a literal pass target with
// route-level pool settings gets its own upstream group; a pass that
// names a registered upstream (or expands per-request) resolves inside
// the engine.
func (rt *Runtime) buildProxy(p *Proxy) pipeline.ContentHandler {
	// A "${...}" pass target resolves per request inside the engine;
	// pool settings can only be pre-wired for a fixed literal address.
	literal := !rt.upstreamNames[p.Pass] && !strings.Contains(p.Pass, "${")
	if literal && (len(p.Backup) > 0 || p.Keepalive > 0 || p.MaxActive > 0 || p.KeepaliveRequests > 0) {
		u := upstream.NewUpstream(p.Pass, upstream.NewRoundRobinBalancer(), rt.Monitor,
			[]string{p.Pass}, p.Backup)
		for _, pool := range u.Pools() {
			pool.MaxActive = p.MaxActive
			pool.MaxKeepalive = p.Keepalive
			pool.KeepaliveTimeout = ms(p.KeepaliveTimeoutMs)
			pool.KeepaliveRequests = p.KeepaliveRequests
		}
		rt.Proxy.RegisterUpstream(u)
	}

	return rt.Proxy.Handler(proxy.Config{
		Pass:         httpx.Composite(p.Pass),
		ProxyTimeout: ms(p.ProxyTimeoutMs),
	})
}

// buildAccessLog opens the access log file and returns a log-phase
// handler expanding the configured format per request. Rotation and
// buffering belong to the external log back-end; this is the plain
// file sink behind it.
func (rt *Runtime) buildAccessLog(al *AccessLog, formats map[string]string) (pipeline.LogHandler, io.Closer, error) {
	format := al.Format
	if named, ok := formats[al.Format]; ok {
		format = named
	}
	if format == "" {
		format = defaultAccessLogFormat
	}
	tmpl := httpx.Composite(format)

	var sink io.WriteCloser = os.Stdout
	var closer io.Closer
	if al.Filename != "" {
		f, err := os.OpenFile(al.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("config: open access log %s: %w", al.Filename, err)
		}
		sink = f
		closer = f
	}

	handler := func(req *httpx.Request, resp *httpx.Response) {
		lazy := httpx.LazyVars{
			"method":       func(r *httpx.Request) string { return r.Method },
			"uri":          func(r *httpx.Request) string { return r.URI },
			"protocol":     func(r *httpx.Request) string { return r.Protocol },
			"host":         func(r *httpx.Request) string { return r.Host },
			"status":       func(*httpx.Request) string { return strconv.Itoa(resp.Status) },
			"request_time": func(r *httpx.Request) string { return time.Since(r.StartTime).String() },
		}
		fmt.Fprintln(sink, tmpl.Expand(req, lazy))
	}
	return handler, closer, nil
}

// buildUpstream translates an upstream block into a connected group.
func buildUpstream(u UpstreamBlock, monitor *upstream.Monitor) *upstream.Upstream {
	var balancer upstream.Balancer = upstream.NewRoundRobinBalancer()
	if u.LeastConn {
		balancer = upstream.NewLeastConnectionsBalancer()
	}

	var primary, backup []string
	byAddr := map[string]UpstreamServer{}
	for _, srv := range u.Servers {
		byAddr[srv.Address] = srv
		if srv.Backup {
			backup = append(backup, srv.Address)
		} else {
			primary = append(primary, srv.Address)
		}
	}

	group := upstream.NewUpstream(u.Name, balancer, monitor, primary, backup)
	for _, pool := range group.Pools() {
		srv := byAddr[pool.Addr]
		pool.MaxActive = u.MaxActive
		if srv.MaxActive > 0 {
			pool.MaxActive = srv.MaxActive
		}
		pool.MaxKeepalive = u.Keepalive
		if srv.Keepalive > 0 {
			pool.MaxKeepalive = srv.Keepalive
		}
		pool.KeepaliveTimeout = ms(u.KeepaliveTimeoutMs)
		pool.KeepaliveRequests = u.KeepaliveRequests
	}
	return group
}

// Start runs every reactor and installs the configured listeners.
func (rt *Runtime) Start() {
	if rt.started {
		return
	}
	rt.started = true
	for group, reactors := range rt.groups {
		for _, r := range reactors {
			go r.Run()
			for _, cfg := range rt.listeners[group] {
				r.AddListener(cfg)
			}
		}
	}
}

// Stop shuts everything down: reactors first, then the shared monitor
// and any open log sinks.
func (rt *Runtime) Stop() {
	for _, reactors := range rt.groups {
		for _, r := range reactors {
			r.Stop()
		}
	}
	rt.Monitor.Close()
	rt.FileCache.Close()
	for _, c := range rt.sinks {
		c.Close()
	}
}

// Reactors returns every reactor of one workgroup (for tests and
// stats).
func (rt *Runtime) Reactors(group string) []*reactor.Reactor {
	if group == "" {
		group = rt.defGroup
	}
	return rt.groups[group]
}

// ApplyListeners diffs a reloaded config against the running listener
// set and applies exactly the add/remove-listener (and with them, the
// route-table) changes. Anything beyond that scope requires a restart.
func (rt *Runtime) ApplyListeners(newRoot *Root) error {
	listeners, err := rt.buildListeners(newRoot)
	if err != nil {
		return err
	}

	for group, reactors := range rt.groups {
		current := map[string]bool{}
		for _, cfg := range rt.listeners[group] {
			current[cfg.Addr] = true
		}
		next := map[string]bool{}
		for _, cfg := range listeners[group] {
			next[cfg.Addr] = true
		}

		for _, r := range reactors {
			for addr := range current {
				if !next[addr] {
					r.RemoveListener(addr)
				}
			}
			// Added and changed binds both go through AddListener; the
			// reactor swaps the config in place for a live address.
			for _, cfg := range listeners[group] {
				r.AddListener(cfg)
			}
		}
	}

	rt.listeners = listeners
	return nil
}

func ms(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
