// Package config decodes the YAML configuration surface (root, http,
// server, and route levels) and builds the runtime objects it
// describes: reactors per workgroup, listeners, virtual hosts, routes,
// and upstream groups. Command/block plugin registration stays an
// external collaborator behind the Registrar interface.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Root is the top-level YAML document.
type Root struct {
	ErrorLog string `yaml:"error_log"`
	HTTP     HTTP   `yaml:"http"`
}

// HTTP is the http-level block.
type HTTP struct {
	ErrorLog   string          `yaml:"error_log"`
	LogFormats []LogFormat     `yaml:"log_formats"`
	Workgroups []Workgroup     `yaml:"workgroups"`
	Upstreams  []UpstreamBlock `yaml:"upstreams"`
	Servers    []Server        `yaml:"servers"`
}

// LogFormat names a reusable access-log line template; the format
// string may reference ${var} request variables.
type LogFormat struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
}

// Workgroup sizes one group of reactors and their worker pools.
type Workgroup struct {
	Name           string `yaml:"name"`
	EventPoolSize  int    `yaml:"event_pool_size"`
	ThreadPoolSize int    `yaml:"thread_pool_size"`
	SocketPoolSize int    `yaml:"socket_pool_size"`
}

// UpstreamBlock declares a named upstream group.
type UpstreamBlock struct {
	Name               string           `yaml:"name"`
	MaxActive          int              `yaml:"max_active"`
	Keepalive          int              `yaml:"keepalive"`
	KeepaliveTimeoutMs int              `yaml:"keepalive_timeout_ms"`
	KeepaliveRequests  uint64           `yaml:"keepalive_requests"`
	LeastConn          bool             `yaml:"least_conn"`
	Servers            []UpstreamServer `yaml:"servers"`
}

// UpstreamServer is one address inside an upstream group.
type UpstreamServer struct {
	Address   string `yaml:"address"`
	MaxActive int    `yaml:"max_active"`
	Keepalive int    `yaml:"keepalive"`
	Backup    bool   `yaml:"backup"`
}

// AccessLog configures a server's access log sink.
type AccessLog struct {
	Filename   string `yaml:"filename"`
	BufferSize int    `yaml:"buffer_size"`
	Format     string `yaml:"format"`
}

// Server is one server block: a bind address plus virtual host and the
// server-scope phase commands.
type Server struct {
	Bind               string `yaml:"bind"`
	Group              string `yaml:"group"`
	VirtualHost        string `yaml:"virtual_host"`
	RequestTimeoutMs   int    `yaml:"request_timeout_ms"`
	ResponseTimeoutMs  int    `yaml:"response_timeout_ms"`
	KeepaliveTimeoutMs int    `yaml:"keepalive_timeout_ms"`
	KeepaliveRequests  uint64 `yaml:"keepalive_requests"`

	AccessLog *AccessLog `yaml:"access_log"`
	ErrorLog  string     `yaml:"error_log"`

	AddHeaders          map[string]string `yaml:"add_headers"`
	ClearHeaders        []string          `yaml:"clear_headers"`
	SetRequestHeaders   map[string]string `yaml:"set_request_headers"`
	ClearRequestHeaders []string          `yaml:"clear_request_headers"`
	AddArgs             map[string]string `yaml:"add_args"`
	ClearArgs           []string          `yaml:"clear_args"`
	Vars                map[string]string `yaml:"vars"`

	Routes []Route `yaml:"routes"`
}

// Echo is the echo{} route command.
type Echo struct {
	Text   string `yaml:"text"`
	Status int    `yaml:"status"`
}

// Proxy is the proxy{} route command.
type Proxy struct {
	Pass               string   `yaml:"pass"`
	Backup             []string `yaml:"backup"`
	Keepalive          int      `yaml:"keepalive"`
	MaxActive          int      `yaml:"max_active"`
	ProxyTimeoutMs     int      `yaml:"proxy_timeout_ms"`
	KeepaliveTimeoutMs int      `yaml:"keepalive_timeout_ms"`
	KeepaliveRequests  uint64   `yaml:"keepalive_requests"`
}

// Route is one route block. Match dispatches on its prefix: plain path
// to the trie, "~ <regex>" to the regex router, "@<label>" to the named
// router.
type Route struct {
	Match   string `yaml:"match"`
	Method  string `yaml:"method"`
	Rewrite string `yaml:"rewrite"`
	Break   bool   `yaml:"break"`
	Basic   string `yaml:"basic"`
	Echo    *Echo  `yaml:"echo"`
	Index   string `yaml:"index"`
	Proxy   *Proxy `yaml:"proxy"`

	UpstreamStatus bool `yaml:"upstream_status"`

	AddHeaders          map[string]string `yaml:"add_headers"`
	ClearHeaders        []string          `yaml:"clear_headers"`
	SetRequestHeaders   map[string]string `yaml:"set_request_headers"`
	ClearRequestHeaders []string          `yaml:"clear_request_headers"`
	AddArgs             map[string]string `yaml:"add_args"`
	ClearArgs           []string          `yaml:"clear_args"`
	Vars                map[string]string `yaml:"vars"`
}

// Registrar is the hook a plugin system would implement to contribute
// commands and handlers before Build runs. Plugin loading itself is an
// external collaborator.
type Registrar interface {
	RegisterCommands(root *Root) error
}

// Load reads and validates a configuration file. Any error here is
// fatal at process start (exit code 1).
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Root, error) {
	var root Root
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := root.validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

func (r *Root) validate() error {
	if len(r.HTTP.Servers) == 0 {
		return fmt.Errorf("config: no servers defined")
	}

	groups := map[string]bool{}
	for _, wg := range r.HTTP.Workgroups {
		if wg.Name == "" {
			return fmt.Errorf("config: workgroup without a name")
		}
		if groups[wg.Name] {
			return fmt.Errorf("config: duplicate workgroup %q", wg.Name)
		}
		groups[wg.Name] = true
	}

	upstreams := map[string]bool{}
	for _, u := range r.HTTP.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("config: upstream without a name")
		}
		if upstreams[u.Name] {
			return fmt.Errorf("config: duplicate upstream %q", u.Name)
		}
		if len(u.Servers) == 0 {
			return fmt.Errorf("config: upstream %q has no servers", u.Name)
		}
		upstreams[u.Name] = true
	}

	for i, s := range r.HTTP.Servers {
		if s.Bind == "" {
			return fmt.Errorf("config: server %d has no bind address", i)
		}
		if s.Group != "" && !groups[s.Group] {
			return fmt.Errorf("config: server %d references unknown workgroup %q", i, s.Group)
		}
		for j, rt := range s.Routes {
			if rt.Match == "" {
				return fmt.Errorf("config: server %d route %d has no match pattern", i, j)
			}
			n := 0
			if rt.Echo != nil {
				n++
			}
			if rt.Index != "" {
				n++
			}
			if rt.Proxy != nil {
				n++
			}
			if n > 1 {
				return fmt.Errorf("config: server %d route %q declares multiple content handlers", i, rt.Match)
			}
			if rt.Proxy != nil && rt.Proxy.Pass == "" {
				return fmt.Errorf("config: server %d route %q proxy has no pass target", i, rt.Match)
			}
		}
	}
	return nil
}
