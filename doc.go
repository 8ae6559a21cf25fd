/*
Package fastgate is an HTTP/1.x reverse proxy and content server built
on a non-blocking I/O reactor.

Each workgroup runs one or more single-threaded reactors that own every
socket they accept: clients are parsed incrementally, requests run
through a phased pipeline (setvar, rewrite, access, content,
header-filter, body-filter, log), and responses drain back through the
same loop. The proxy content handler drives an upstream leg as a
sub-state machine across reactor turns, drawing connections from
keepalive-aware per-address pools watched by a single global monitor.

# Quick start

Run a server from a YAML config:

	package main

	import (
	    "os"

	    "github.com/searchktools/fastgate/app"
	)

	func main() {
	    os.Exit(app.New("fastgate.yml").Run())
	}

A minimal config proxying /api to an upstream group:

	http:
	  upstreams:
	    - name: backend
	      keepalive: 8
	      servers:
	        - address: 127.0.0.1:9001
	        - address: 127.0.0.1:9002
	          backup: true
	  servers:
	    - bind: 0.0.0.0:8080
	      routes:
	        - match: /ping
	          echo: {text: "pong", status: 200}
	        - match: /api/customers/{customer_id}/*
	          proxy: {pass: backend, proxy_timeout_ms: 5000}

Modules

  - app: process lifecycle (config load, signal handling, exit codes)
  - config: YAML decode, runtime build, fsnotify hot reload of
    listeners and routes
  - core/reactor: the per-workgroup event loop
  - core/httpx: incremental request parser, response writer, variables
  - core/router: trie, regex, and named routers
  - core/pipeline: the phased request pipeline
  - core/proxy: the upstream proxy engine
  - core/upstream: keepalive connection pools, balancers, the monitor
  - core/buffer, core/socket, core/poller: non-blocking I/O primitives
  - core/pools, core/sendfile, core/optimize, core/observability:
    supporting infrastructure
*/
package fastgate
