package httpx

import "strings"

// Variable is a value in one of three forms: a plain string, a
// sequence of literal/variable-reference fragments, or a closure
// evaluated per-request. All three expand through Expand.
type Variable struct {
	simple    string
	composite []compositePart
	lazy      func(*Request) string

	kind varKind
}

type varKind int

const (
	kindSimple varKind = iota
	kindComposite
	kindLazy
)

type compositePart struct {
	text   string
	isName bool // true: text holds a ${name} reference; false: literal text
}

// Simple wraps a literal string with no ${...} expansion.
func Simple(s string) Variable { return Variable{kind: kindSimple, simple: s} }

// Lazy wraps a closure evaluated fresh on every Expand call, used for
// values only known after a phase has run (e.g. upstream_status).
func Lazy(f func(*Request) string) Variable { return Variable{kind: kindLazy, lazy: f} }

// Composite parses a string containing ${name} references into a
// sequence of literal/reference fragments, evaluated lazily against a
// request's Vars map (and the registered lazy-var table) on Expand.
func Composite(s string) Variable {
	if !strings.Contains(s, "${") {
		return Simple(s)
	}
	var parts []compositePart
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				parts = append(parts, compositePart{text: rest})
			}
			break
		}
		if start > 0 {
			parts = append(parts, compositePart{text: rest[:start]})
		}
		rest = rest[start+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			// Unterminated reference: treat the rest as literal text.
			parts = append(parts, compositePart{text: "${" + rest})
			break
		}
		parts = append(parts, compositePart{text: rest[:end], isName: true})
		rest = rest[end+1:]
	}
	return Variable{kind: kindComposite, composite: parts}
}

// LazyVars is a table of ${name} resolvers for values that are not
// plain captured path segments, supplied by the caller of Expand (the
// access-log handler registers method, uri, status and the like). The
// proxy engine does not register resolvers here: it writes
// upstream_name/addr/status/response_time into Request.Vars as plain
// strings once the upstream response has been parsed.
type LazyVars map[string]func(*Request) string

// Expand evaluates the variable against a request's captured path vars
// (Vars) first, falling back to the lazy table, for every ${name}
// reference in a Composite variable.
func (v Variable) Expand(req *Request, lazy LazyVars) string {
	switch v.kind {
	case kindSimple:
		return v.simple
	case kindLazy:
		if v.lazy == nil {
			return ""
		}
		return v.lazy(req)
	case kindComposite:
		var b strings.Builder
		for _, p := range v.composite {
			if !p.isName {
				b.WriteString(p.text)
				continue
			}
			if req != nil {
				if val, ok := req.Vars[p.text]; ok {
					b.WriteString(val)
					continue
				}
			}
			if lazy != nil {
				if f, ok := lazy[p.text]; ok {
					b.WriteString(f(req))
					continue
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}
