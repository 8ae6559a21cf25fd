// Package router implements the three route-matching strategies: an
// exact/prefix trie with named "{name}" captures, a
// descending-length-ordered regex router, and a named (@label) router,
// each guarded by a single-writer/multi-reader lock.
package router

import (
	"strings"
	"sync"

	"github.com/searchktools/fastgate/core/optimize"
)

// AnyMethod is the per-route wildcard method key: lookup falls back to
// it when the request's specific method has no entry.
const AnyMethod = "*"

// MatchResult is what a router lookup hands back to the pipeline: the
// registered value (the pipeline casts this to its own RouteContext),
// the path segments captured into named variables, and whether the
// match consumed the entire path (Exact) or only a prefix that carried
// a fallback handler (partial).
type MatchResult struct {
	Value any
	Vars  map[string]string
	Exact bool
}

// Trie is the exact/prefix router: paths are split on '/', each segment
// either a literal or a "{name}" capture stored under the node's
// wildcard child. Literal children are kept in a scanned slice rather
// than a map, comparing segments with the SIMD-gated
// optimize.ComparePathSIMD so long static prefixes (e.g.
// "/api/customers/") take the faster comparator path.
type Trie struct {
	mu   sync.RWMutex
	root *trieNode
}

type trieChild struct {
	seg  string
	node *trieNode
}

type trieNode struct {
	children []trieChild
	wildcard *trieNode
	param    string

	methods map[string]any
}

func newTrieNode() *trieNode { return &trieNode{} }

// NewTrie creates an empty trie router.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (n *trieNode) findChild(seg string) *trieNode {
	for _, c := range n.children {
		if matchLiteral(c.seg, seg) {
			return c.node
		}
	}
	return nil
}

// Add inserts value at (pattern, method), preserving any existing
// entries for other methods at the same node.
func (t *Trie) Add(pattern, method string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.descend(pattern)
	if n.methods == nil {
		n.methods = make(map[string]any)
	}
	n.methods[method] = value
}

// Replace fully overwrites the per-method slot at (pattern, method) as
// a direct map write rather than a remove-then-reinsert, so there is no
// window where the method is briefly absent.
func (t *Trie) Replace(pattern, method string, value any) {
	t.Add(pattern, method, value)
}

// descend walks, creating nodes as needed, the segment path for
// pattern, translating "{name}" (and bare "*") segments into the
// wildcard child slot.
func (t *Trie) descend(pattern string) *trieNode {
	n := t.root
	for _, seg := range splitSegments(pattern) {
		if seg == "*" || (len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}') {
			if n.wildcard == nil {
				n.wildcard = newTrieNode()
			}
			if seg != "*" {
				n.wildcard.param = seg[1 : len(seg)-1]
			}
			n = n.wildcard
			continue
		}
		child := n.findChild(seg)
		if child == nil {
			child = newTrieNode()
			n.children = append(n.children, trieChild{seg: seg, node: child})
		}
		n = child
	}
	return n
}

// Lookup finds the best match for method/path: an exact match consumes
// every segment; a partial match is the deepest node visited along the
// way that carries a handler, used as a fallback when no node consumes
// the whole path. Literal children are preferred over the wildcard
// child at each level.
func (t *Trie) Lookup(method, path string) (MatchResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	segs := splitSegments(path)
	vars := map[string]string{}

	var partial MatchResult
	havePartial := false

	n := t.root
	if v, ok := lookupMethod(n.methods, method); ok {
		partial = MatchResult{Value: v, Vars: map[string]string{}}
		havePartial = true
	}

	for _, seg := range segs {
		if next := n.findChild(seg); next != nil {
			n = next
		} else if n.wildcard != nil {
			n = n.wildcard
			if n.param != "" {
				vars[n.param] = seg
			}
		} else {
			if havePartial {
				return partial, true
			}
			return MatchResult{}, false
		}

		if v, ok := lookupMethod(n.methods, method); ok {
			captured := make(map[string]string, len(vars))
			for k, val := range vars {
				captured[k] = val
			}
			partial = MatchResult{Value: v, Vars: captured}
			havePartial = true
		}
	}

	if v, ok := lookupMethod(n.methods, method); ok {
		return MatchResult{Value: v, Vars: vars, Exact: true}, true
	}
	if havePartial {
		return partial, true
	}
	return MatchResult{}, false
}

// matchLiteral compares a path segment against a literal child key
// using the SIMD-gated comparator, which only takes the wide-compare
// path for segments of 16 bytes or more and falls back to a plain `==`
// below that, where dispatch overhead would dominate.
func matchLiteral(key, seg string) bool {
	return optimize.ComparePathSIMD(key, seg)
}

func lookupMethod(methods map[string]any, method string) (any, bool) {
	if methods == nil {
		return nil, false
	}
	if v, ok := methods[method]; ok {
		return v, true
	}
	if v, ok := methods[AnyMethod]; ok {
		return v, true
	}
	return nil, false
}
