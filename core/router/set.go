package router

import "strings"

// Set is the per (listen-addr, host) trio of routers: a trie, a regex
// router, and a named router sharing one lookup entry point.
type Set struct {
	Trie  *Trie
	Regex *Regex
	Named *Named
}

// NewSet allocates an empty trio.
func NewSet() *Set {
	return &Set{Trie: NewTrie(), Regex: NewRegex(), Named: NewNamed()}
}

// Add registers value at method for a config-level pattern, dispatching
// on the pattern prefix: "~ <regex>" goes to the regex router,
// "@<label>" to the named router, anything else to the trie.
func (s *Set) Add(pattern, method string, value any) error {
	switch {
	case strings.HasPrefix(pattern, "~ "):
		return s.Regex.Add(strings.TrimPrefix(pattern, "~ "), method, value)
	case strings.HasPrefix(pattern, "@"):
		s.Named.Add(strings.TrimPrefix(pattern, "@"), method, value)
		return nil
	default:
		s.Trie.Add(pattern, method, value)
		return nil
	}
}

// Resolve implements the pipeline's route-selection order: a "@label"
// URI always goes to the named router;
// otherwise the trie is tried first, and on a partial (non-exact) trie
// hit the regex router is also tried, preferring a regex match over the
// trie's partial fallback. A path with no trie match at all still falls
// through to the regex router alone.
func (s *Set) Resolve(method, uri string) (MatchResult, bool) {
	if strings.HasPrefix(uri, "@") {
		return s.Named.Lookup(uri[1:], method)
	}

	trieResult, trieOK := s.Trie.Lookup(method, uri)
	if trieOK && trieResult.Exact {
		return trieResult, true
	}

	if regexResult, ok := s.Regex.Lookup(method, uri); ok {
		return regexResult, true
	}

	if trieOK {
		return trieResult, true
	}
	return MatchResult{}, false
}
