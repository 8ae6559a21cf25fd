package router

import (
	"regexp"
	"sort"
	"sync"
)

// Regex is the "~ <pattern>" router: a list of compiled patterns tried
// in descending-length order, first match wins. Named capture groups
// become request vars.
type Regex struct {
	mu      sync.RWMutex
	entries []*regexEntry
}

type regexEntry struct {
	pattern string
	re      *regexp.Regexp
	methods map[string]any
}

// NewRegex creates an empty regex router.
func NewRegex() *Regex { return &Regex{} }

// Add compiles pattern and inserts value for method, then re-sorts the
// entry list by descending pattern length (ties broken by original
// insertion order via a stable sort).
func (r *Regex) Add(pattern, method string, value any) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.pattern == pattern {
			if e.methods == nil {
				e.methods = make(map[string]any)
			}
			e.methods[method] = value
			return nil
		}
	}

	entry := &regexEntry{pattern: pattern, re: re, methods: map[string]any{method: value}}
	r.entries = append(r.entries, entry)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return len(r.entries[i].pattern) > len(r.entries[j].pattern)
	})
	return nil
}

// Lookup returns the first pattern (in descending-length order) that
// matches path and carries an entry for method or AnyMethod.
func (r *Regex) Lookup(method, path string) (MatchResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		match := e.re.FindStringSubmatch(path)
		if match == nil {
			continue
		}
		v, ok := lookupMethod(e.methods, method)
		if !ok {
			continue
		}
		vars := map[string]string{}
		for i, name := range e.re.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			vars[name] = match[i]
		}
		return MatchResult{Value: v, Vars: vars, Exact: true}, true
	}
	return MatchResult{}, false
}
