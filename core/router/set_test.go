package router

import "testing"

func TestRegexOrderedByDescendingLength(t *testing.T) {
	r := NewRegex()
	if err := r.Add(`^/api/.*`, "GET", "short"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(`^/api/v1/users/.*`, "GET", "long"); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, ok := r.Lookup("GET", "/api/v1/users/7")
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Value != "long" {
		t.Fatalf("value = %v, want the longer pattern to win", res.Value)
	}
}

func TestRegexNamedCaptures(t *testing.T) {
	r := NewRegex()
	if err := r.Add(`^/orders/(?P<order_id>\d+)$`, "GET", "order"); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, ok := r.Lookup("GET", "/orders/1234")
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Vars["order_id"] != "1234" {
		t.Fatalf("captures = %v", res.Vars)
	}
}

func TestRegexInvalidPattern(t *testing.T) {
	r := NewRegex()
	if err := r.Add(`([`, "GET", "bad"); err == nil {
		t.Fatal("invalid pattern must error")
	}
}

func TestNamedRouter(t *testing.T) {
	n := NewNamed()
	n.Add("internal", AnyMethod, "ctx")

	res, ok := n.Lookup("internal", "GET")
	if !ok || res.Value != "ctx" {
		t.Fatalf("lookup = %v ok=%v", res.Value, ok)
	}
	if _, ok := n.Lookup("missing", "GET"); ok {
		t.Fatal("unknown label must not match")
	}
}

func TestMethodFallbackToWildcard(t *testing.T) {
	tr := NewTrie()
	tr.Add("/thing", AnyMethod, "any")
	tr.Add("/thing", "POST", "post")

	res, _ := tr.Lookup("POST", "/thing")
	if res.Value != "post" {
		t.Fatalf("POST = %v", res.Value)
	}
	res, ok := tr.Lookup("DELETE", "/thing")
	if !ok || res.Value != "any" {
		t.Fatalf("DELETE fallback = %v ok=%v", res.Value, ok)
	}
}

func TestSetDispatchByPrefix(t *testing.T) {
	s := NewSet()
	if err := s.Add("/plain", "GET", "trie"); err != nil {
		t.Fatalf("add trie: %v", err)
	}
	if err := s.Add(`~ ^/rx/\d+$`, "GET", "regex"); err != nil {
		t.Fatalf("add regex: %v", err)
	}
	if err := s.Add("@label", "GET", "named"); err != nil {
		t.Fatalf("add named: %v", err)
	}

	if res, ok := s.Resolve("GET", "/plain"); !ok || res.Value != "trie" {
		t.Fatalf("trie resolve = %v ok=%v", res.Value, ok)
	}
	if res, ok := s.Resolve("GET", "/rx/99"); !ok || res.Value != "regex" {
		t.Fatalf("regex resolve = %v ok=%v", res.Value, ok)
	}
	if res, ok := s.Resolve("GET", "@label"); !ok || res.Value != "named" {
		t.Fatalf("named resolve = %v ok=%v", res.Value, ok)
	}
}

func TestSetPrefersRegexOverPartialTrie(t *testing.T) {
	s := NewSet()
	if err := s.Add("/static", "GET", "partial"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(`~ ^/static/img/.*$`, "GET", "regex"); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Exact trie hit wins outright.
	if res, _ := s.Resolve("GET", "/static"); res.Value != "partial" {
		t.Fatalf("exact = %v", res.Value)
	}
	// Partial trie hit defers to a matching regex.
	if res, _ := s.Resolve("GET", "/static/img/a.png"); res.Value != "regex" {
		t.Fatalf("partial-vs-regex = %v", res.Value)
	}
	// Partial trie hit stands when no regex matches.
	if res, _ := s.Resolve("GET", "/static/css/a.css"); res.Value != "partial" {
		t.Fatalf("partial fallback = %v", res.Value)
	}
}

func TestTrieReplaceOverwritesMethodSlot(t *testing.T) {
	tr := NewTrie()
	tr.Add("/r", "GET", "old")
	tr.Replace("/r", "GET", "new")

	res, ok := tr.Lookup("GET", "/r")
	if !ok || res.Value != "new" {
		t.Fatalf("after replace = %v ok=%v", res.Value, ok)
	}
}
