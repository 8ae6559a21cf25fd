package httpx

import "testing"

func TestSimpleVariable(t *testing.T) {
	v := Simple("literal")
	if got := v.Expand(nil, nil); got != "literal" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestCompositeVariable(t *testing.T) {
	req := NewRequest()
	req.Vars["customer_id"] = "42"

	v := Composite("CUSTOMER_ID=${customer_id}")
	if got := v.Expand(req, nil); got != "CUSTOMER_ID=42" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestCompositeWithoutReferencesIsSimple(t *testing.T) {
	v := Composite("no refs here")
	if got := v.Expand(nil, nil); got != "no refs here" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestCompositeLazyFallback(t *testing.T) {
	req := NewRequest()
	lazy := LazyVars{
		"upstream_status": func(*Request) string { return "200" },
	}

	v := Composite("status=${upstream_status}")
	if got := v.Expand(req, lazy); got != "status=200" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestCompositeVarsWinOverLazy(t *testing.T) {
	req := NewRequest()
	req.Vars["name"] = "captured"
	lazy := LazyVars{"name": func(*Request) string { return "lazy" }}

	v := Composite("${name}")
	if got := v.Expand(req, lazy); got != "captured" {
		t.Fatalf("captured var must win, got %q", got)
	}
}

func TestLazyVariable(t *testing.T) {
	v := Lazy(func(r *Request) string { return r.Method })
	req := NewRequest()
	req.Method = "GET"
	if got := v.Expand(req, nil); got != "GET" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestUnterminatedReferenceIsLiteral(t *testing.T) {
	v := Composite("broken ${ref")
	if got := v.Expand(nil, nil); got != "broken ${ref" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestUnknownReferenceExpandsEmpty(t *testing.T) {
	req := NewRequest()
	v := Composite("[${missing}]")
	if got := v.Expand(req, nil); got != "[]" {
		t.Fatalf("Expand = %q", got)
	}
}
