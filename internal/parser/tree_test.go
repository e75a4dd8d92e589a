package parser

import "testing"

func TestTreeExactMatch(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	feedMediaType(tree, "text", "html")
	if !tree.Decide() {
		t.Fatalf("expected text/html to match")
	}
}

func TestTreeNoMatch(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	feedMediaType(tree, "text", "plain")
	if tree.Decide() {
		t.Fatalf("expected text/plain not to match {text/html}")
	}
}

func TestTreeSuperstringDoesNotMatch(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	feedMediaType(tree, "text", "htmlx")
	if tree.Decide() {
		t.Fatalf("expected text/htmlx not to match {text/html}")
	}

	tree.Reset()
	feedMediaType(tree, "textual", "html")
	if tree.Decide() {
		t.Fatalf("expected textual/html not to match {text/html}")
	}
}

func TestTreeWildcardSubtype(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "image", Subtype: "*"}})
	feedMediaType(tree, "image", "png")
	if !tree.Decide() {
		t.Fatalf("expected image/* to match image/png")
	}
	tree.Reset()
	feedMediaType(tree, "image", "jpeg")
	if !tree.Decide() {
		t.Fatalf("expected image/* to match image/jpeg")
	}
}

func TestTreeWildcardType(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "*", Subtype: "html"}})
	feedMediaType(tree, "text", "html")
	if !tree.Decide() {
		t.Fatalf("expected */html to match text/html")
	}
	tree.Reset()
	feedMediaType(tree, "application", "html")
	if !tree.Decide() {
		t.Fatalf("expected */html to match application/html")
	}
}

func TestTreeMultipleEntriesParallel(t *testing.T) {
	tree := NewTree([]MediaType{
		{Type: "text", Subtype: "html"},
		{Type: "image", Subtype: "*"},
		{Type: "application", Subtype: "pdf"},
	})

	cases := []struct {
		typ, sub string
		want     bool
	}{
		{"text", "html", true},
		{"text", "plain", false},
		{"image", "gif", true},
		{"application", "pdf", true},
		{"application", "zip", false},
	}
	for _, c := range cases {
		tree.Reset()
		feedMediaType(tree, c.typ, c.sub)
		if got := tree.Decide(); got != c.want {
			t.Errorf("%s/%s: Decide() = %v, want %v", c.typ, c.sub, got, c.want)
		}
	}
}

func feedMediaType(tree *Tree, typ, sub string) {
	for _, b := range []byte(typ) {
		tree.FeedType(b)
	}
	tree.EndType()
	for _, b := range []byte(sub) {
		tree.FeedSubtype(b)
	}
}
