package parser

// MediaType names one configured (type, subtype) pair the proxy should
// divert RETR bodies for. Either field may be "*" to match any value at
// that level.
type MediaType struct {
	Type    string
	Subtype string
}

type subBranch struct {
	literal string
	matcher *Matcher // nil when literal == "*"
	active  bool
}

type typeBranch struct {
	literal  string
	matcher  *Matcher // nil when literal == "*"
	active   bool
	subtypes []*subBranch
}

// Tree is the compiled matcher tree: first level organised by MIME type
// literal (with "*" wildcard), second level under each type by subtype
// literal (again with "*" wildcard). A single byte is driven through every
// still-active sibling matcher in parallel; the aggregate decision is EQ as
// soon as any sibling reports EQ-with-Matched at the point its token ends.
type Tree struct {
	types []*typeBranch

	// typeLen/subLen count the bytes fed into the current type/subtype
	// token, so EndType/Decide can require an exact-length match rather
	// than treating Matcher.Matched() (which never un-matches once the
	// literal is satisfied) as proof the token didn't run on past it.
	typeLen int
	subLen  int
}

// NewTree compiles a configured set of filtered media types into a Tree.
func NewTree(configured []MediaType) *Tree {
	t := &Tree{}
	byType := make(map[string]*typeBranch)
	for _, mt := range configured {
		tb, ok := byType[mt.Type]
		if !ok {
			tb = &typeBranch{literal: mt.Type}
			if mt.Type != "*" {
				tb.matcher = NewMatcher(mt.Type)
			}
			byType[mt.Type] = tb
			t.types = append(t.types, tb)
		}
		sb := &subBranch{literal: mt.Subtype}
		if mt.Subtype != "*" {
			sb.matcher = NewMatcher(mt.Subtype)
		}
		tb.subtypes = append(tb.subtypes, sb)
	}
	t.Reset()
	return t
}

// Reset rearms every matcher in the tree for a new Content-Type header.
func (t *Tree) Reset() {
	t.typeLen = 0
	t.subLen = 0
	for _, tb := range t.types {
		tb.active = true
		if tb.matcher != nil {
			tb.matcher.Reset()
		}
		for _, sb := range tb.subtypes {
			sb.active = true
			if sb.matcher != nil {
				sb.matcher.Reset()
			}
		}
	}
}

// FeedType drives one byte of the MIME type token through every type-level
// matcher in parallel.
func (t *Tree) FeedType(b byte) {
	t.typeLen++
	for _, tb := range t.types {
		if tb.matcher == nil || !tb.active {
			continue
		}
		if tb.matcher.Feed(b).Kind == NEQ {
			tb.active = false
		}
	}
}

// EndType finalises the type token (called on MIMETypeEnd): wildcard
// branches stay active unconditionally; literal branches stay active only
// if their matcher matched exactly AND the fed token was exactly as long
// as the literal (a matcher alone can't tell "text" from "textual" once
// its own length is satisfied).
func (t *Tree) EndType() {
	for _, tb := range t.types {
		if tb.matcher == nil {
			continue // wildcard: always active
		}
		tb.active = tb.active && tb.matcher.Matched() && t.typeLen == tb.matcher.Len()
	}
	t.subLen = 0
}

// FeedSubtype drives one byte of the subtype token through every subtype
// matcher belonging to a still-active type branch.
func (t *Tree) FeedSubtype(b byte) {
	t.subLen++
	for _, tb := range t.types {
		if !tb.active {
			continue
		}
		for _, sb := range tb.subtypes {
			if sb.matcher == nil || !sb.active {
				continue
			}
			if sb.matcher.Feed(b).Kind == NEQ {
				sb.active = false
			}
		}
	}
}

// Decide finalises the subtype token and returns the aggregate decision:
// true iff some active type branch has a subtype branch that is a wildcard
// or matched exactly (same exact-length requirement as EndType).
func (t *Tree) Decide() bool {
	decided := false
	for _, tb := range t.types {
		if !tb.active {
			continue
		}
		for _, sb := range tb.subtypes {
			matched := sb.matcher == nil || (sb.matcher.Matched() && t.subLen == sb.matcher.Len())
			if matched {
				decided = true
			}
		}
	}
	return decided
}
