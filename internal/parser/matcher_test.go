package parser

import "testing"

func TestMatcherCaseInsensitiveProperty(t *testing.T) {
	literal := "Content-Type"
	inputs := []string{"Content-Type", "CONTENT-TYPE", "content-type", "CoNtEnT-tYpE"}
	for _, in := range inputs {
		m := NewMatcher(literal)
		ok := true
		for i := 0; i < len(literal); i++ {
			ev := m.Feed(in[i])
			if ev.Kind != EQ {
				ok = false
			}
		}
		if !ok || !m.Matched() {
			t.Fatalf("expected %q to match literal %q", in, literal)
		}
	}
}

func TestMatcherDivergesOnMismatch(t *testing.T) {
	m := NewMatcher("Content-Type")
	m.Feed('C')
	m.Feed('o')
	ev := m.Feed('X') // should have been 'n'
	if ev.Kind != NEQ {
		t.Fatalf("expected NEQ on mismatch, got %v", ev.Kind)
	}
	if m.Matched() {
		t.Fatalf("matcher should not report Matched after a mismatch")
	}
}

func TestMatcherResettable(t *testing.T) {
	m := NewMatcher("foo")
	m.Feed('x')
	if m.Matched() {
		t.Fatalf("unexpected match")
	}
	m.Reset()
	m.Feed('f')
	m.Feed('o')
	m.Feed('o')
	if !m.Matched() {
		t.Fatalf("expected match after reset + correct input")
	}
}
