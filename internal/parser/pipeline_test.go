package parser

import "testing"

// wireEncode builds the wire bytes of a multiline body from a transparent
// message: applies dot-stuffing and appends the CRLF "." CRLF terminator.
func wireEncode(msg string) []byte {
	return append(Stuff([]byte(msg)), '.', '\r', '\n')
}

// runPipeline feeds an entire wire-encoded body through a fresh Pipeline and
// returns the decision it reached (or false if it never decided) and whether
// Fin was observed.
func runPipeline(tree *Tree, msg string) (decided, divert, fin bool) {
	p := NewPipeline(tree)
	for _, b := range wireEncode(msg) {
		d, dv, f := p.Feed(b)
		if d {
			decided, divert = true, dv
		}
		if f {
			fin = true
		}
	}
	return
}

func TestPipelineDivertsOnConfiguredType(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	msg := "Subject: hi\r\nContent-Type: text/html; charset=us-ascii\r\n\r\n<p>hello</p>\r\n"
	decided, divert, fin := runPipeline(tree, msg)
	if !decided || !divert {
		t.Fatalf("expected divert for text/html, got decided=%v divert=%v", decided, divert)
	}
	if !fin {
		t.Fatalf("expected Fin to fire")
	}
}

func TestPipelineDoesNotDivertOnOtherType(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	msg := "Subject: hi\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	decided, divert, _ := runPipeline(tree, msg)
	if !decided || divert {
		t.Fatalf("expected no divert for text/plain, got decided=%v divert=%v", decided, divert)
	}
}

func TestPipelineNoContentTypeHeaderDoesNotDivert(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	msg := "Subject: hi\r\nFrom: a@b.example\r\n\r\nbody with no content-type\r\n"
	decided, divert, _ := runPipeline(tree, msg)
	if !decided || divert {
		t.Fatalf("expected no divert when Content-Type absent, got decided=%v divert=%v", decided, divert)
	}
}

func TestPipelineDecidesBeforeFin(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	msg := "Content-Type: text/html\r\n\r\n" + "padding body line one\r\npadding body line two\r\n"
	p := NewPipeline(tree)
	wire := wireEncode(msg)

	decidedAt := -1
	for i, b := range wire {
		d, _, _ := p.Feed(b)
		if d {
			decidedAt = i
			break
		}
	}
	if decidedAt == -1 {
		t.Fatalf("pipeline never decided")
	}
	if decidedAt >= len(wire)-5 {
		t.Fatalf("decision came too late: byte %d of %d", decidedAt, len(wire))
	}
}

func TestPipelineWildcardSubtypeDiverts(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "image", Subtype: "*"}})
	msg := "Content-Type: image/png\r\n\r\n\x89PNG\r\n"
	decided, divert, _ := runPipeline(tree, msg)
	if !decided || !divert {
		t.Fatalf("expected image/* wildcard to divert image/png")
	}
}

func TestPipelineHandlesDotStuffedBody(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "plain"}})
	// The leading dot on the body line must survive the round trip through
	// wireEncode's stuffing and the framer's unstuffing.
	msg := "Content-Type: text/plain\r\n\r\n.this line starts with a dot\r\n"
	decided, divert, fin := runPipeline(tree, msg)
	if !decided || !divert || !fin {
		t.Fatalf("expected divert and fin, got decided=%v divert=%v fin=%v", decided, divert, fin)
	}
}

func TestPipelineReset(t *testing.T) {
	tree := NewTree([]MediaType{{Type: "text", Subtype: "html"}})
	p := NewPipeline(tree)
	for _, b := range wireEncode("Content-Type: text/html\r\n\r\nfirst\r\n") {
		p.Feed(b)
	}
	p.Reset()
	decided, divert := false, false
	for _, b := range wireEncode("Content-Type: text/plain\r\n\r\nsecond\r\n") {
		d, dv, _ := p.Feed(b)
		if d {
			decided, divert = true, dv
		}
	}
	if !decided || divert {
		t.Fatalf("expected reset pipeline to decide fresh, got decided=%v divert=%v", decided, divert)
	}
}
