package parser

import "testing"

type collectedHeader struct {
	name, value string
}

func scanHeaders(t *testing.T, msg string) ([]collectedHeader, bool) {
	t.Helper()
	s := NewRFC822Scanner()
	var headers []collectedHeader
	var curName, curValue []byte
	var bodyStarted bool

	for _, b := range []byte(msg) {
		for _, ev := range s.Feed(b) {
			switch ev.Kind {
			case Name:
				curName = append(curName, ev.Payload)
			case NameEnd:
				// name captured; value accumulates next
			case Value:
				curValue = append(curValue, ev.Payload)
			case ValueEnd:
				headers = append(headers, collectedHeader{string(curName), string(curValue)})
				curName, curValue = nil, nil
			case BodyStart:
				bodyStarted = true
			}
		}
	}
	return headers, bodyStarted
}

func TestRFC822BasicHeaders(t *testing.T) {
	msg := "From: a@b.com\r\nSubject: hi\r\n\r\nbody\r\n"
	headers, body := scanHeaders(t, msg)
	if !body {
		t.Fatalf("expected body start")
	}
	if len(headers) != 2 {
		t.Fatalf("got %d headers, want 2: %+v", len(headers), headers)
	}
	if headers[0].name != "From" || headers[0].value != "a@b.com" {
		t.Fatalf("header[0] = %+v", headers[0])
	}
	if headers[1].name != "Subject" || headers[1].value != "hi" {
		t.Fatalf("header[1] = %+v", headers[1])
	}
}

func TestRFC822FoldedValue(t *testing.T) {
	msg := "Content-Type: text/plain;\r\n    charset=us-ascii\r\n\r\n"
	headers, body := scanHeaders(t, msg)
	if !body {
		t.Fatalf("expected body start")
	}
	if len(headers) != 1 {
		t.Fatalf("got %d headers, want 1", len(headers))
	}
	want := "text/plain; charset=us-ascii"
	if headers[0].value != want {
		t.Fatalf("folded value = %q, want %q", headers[0].value, want)
	}
}

func TestRFC822NoHeadersBlankMessage(t *testing.T) {
	headers, body := scanHeaders(t, "\r\n")
	if !body {
		t.Fatalf("expected body start")
	}
	if len(headers) != 0 {
		t.Fatalf("expected no headers, got %+v", headers)
	}
}
