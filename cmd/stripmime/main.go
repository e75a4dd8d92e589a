// Command stripmime reads an RFC-822 message on stdin and reports whether
// its Content-Type would cause the proxy to divert it through the external
// filter, against a configured set of media types. It exercises
// internal/parser's matcher tree and sniffing pipeline exactly as the proxy
// core does for a RETR body, by wire-framing the message the same way a
// POP3 multiline response is framed (dot-stuffed, CRLF "." CRLF terminated).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/infodancer/pop3proxy/internal/parser"
)

func main() {
	types := flag.String("types", "text/html,image/jpeg,image/png,application/zip",
		"comma-separated type/subtype pairs to divert on")
	flag.Parse()

	mediaTypes, err := parseMediaTypes(*types)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stripmime: %v\n", err)
		os.Exit(1)
	}

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stripmime: reading stdin: %v\n", err)
		os.Exit(1)
	}

	wire := append(parser.Stuff(body), '.', '\r', '\n')

	tree := parser.NewTree(mediaTypes)
	pipeline := parser.NewPipeline(tree)

	var divert bool
	for _, b := range wire {
		decided, d, fin := pipeline.Feed(b)
		if decided {
			divert = d
		}
		if fin {
			break
		}
	}

	if divert {
		fmt.Println("divert: this message would be routed through the external filter")
	} else {
		fmt.Println("pass: this message would be relayed unchanged")
	}
}

func parseMediaTypes(s string) ([]parser.MediaType, error) {
	var out []parser.MediaType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, sub, ok := strings.Cut(part, "/")
		if !ok || typ == "" || sub == "" {
			return nil, fmt.Errorf("invalid media type %q, expected type/subtype", part)
		}
		out = append(out, parser.MediaType{Type: typ, Subtype: sub})
	}
	return out, nil
}
