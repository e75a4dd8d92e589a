package session

import (
	"bufio"
	"bytes"
	"strings"
)

// HasPipelining scans a CAPA multi-line response body (the raw lines
// between the status line and the terminator, CRLF-delimited, not yet
// dot-unstuffed) for the PIPELINING capability literal. The match is
// case-insensitive and matches the whole line, per RFC 2449's one-
// capability-per-line format.
func HasPipelining(body []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.EqualFold(line, "PIPELINING") {
			return true
		}
	}
	return false
}

// RewriteCapa returns the CAPA response body to forward to the client. Per
// the CAPA rewriting design decision, the origin's advertised body is
// always forwarded unchanged — the proxy never synthesises a PIPELINING
// line into it, even when the proxy itself intends to use pipelining
// against origin; it only records that fact for its own request-batching
// decision.
func RewriteCapa(originBody []byte) []byte {
	return originBody
}
