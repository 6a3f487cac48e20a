// Package sseutil provides shared server-sent-events parsing for the wire
// adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// Upstream chunks are JSON objects; 64KB covers the largest observed
// single-delta payloads with room to spare.
const maxLineBytes = 64 * 1024

// Lines returns a scanner that yields one SSE line per Scan, sized for
// upstream chunk payloads.
func Lines(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	return sc
}

// Field splits one SSE line into its field name and value, per the SSE
// framing rules: "name: value" with one optional space after the colon.
// Blank lines, comment lines (leading ':'), and lines without a colon
// report ok=false.
func Field(line string) (name, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return name, strings.TrimPrefix(value, " "), true
}
