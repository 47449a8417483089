// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bufio"
	"fmt"
	"strings"
)

// continuationIndent prefixes every continuation line of a multi-line
// header value on the wire. Any leading whitespace is accepted on decode.
const continuationIndent = "    "

// EncodeHeaders serializes headers into the RFC-822-style text blob used by
// the durable stores: one "Name: value" line per header, continuation lines
// indented, a blank line terminating the block.
func EncodeHeaders(h *Headers) string {
	var b strings.Builder
	h.Each(func(name, value string) {
		lines := strings.Split(value, "\n")
		fmt.Fprintf(&b, "%s: %s\r\n", name, lines[0])
		for _, line := range lines[1:] {
			b.WriteString(continuationIndent)
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	})
	b.WriteString("\r\n")
	return b.String()
}

// DecodeHeaders parses the RFC-822-style blob produced by EncodeHeaders.
// Lines beginning with '#' are ignored. A line with no colon, or with a
// colon in the first column, is a format error.
func DecodeHeaders(blob string) (*Headers, error) {
	h := NewHeaders()
	sc := bufio.NewScanner(strings.NewReader(blob))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		name  string
		value strings.Builder
		open  bool
	)
	flush := func() {
		if open {
			h.Set(name, value.String())
			value.Reset()
			open = false
		}
	}

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if trimmed := strings.TrimLeft(line, " \t"); trimmed != line {
			// Continuation of the previous header's value.
			if !open {
				return nil, fmt.Errorf("line %d: continuation without a preceding header", lineNo)
			}
			value.WriteString("\n")
			value.WriteString(trimmed)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("line %d: malformed header line %q", lineNo, line)
		}
		flush()
		name = line[:colon]
		open = true
		value.WriteString(strings.TrimLeft(line[colon+1:], " \t"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return h, nil
}
