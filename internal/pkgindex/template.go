// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package pkgindex

import "bytes"

var marker = []byte("@@")

// walkTemplate scans data for `@@name@@` markers (spec §4.7 "Expand"),
// calling onLiteral for each run of ordinary bytes and onMarker for each
// name found between a pair of markers, in order. An unterminated trailing
// `@@` (no closing pair) is treated as literal text, not a marker.
func walkTemplate(data []byte, onLiteral func([]byte), onMarker func(string)) {
	for {
		idx := bytes.Index(data, marker)
		if idx < 0 {
			if len(data) > 0 {
				onLiteral(data)
			}

			return
		}
		if idx > 0 {
			onLiteral(data[:idx])
		}

		rest := data[idx+len(marker):]
		end := bytes.Index(rest, marker)
		if end < 0 {
			onLiteral(data[idx:])

			return
		}

		onMarker(string(rest[:end]))
		data = rest[end+len(marker):]
	}
}

// scanTemplateNames collects every marker name in data without substituting
// anything (spec §4.7 "Raw checksum": "a dependency-collecting expander
// ... returns null for every marker, so the checksum is taken of the
// original bytes").
func scanTemplateNames(data []byte) map[string]struct{} {
	names := make(map[string]struct{})
	walkTemplate(data, func([]byte) {}, func(name string) {
		names[name] = struct{}{}
	})

	return names
}

// maxChunk/bigBlock are the thresholds from spec §4.7 "Expand": blocks at
// least 8 KiB are split into sub-blocks no larger than 4 KiB.
const (
	bigBlock = 8 * 1024
	maxChunk = 4 * 1024
)

// Expand walks input as a template (spec §4.7 "Expand"): a 0x00 byte
// anywhere marks the input as binary and it is returned unchanged as one
// chunk; otherwise markers are substituted per substituteMarker and long
// runs are split into transport-friendly sub-blocks.
func Expand(l *Listing, host string, input []byte) [][]byte {
	if bytes.IndexByte(input, 0) >= 0 {
		return [][]byte{input}
	}

	var out [][]byte
	push := func(b []byte) {
		if len(b) == 0 {
			return
		}
		if len(b) < bigBlock {
			out = append(out, b)

			return
		}
		for len(b) > 0 {
			n := maxChunk
			if n > len(b) {
				n = len(b)
			}
			out = append(out, b[:n])
			b = b[n:]
		}
	}

	walkTemplate(input, push, func(name string) {
		push([]byte(substituteMarker(l, host, name)))
	})

	return out
}

// substituteMarker implements the priority chain from spec §4.7: final
// checksum if known, else name@host if a host was given, else the bare name
// if it's at least a known package, else empty.
func substituteMarker(l *Listing, host, name string) string {
	pkg := l.lookup(name)
	if pkg != nil && pkg.finalChecksum != "" {
		return "$" + pkg.finalChecksum
	}
	if host != "" {
		return name + "@" + host
	}
	if pkg != nil {
		return name
	}

	return ""
}
