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

import "sort"

type listingEntry struct {
	ID       []string               `json:"id"`
	Manifest map[string]interface{} `json:"manifest"`
	Checksum string                 `json:"checksum,omitempty"`
}

// JSON renders the listing output (spec §4.7 "Listing output"): one entry
// per package regardless of how many keys map to it, sorted by primary
// name.
func (l *Listing) JSON() ([]byte, error) {
	entries := make([]listingEntry, 0, len(l.packages))
	for _, pkg := range l.packages {
		e := listingEntry{
			ID:       append([]string{pkg.Name}, pkg.Aliases...),
			Manifest: pkg.Manifest,
		}
		if pkg.finalChecksum != "" {
			e.Checksum = "$" + pkg.finalChecksum
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID[0] < entries[j].ID[0] })

	return json.Marshal(entries)
}
