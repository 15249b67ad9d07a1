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

import (
	"crypto/sha1" //nolint:gosec // content-addressing digest, not a security boundary (spec §4.7)
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
)

// hashFile computes the inner hash for one file: SHA-1 of its raw,
// unsubstituted bytes, plus the set of template dependency names found in
// it (spec §4.7 "Raw checksum").
func hashFile(path string) (hexDigest string, deps map[string]struct{}, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}

	sum := sha1.Sum(data)

	return hex.EncodeToString(sum[:]), scanTemplateNames(data), nil
}

// hashDir computes a package's raw checksum by walking its tree in
// canonical order (spec §4.7 "Raw checksum"): entries within a directory
// are visited sorted by raw byte comparison (sort.Strings on Go strings
// already compares byte-wise), recursing into subdirectories and hashing
// files, folding each entry into the outer digest as
// `filename || 0x00 || hex(inner) || 0x00`.
func hashDir(dir string) (hexDigest string, deps map[string]struct{}, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, err
	}

	names := make([]string, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
		byName[e.Name()] = e
	}
	sort.Strings(names)

	outer := sha1.New() //nolint:gosec
	deps = make(map[string]struct{})

	for _, name := range names {
		entry := byName[name]
		full := filepath.Join(dir, name)

		var inner string
		var fileDeps map[string]struct{}
		if entry.IsDir() {
			inner, fileDeps, err = hashDir(full)
		} else {
			inner, fileDeps, err = hashFile(full)
		}
		if err != nil {
			return "", nil, err
		}
		for d := range fileDeps {
			deps[d] = struct{}{}
		}

		outer.Write([]byte(name))
		outer.Write([]byte{0})
		outer.Write([]byte(inner))
		outer.Write([]byte{0})
	}

	return hex.EncodeToString(outer.Sum(nil)), deps, nil
}

// finalChecksum folds a package's dependency raw checksums into its raw
// checksum (spec §4.7 "Finalisation"): seed a SHA-1 with the raw checksum,
// then update with each dependency's raw checksum in lexicographic order of
// dependency name. Any missing or not-yet-checksummed dependency means the
// package itself has no final checksum.
func finalChecksum(pkg *Package, l *Listing) (string, bool) {
	if pkg.rawChecksum == "" {
		return "", false
	}

	names := make([]string, 0, len(pkg.dependencies))
	for name := range pkg.dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha1.New() //nolint:gosec
	h.Write([]byte(pkg.rawChecksum))
	for _, name := range names {
		dep := l.lookup(name)
		if dep == nil || dep.rawChecksum == "" {
			return "", false
		}
		h.Write([]byte(dep.rawChecksum))
	}

	return hex.EncodeToString(h.Sum(nil)), true
}
