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
	"path/filepath"
	"strings"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// validPath implements spec §4.7 "Naming": a valid path component matches
// `[A-Za-z0-9._,\-/]+` and must not contain `../` or `/..`.
func validPath(path string) bool {
	if path == "" || !pathComponentRe.MatchString(path) {
		return false
	}

	return !strings.Contains(path, "../") && !strings.Contains(path, "/..") && path != ".."
}

// Resolve maps a (package, path) pair to a filesystem path (spec §4.7
// "Resolve"). package may be a name, an alias, or a `$hex` checksum. This is
// explicitly not a security boundary; it runs as the user the bridge itself
// runs as.
func Resolve(l *Listing, pkg, path string) (string, error) {
	if !validPath(path) {
		return "", problem.New(problem.NotFound, "invalid 'path'")
	}

	p := l.lookup(pkg)
	if p == nil {
		return "", problem.New(problem.NotFound, "unknown package "+pkg)
	}

	return filepath.Join(p.Directory, path), nil
}
