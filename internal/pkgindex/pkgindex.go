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

// Package pkgindex implements the content-addressed package index (K, spec
// §4.7): discovery under XDG-style data directories, manifest parsing with
// alias handling, dependency-folded checksums, path resolution, and
// `@@name@@` template expansion.
package pkgindex

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ezex-io/gopkg/cache"
	"github.com/ezex-io/gopkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// nameRe/pathComponentRe implement the grammar from spec §4.7 "Naming".
var (
	nameRe          = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	pathComponentRe = regexp.MustCompile(`^[A-Za-z0-9._,\-/]+$`)
)

// Package is one discovered package directory, plus whatever checksum state
// discovery and finalization computed for it.
type Package struct {
	Name      string
	Aliases   []string
	Directory string
	Manifest  map[string]interface{}

	// rawChecksum/finalChecksum are hex SHA-1 digests, empty when absent
	// (spec §4.7 "Raw checksum"/"Finalisation").
	rawChecksum   string
	finalChecksum string
	dependencies  map[string]struct{}
}

// Listing is a discovery snapshot: every package reachable by name, by
// alias, or by `$hex` checksum. Listings are immutable once built (spec §5
// "old listing objects remain valid until dropped").
type Listing struct {
	byKey    map[string]*Package
	packages []*Package // canonical, one entry per package, in discovery order
}

func (l *Listing) lookup(key string) *Package {
	if l == nil {
		return nil
	}

	return l.byKey[key]
}

// Discover builds a Listing from the per-user data directory (no checksums,
// since user packages change too often to usefully cache) followed by the
// system data directories in precedence order (earlier wins); the user
// directory always takes precedence over every system directory (spec §4.7
// "Discovery").
func Discover(log logger.Logger, userDir string, systemDirs []string) *Listing {
	l := &Listing{byKey: make(map[string]*Package)}

	if userDir != "" {
		l.scanRoot(log, userDir, false)
	}
	for _, dir := range systemDirs {
		l.scanRoot(log, dir, true)
	}

	l.finalizeAll()

	return l
}

func (l *Listing) scanRoot(log logger.Logger, root string, checksummed bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return // a missing/unreadable data root is not an error, just empty
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if !nameRe.MatchString(name) {
			continue
		}
		dir := filepath.Join(root, name)
		pkg, ok := l.loadPackage(log, name, dir, checksummed)
		if !ok {
			continue
		}
		l.register(pkg)
	}
}

func (l *Listing) loadPackage(log logger.Logger, name, dir string, checksummed bool) (*Package, bool) {
	manifestPath := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return nil, false // not a package, silently (spec §4.7 "Manifest")
	}
	if err != nil {
		log.Warn("failed to read manifest", "package", name, "error", err.Error())

		return nil, false
	}

	var manifest map[string]interface{}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		log.Warn("invalid manifest, skipping package", "package", name, "error", err.Error())

		return nil, false
	}

	pkg := &Package{Name: name, Directory: dir, Manifest: manifest}
	pkg.Aliases = extractAliases(manifest)
	delete(manifest, "alias")

	if checksummed {
		rawSum, deps, err := hashDir(dir)
		if err != nil {
			log.Warn("failed to checksum package", "package", name, "error", err.Error())
		} else {
			pkg.rawChecksum = rawSum
			pkg.dependencies = deps
		}
	}

	return pkg, true
}

func extractAliases(manifest map[string]interface{}) []string {
	switch v := manifest["alias"].(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// register adds pkg to the canonical list and every lookup key it owns
// (name + aliases), but never overwrites an existing key: the caller
// controls precedence purely by call order (spec §4.7 "user dir takes
// precedence; within the system list, earlier entries take precedence").
func (l *Listing) register(pkg *Package) {
	if _, exists := l.byKey[pkg.Name]; exists {
		return
	}
	l.packages = append(l.packages, pkg)
	l.byKey[pkg.Name] = pkg
	for _, alias := range pkg.Aliases {
		if _, exists := l.byKey[alias]; !exists {
			l.byKey[alias] = pkg
		}
	}
}

func (l *Listing) finalizeAll() {
	for _, pkg := range l.packages {
		if sum, ok := finalChecksum(pkg, l); ok {
			pkg.finalChecksum = sum
			l.byKey["$"+sum] = pkg
		}
	}
}

// Index wraps Discover with the re-readable caching semantics spec §5
// describes ("The package listing may be re-read on demand; old listing
// objects remain valid until dropped").
type Index struct {
	userDir    string
	systemDirs []string
	log        logger.Logger
	cache      cache.Cache[string, *Listing]
	ttl        time.Duration
}

const listingCacheKey = "listing"

// NewIndex constructs an Index. ttl bounds how long a discovered Listing is
// served from cache before Listing() re-scans disk; 0 disables caching
// entirely (every call rescans).
func NewIndex(ctx context.Context, userDir string, systemDirs []string, log logger.Logger, ttl time.Duration) *Index {
	return &Index{
		userDir:    userDir,
		systemDirs: systemDirs,
		log:        log,
		cache:      cache.NewBasic[string, *Listing](ctx),
		ttl:        ttl,
	}
}

// Listing returns the current package listing, using a cached snapshot when
// one is still fresh.
func (idx *Index) Listing() *Listing {
	if l, ok := idx.cache.Get(listingCacheKey); ok {
		return l
	}

	return idx.Refresh()
}

// Refresh forces a fresh directory scan regardless of cache state.
func (idx *Index) Refresh() *Listing {
	l := Discover(idx.log, idx.userDir, idx.systemDirs)
	idx.cache.Add(listingCacheKey, l, idx.ttl)

	return l
}
