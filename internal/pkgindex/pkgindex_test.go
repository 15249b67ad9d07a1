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

package pkgindex_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ezex-io/gopkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/agent-bridge/internal/pkgindex"
)

func writePackage(t *testing.T, root, name string, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	for relPath, content := range files {
		full := filepath.Join(dir, relPath)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestDiscoverUserPackageHasNoChecksum(t *testing.T) {
	userDir := t.TempDir()
	writePackage(t, userDir, "scratch", `{}`, nil)

	l := pkgindex.Discover(logger.DefaultSlog, userDir, nil)
	data, err := l.JSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"checksum"`)
}

func TestDiscoverSystemDirEarlierEntryWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writePackage(t, first, "shared", `{"from":"first"}`, nil)
	writePackage(t, second, "shared", `{"from":"second"}`, nil)

	l := pkgindex.Discover(logger.DefaultSlog, "", []string{first, second})
	path, err := pkgindex.Resolve(l, "shared", "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "shared", "manifest.json"), path)
}

func TestManifestAliasRegistersAdditionalLookupKeyAndIsHidden(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "real_name", `{"alias":"nickname"}`, nil)

	l := pkgindex.Discover(logger.DefaultSlog, "", []string{root})

	_, err := pkgindex.Resolve(l, "nickname", "manifest.json")
	require.NoError(t, err)

	data, err := l.JSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "alias")
}

func TestInvalidManifestJSONSkipsPackageWithoutPanicking(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "broken", `["not", "an", "object"]`, nil)
	writePackage(t, root, "fine", `{}`, nil)

	l := pkgindex.Discover(logger.DefaultSlog, "", []string{root})

	_, err := pkgindex.Resolve(l, "broken", "manifest.json")
	assert.Error(t, err)
	_, err = pkgindex.Resolve(l, "fine", "manifest.json")
	assert.NoError(t, err)
}

func TestChecksumFoldingMonotonicity(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "a", `{}`, map[string]string{"data.txt": "hello"})
	writePackage(t, root, "b", `{}`, map[string]string{"template.txt": "@@a@@"})

	l := pkgindex.Discover(logger.DefaultSlog, "", []string{root})
	data, err := l.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"checksum"`)

	// Changing A's content changes A's raw checksum and therefore B's final
	// checksum (spec §8 invariant 5).
	writePackage(t, root, "a", `{}`, map[string]string{"data.txt": "goodbye"})
	l2 := pkgindex.Discover(logger.DefaultSlog, "", []string{root})
	data2, err := l2.JSON()
	require.NoError(t, err)
	assert.NotEqual(t, string(data), string(data2))
}

func TestResolveRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "test", `{}`, nil)
	l := pkgindex.Discover(logger.DefaultSlog, "", []string{root})

	_, err := pkgindex.Resolve(l, "test", "../x")
	assert.Error(t, err)
}

func TestExpandBinaryInputReturnedAsSingleChunk(t *testing.T) {
	l := pkgindex.Discover(logger.DefaultSlog, "", nil)
	input := []byte("abc\x00def")
	chunks := pkgindex.Expand(l, "", input)
	require.Len(t, chunks, 1)
	assert.Equal(t, input, chunks[0])
}

func TestExpandSubstitutesFinalChecksum(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "a", `{}`, map[string]string{"data.txt": "hello"})
	l := pkgindex.Discover(logger.DefaultSlog, "", []string{root})

	chunks := pkgindex.Expand(l, "", []byte("prefix @@a@@ suffix"))
	joined := ""
	for _, c := range chunks {
		joined += string(c)
	}
	assert.Contains(t, joined, "prefix $")
	assert.Contains(t, joined, " suffix")
}

func TestExpandUnknownMarkerWithHostAppendsHost(t *testing.T) {
	l := pkgindex.Discover(logger.DefaultSlog, "", nil)
	chunks := pkgindex.Expand(l, "remote", []byte("@@whatever@@"))
	joined := ""
	for _, c := range chunks {
		joined += string(c)
	}
	assert.Equal(t, "whatever@remote", joined)
}

func TestExpandUnknownMarkerWithoutHostIsEmpty(t *testing.T) {
	l := pkgindex.Discover(logger.DefaultSlog, "", nil)
	chunks := pkgindex.Expand(l, "", []byte("@@whatever@@"))
	assert.Empty(t, chunks)
}
