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

package knownhosts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockpit-project/agent-bridge/internal/knownhosts"
)

func TestLinesOnMissingFileIsEmptyNotError(t *testing.T) {
	store := knownhosts.New(filepath.Join(t.TempDir(), "known_hosts"))
	lines, err := store.Lines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestAppendCreatesFileWithTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store := knownhosts.New(path)

	require.NoError(t, store.Append(context.Background(), "example.org ssh-ed25519 AAAA..."))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "example.org ssh-ed25519 AAAA...\n", string(data))
}

func TestAppendIsIdempotentForDuplicateLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store := knownhosts.New(path)

	line := "example.org ssh-ed25519 AAAA..."
	require.NoError(t, store.Append(context.Background(), line))
	require.NoError(t, store.Append(context.Background(), line))

	lines, err := store.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{line}, lines)
}

func TestAppendPreservesEarlierLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store := knownhosts.New(path)

	require.NoError(t, store.Append(context.Background(), "a.example ssh-ed25519 AAA1"))
	require.NoError(t, store.Append(context.Background(), "b.example ssh-ed25519 AAA2"))

	lines, err := store.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example ssh-ed25519 AAA1", "b.example ssh-ed25519 AAA2"}, lines)
}
