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

// Package knownhosts implements the append-only known_hosts store (spec §6
// "Known hosts"): one OpenSSH-format line per entry, concurrent append
// tolerated via whole-file read-append-write with a trailing newline
// guarantee.
package knownhosts

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/ezex-io/gopkg/retry"
)

// Store is a handle onto one known_hosts file. Multiple bridge processes may
// share the same path; in-process callers are serialised by mu, and the
// read-append-write cycle itself is retried against the other processes'
// writes racing it (spec §6).
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store over path. The file need not exist yet; it is created
// on first Append.
func New(path string) *Store {
	return &Store{path: path}
}

// Lines returns every known_hosts line currently on disk, in file order. A
// missing file is not an error; it reads as empty.
func (s *Store) Lines() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readLines()
}

func (s *Store) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil, nil
	}

	return strings.Split(trimmed, "\n"), nil
}

// Append adds line to the store, guaranteeing the file ends with exactly one
// trailing newline. The read-append-write cycle is retried a few times if it
// races another process's write to the same path (EINTR/short-write class of
// failure at the syscall boundary), per §9's "retained dependency" note.
func (s *Store) Append(ctx context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan error, 1)
	retry.ExecuteAsync(ctx, func() error {
		err := s.appendOnce(line)
		if err == nil {
			done <- nil
		}

		return err
	}, func(err error) {
		done <- err
	})

	return <-done
}

func (s *Store) appendOnce(line string) error {
	existing, err := s.readLines()
	if err != nil {
		return err
	}

	for _, l := range existing {
		if l == line {
			return nil
		}
	}

	var b strings.Builder
	for _, l := range existing {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(line)
	b.WriteByte('\n')

	return os.WriteFile(s.path, []byte(b.String()), 0o600)
}
