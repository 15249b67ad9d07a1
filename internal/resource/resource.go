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

// Package resource implements the `resource1`/`resource2` channel payload
// (R, spec §4.8): a no-argument package-listing form and a streaming
// single-file form with content negotiation, layered on internal/pkgindex.
package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/ezex-io/gopkg/logger"
	"github.com/ezex-io/gopkg/scheduler"

	"github.com/cockpit-project/agent-bridge/internal/channel"
	"github.com/cockpit-project/agent-bridge/internal/pkgindex"
	"github.com/cockpit-project/agent-bridge/internal/problem"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type kind struct {
	log          logger.Logger
	idx          *pkgindex.Index
	resultsField string // "resources" for resource1, "packages" for resource2 (spec §9)
}

// NewFactory returns a channel.Factory for the resource payload.
// resultsField selects the close-option key the no-argument listing form
// uses (spec §9 "treat both as equivalent except for the field name").
func NewFactory(log logger.Logger, idx *pkgindex.Index, resultsField string) channel.Factory {
	return func(ch *channel.Channel, options map[string]interface{}) (channel.Kind, error) {
		return &kind{log: log, idx: idx, resultsField: resultsField}, nil
	}
}

func (k *kind) Prepare(ch *channel.Channel, options map[string]interface{}) {
	pkgKey, hasPkg := options["package"].(string)
	path, hasPath := options["path"].(string)

	if !hasPkg && !hasPath {
		k.listingForm(ch)

		return
	}

	go k.streamingForm(ch, pkgKey, path, options)
}

// listingForm replies once with the listing attached to the close options,
// emits ready, then closes cleanly (spec §4.8 "No-argument form").
func (k *kind) listingForm(ch *channel.Channel) {
	listing := k.idx.Listing()
	data, err := listing.JSON()
	if err != nil {
		ch.Fail(problem.New(problem.InternalError, err.Error()))

		return
	}

	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		ch.Fail(problem.New(problem.InternalError, err.Error()))

		return
	}
	ch.CloseOptions()[k.resultsField] = decoded

	ch.Ready()
	ch.Fail(nil)
}

// streamingForm resolves, negotiates, and streams one file (spec §4.8
// "Streaming form"/"Delivery"). It runs on its own goroutine since Resolve
// and the read are blocking filesystem calls.
func (k *kind) streamingForm(ch *channel.Channel, pkgKey, path string, options map[string]interface{}) {
	host := ""
	if at := strings.IndexByte(pkgKey, '@'); at >= 0 {
		host = pkgKey[at+1:]
		pkgKey = pkgKey[:at]
	}

	listing := k.idx.Listing()

	acceptRaw, _ := options["accept"].([]interface{})
	chosenPath, negotiated := negotiateVariant(listing, pkgKey, path, acceptRaw)

	fsPath, err := pkgindex.Resolve(listing, pkgKey, chosenPath)
	if err != nil {
		ch.Fail(asProblem(err))

		return
	}

	data, err := os.ReadFile(fsPath)
	if err != nil {
		ch.Fail(classifyOpenError(err))

		return
	}

	if negotiated {
		meta, _ := json.Marshal(map[string]interface{}{"accept": variantSuffix(chosenPath)})
		ch.Send(meta)
	}

	chunks := pkgindex.Expand(listing, host, data)
	ch.Ready()
	pumpChunks(ch, chunks)
}

// negotiateVariant implements spec §4.8's content negotiation: for each
// accept value in order, try `basename.<accept>.ext` and use the first one
// that exists, else fall back to the original path.
func negotiateVariant(l *pkgindex.Listing, pkgKey, path string, accept []interface{}) (string, bool) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	for _, a := range accept {
		variant, ok := a.(string)
		if !ok {
			continue
		}
		candidate := base + "." + variant + ext
		fsPath, err := pkgindex.Resolve(l, pkgKey, candidate)
		if err != nil {
			continue
		}
		if _, err := os.Stat(fsPath); err == nil {
			return candidate, true
		}
	}

	return path, false
}

func variantSuffix(chosenPath string) string {
	ext := filepath.Ext(chosenPath)
	withoutExt := strings.TrimSuffix(chosenPath, ext)
	variantExt := filepath.Ext(withoutExt)

	return strings.TrimPrefix(variantExt, ".")
}

// pumpChunks pushes one chunk per scheduler turn, yielding to other
// channels between each (spec §4.8 "Delivery": "cooperative; yields to
// other channels"), then closes cleanly once the queue empties.
func pumpChunks(ch *channel.Channel, chunks [][]byte) {
	var step func(i int)
	step = func(i int) {
		if i >= len(chunks) {
			ch.Fail(nil)

			return
		}
		ch.Send(chunks[i])
		scheduler.After(context.Background(), 0).Do(func(context.Context) {
			step(i + 1)
		})
	}
	step(0)
}

func (k *kind) Recv(ch *channel.Channel, body []byte) {}

func (k *kind) Control(ch *channel.Channel, command string, options map[string]interface{}) bool {
	return false
}

func (k *kind) Close(ch *channel.Channel, prob *problem.Problem) {}

func asProblem(err error) *problem.Problem {
	if p, ok := problem.As(err); ok {
		return p
	}

	return problem.New(problem.InternalError, err.Error())
}

// classifyOpenError maps a file-open failure per spec §4.8: ENOENT, EISDIR,
// ENAMETOOLONG, ELOOP, EINVAL -> not-found; EACCES, EPERM -> not-authorized;
// anything else -> internal-error.
func classifyOpenError(err error) *problem.Problem {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT, syscall.EISDIR, syscall.ENAMETOOLONG, syscall.ELOOP, syscall.EINVAL:
			return problem.New(problem.NotFound, err.Error())
		case syscall.EACCES, syscall.EPERM:
			return problem.New(problem.NotAuthorized, err.Error())
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return problem.New(problem.NotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return problem.New(problem.NotAuthorized, err.Error())
	}

	return problem.New(problem.InternalError, err.Error())
}
