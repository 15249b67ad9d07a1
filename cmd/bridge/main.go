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

// Command bridge is the per-session agent/bridge process: it multiplexes
// channels over its own stdin/stdout (spec §6 "External collaborators",
// "an already-connected byte stream"), wiring the stream, resource1 and
// resource2 payloads into the multiplexer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ezex-io/gopkg/logger"

	"github.com/cockpit-project/agent-bridge/internal/channel"
	"github.com/cockpit-project/agent-bridge/internal/config"
	"github.com/cockpit-project/agent-bridge/internal/pipe"
	"github.com/cockpit-project/agent-bridge/internal/pkgindex"
	"github.com/cockpit-project/agent-bridge/internal/resource"
	"github.com/cockpit-project/agent-bridge/internal/stream"
	"github.com/cockpit-project/agent-bridge/internal/transport"
)

const capabilityPackages = "packages"

// main wires the core (spec §1-5): a stdio transport, the multiplexer, and
// the stream/resource payloads. Host-key verification against
// internal/knownhosts is the SSH transport supplier's job (spec §6
// "External collaborators"), a process that sits in front of this one and
// hands it an already-authenticated byte stream; it has no hook here.
func main() {
	log := logger.NewSlog(nil)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	idx := pkgindex.NewIndex(ctx, cfg.PackageUserDir(), cfg.PackageSystemDirs(), log, 0)

	p := pipe.NewStdio("stdio", os.Stdin, os.Stdout)
	t := transport.New(p, cfg.MaxFrameSize)

	factories := map[string]channel.Factory{
		"stream":      stream.NewFactory(log, false),
		"text-stream": stream.NewFactory(log, true),
		"resource1":   resource.NewFactory(log, idx, "resources"),
		"resource2":   resource.NewFactory(log, idx, "packages"),
	}

	mux := channel.New(t, factories, []string{capabilityPackages}, log)

	go mux.Run(ctx)

	select {
	case <-mux.Done():
	case <-ctx.Done():
	}
}
