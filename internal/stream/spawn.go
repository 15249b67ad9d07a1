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

package stream

import "github.com/cockpit-project/agent-bridge/internal/pipe"

type pipeWithResize struct {
	*pipe.Pipe
	resizer ptyResizer
}

func (p *pipeWithResize) Resize(w pipe.Window) error { return p.resizer.Resize(w) }

func stderrMode(s string) pipe.StderrMode {
	switch s {
	case "ignore":
		return pipe.StderrIgnore
	case "message":
		return pipe.StderrMessage
	default:
		return pipe.StderrOut
	}
}

func spawnProcess(id string, opts Options) (*pipe.Pipe, error) {
	return pipe.Spawn(id, pipe.SpawnOptions{
		Argv:      opts.Spawn,
		Env:       opts.Environ,
		Directory: opts.Directory,
		Stderr:    stderrMode(opts.Err),
	})
}

func spawnPTY(id string, opts Options) (*pipeWithResize, error) {
	pp, err := pipe.SpawnPTY(id, pipe.SpawnOptions{
		Argv:      opts.Spawn,
		Env:       opts.Environ,
		Directory: opts.Directory,
	}, opts.Window)
	if err != nil {
		return nil, err
	}

	return &pipeWithResize{Pipe: pp.Pipe, resizer: pp}, nil
}
