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

package pipe

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// Window is a terminal size, matching the `window: {rows, cols}` option
// (spec §4.5 "PTY").
type Window struct {
	Rows uint16
	Cols uint16
}

// DefaultWindow is used when no window option is given (spec §4.5: "defaults
// 24x80").
var DefaultWindow = Window{Rows: 24, Cols: 80}

type ptyReaper struct {
	cmd *exec.Cmd
	mu  sync.Mutex
	signalled bool
}

func (r *ptyReaper) pid() int { return r.cmd.Process.Pid }

func (r *ptyReaper) wait() (*int, *string, error) {
	err := r.cmd.Wait()

	return exitResult(r.cmd.ProcessState, err)
}

func (r *ptyReaper) signalTerminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signalled || r.cmd.Process == nil {
		return
	}
	r.signalled = true
	_ = r.cmd.Process.Signal(syscall.SIGTERM)
}

func (r *ptyReaper) signalKill() {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

// ptyPipe wraps a Pipe to additionally expose Resize, since a PTY master is
// both the read and write end.
type ptyPipe struct {
	*Pipe
	master *os.File
}

// Resize applies a new terminal window size to the PTY master. A failure is
// logged by the caller and otherwise ignored (spec §4.5: "If setting the
// size fails, log and continue").
func (p *ptyPipe) Resize(w Window) error {
	return pty.Setsize(p.master, &pty.Winsize{Rows: w.Rows, Cols: w.Cols})
}

// SpawnPTY executes opts.Argv attached to a freshly allocated pseudoterminal
// instead of plain pipes. err is ignored for PTY sessions (spec §9
// "combining pty: true with err: message... err is ignored"), since there is
// only one combined stdout+stderr stream.
func SpawnPTY(name string, opts SpawnOptions, window Window) (*ptyPipe, error) {
	if len(opts.Argv) == 0 {
		return nil, problem.New(problem.ProtocolError, "spawn requires a non-empty argv")
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Directory
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: window.Rows, Cols: window.Cols})
	if err != nil {
		return nil, classifySpawnError(err)
	}

	reaper := &ptyReaper{cmd: cmd}
	p := newPipe(name, master, master, master, nil, reaper, DefaultHighWater, DefaultLowWater)

	return &ptyPipe{Pipe: p, master: master}, nil
}
