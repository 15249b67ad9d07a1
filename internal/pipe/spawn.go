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
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// StderrMode selects what happens to a spawned child's stderr, matching the
// stream channel's `err` option (spec §4.6).
type StderrMode int

const (
	// StderrOut merges stderr into the same stream as stdout.
	StderrOut StderrMode = iota
	// StderrIgnore routes stderr to /dev/null.
	StderrIgnore
	// StderrMessage buffers stderr in memory to attach as the `message`
	// close option (spec §4.5 "Spawn").
	StderrMessage
)

// SpawnOptions configures a subprocess-backed Pipe.
type SpawnOptions struct {
	Argv       []string
	Env        []string
	Directory  string
	Stderr     StderrMode
	StderrCap  int // byte cap for StderrMessage buffering; 0 selects a default
}

const defaultStderrCap = 64 * 1024

// processReaper implements the pipe.reaper interface for a plain
// (non-PTY) subprocess started with exec.Cmd.
type processReaper struct {
	cmd *exec.Cmd

	mu        sync.Mutex
	signalled bool
}

func (r *processReaper) pid() int { return r.cmd.Process.Pid }

func (r *processReaper) wait() (*int, *string, error) {
	err := r.cmd.Wait()
	return exitResult(r.cmd.ProcessState, err)
}

func (r *processReaper) signalTerminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signalled || r.cmd.Process == nil {
		return
	}
	r.signalled = true
	// Signal the whole process group (spec §4.5 Teardown); Setpgid makes
	// the child's pid double as its pgid, so -pid addresses the group.
	_ = syscall.Kill(-r.cmd.Process.Pid, syscall.SIGTERM)
}

func (r *processReaper) signalKill() {
	if r.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-r.cmd.Process.Pid, syscall.SIGKILL)
}

// exitResult turns an exec.Cmd wait error into the (status, signal) pair
// spec §4.5 "Child reap" describes: WIFEXITED -> exit-status, WIFSIGNALED ->
// exit-signal as a symbolic name, anything else opaque -> exit-status -1.
func exitResult(state *os.ProcessState, waitErr error) (*int, *string, error) {
	if state == nil {
		if waitErr != nil && !errors.As(waitErr, new(*exec.ExitError)) {
			return nil, nil, waitErr
		}

		return nil, nil, nil
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		code := state.ExitCode()

		return &code, nil, nil
	}

	switch {
	case ws.Exited():
		code := ws.ExitStatus()

		return &code, nil, nil
	case ws.Signaled():
		name := signalName(ws.Signal())

		return nil, &name, nil
	default:
		code := -1

		return &code, nil, nil
	}
}

func signalName(sig syscall.Signal) string {
	s := sig.String()
	// syscall.Signal.String() returns e.g. "terminated" or "killed"; we
	// want the short symbolic form the remote expects ("TERM", "KILL").
	switch sig {
	case syscall.SIGTERM:
		return "TERM"
	case syscall.SIGKILL:
		return "KILL"
	case syscall.SIGINT:
		return "INT"
	case syscall.SIGHUP:
		return "HUP"
	case syscall.SIGQUIT:
		return "QUIT"
	case syscall.SIGABRT:
		return "ABRT"
	case syscall.SIGPIPE:
		return "PIPE"
	case syscall.SIGSEGV:
		return "SEGV"
	default:
		return s
	}
}

// Spawn executes opts.Argv as a child process and wires its stdin/stdout (and
// stderr, per opts.Stderr) through a Pipe. Exec failures are classified per
// spec §4.5: ENOENT -> not-found, EACCES/EPERM -> not-authorized, else
// internal-error.
func Spawn(name string, opts SpawnOptions) (*Pipe, error) {
	if len(opts.Argv) == 0 {
		return nil, problem.New(problem.ProtocolError, "spawn requires a non-empty argv")
	}

	// exec.Command resolves argv[0] through $PATH itself when it has no
	// slash, matching the original bridge's spawn argv validation.
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Directory
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	// Run in its own process group so a SIGTERM sent to the group on
	// teardown reaches any children the spawned process itself forked,
	// not just the direct child (spec §4.5 Teardown).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, problem.New(problem.InternalError, err.Error())
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, problem.New(problem.InternalError, err.Error())
	}

	var stderrBuf *stderrCollector
	switch opts.Stderr {
	case StderrOut:
		cmd.Stderr = cmd.Stdout
	case StderrIgnore:
		cmd.Stderr = nil
	case StderrMessage:
		cap := opts.StderrCap
		if cap <= 0 {
			cap = defaultStderrCap
		}
		stderrBuf = &stderrCollector{cap: cap}
		cmd.Stderr = stderrBuf
	}

	if err := cmd.Start(); err != nil {
		return nil, classifySpawnError(err)
	}

	reaper := &processReaper{cmd: cmd}
	p := newPipe(name, stdout, stdin, readWriteCloser{stdout, stdin}, nopHalfCloser{stdin}, reaper, DefaultHighWater, DefaultLowWater)
	if stderrBuf != nil {
		go func() {
			<-p.Closed()
			p.setStderrLog(stderrBuf.bytes())
		}()
	}

	return p, nil
}

func classifySpawnError(err error) *problem.Problem {
	if errors.Is(err, exec.ErrNotFound) {
		return problem.New(problem.NotFound, err.Error())
	}

	return classifyErrno(err)
}

// readWriteCloser combines separate read/write closers (the two ends of a
// child's stdio) behind one io.Closer so Pipe can close both on teardown.
type readWriteCloser struct {
	r io.Closer
	w io.Closer
}

func (rw readWriteCloser) Close() error {
	err1 := rw.r.Close()
	err2 := rw.w.Close()
	if err1 != nil {
		return err1
	}

	return err2
}

// nopHalfCloser closes a plain io.WriteCloser fully in place of a real
// shutdown, since a child's stdin has no socket-style half-close.
type nopHalfCloser struct {
	w io.WriteCloser
}

func (n nopHalfCloser) CloseWrite() error { return n.w.Close() }

// stderrCollector is an io.Writer that retains up to cap bytes, used for
// err:"message" mode (spec §4.5).
type stderrCollector struct {
	mu  sync.Mutex
	cap int
	buf bytes.Buffer
}

func (s *stderrCollector) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.cap - s.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}

	return s.buf.Write(p)
}

func (s *stderrCollector) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.TrimSpace(s.buf.Bytes())
}

