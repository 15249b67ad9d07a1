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
	"io"
	"net"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// DefaultHighWater/DefaultLowWater bound a pipe's outbound queue before
// pressure is raised/cleared (spec §4.4, §5 "Resource policy").
const (
	DefaultHighWater = 4 * 1024 * 1024
	DefaultLowWater  = 1 * 1024 * 1024
)

// Connect dials network/addr (e.g. "unix", "/run/foo.sock") and wraps the
// resulting connection as a Pipe. Errors are classified per spec §4.5
// "Connect": EPERM/EACCES -> not-authorized, ENOENT -> not-found, else
// internal-error.
func Connect(name, network, addr string) (*Pipe, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, classifyConnectError(err)
	}

	return NewConn(name, conn), nil
}

// NewConn wraps an already-connected net.Conn as a Pipe with no attached
// child process.
func NewConn(name string, conn net.Conn) *Pipe {
	wc, _ := conn.(halfCloser)

	return newPipe(name, conn, conn, conn, wc, nil, DefaultHighWater, DefaultLowWater)
}

func classifyConnectError(err error) *problem.Problem {
	return classifyErrno(err)
}

// stdioCloser closes both halves of a stdio transport; used as the Pipe's
// single io.Closer since stdin and stdout are two distinct *os.File values
// rather than one net.Conn.
type stdioCloser struct {
	in, out io.Closer
}

func (c stdioCloser) Close() error {
	errIn := c.in.Close()
	errOut := c.out.Close()
	if errIn != nil {
		return errIn
	}

	return errOut
}

// NewStdio wraps a process's own stdin/stdout as a Pipe with no attached
// child (the top-level transport's own byte stream, spec §6 "External
// collaborators": "an already-connected byte stream"). Neither stdin nor
// stdout support CloseWrite, so half-close leaves stdout open until the
// whole pipe is closed, same as a PTY master.
func NewStdio(name string, in io.ReadCloser, out io.WriteCloser) *Pipe {
	return newPipe(name, in, out, stdioCloser{in: in, out: out}, nil, nil, DefaultHighWater, DefaultLowWater)
}

// Types exposing CloseWrite (net.UnixConn, net.TCPConn) let the write loop
// half-close without a full Close. For types that don't implement it (e.g. a
// PTY master) halfCloseOut does nothing; the ENOTSOCK fallback to Close
// applies only when a CloseWrite call fails.
var (
	_ halfCloser = (*net.UnixConn)(nil)
	_ halfCloser = (*net.TCPConn)(nil)
)
