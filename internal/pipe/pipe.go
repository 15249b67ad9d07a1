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

// Package pipe implements the non-blocking read/write primitive (spec §4.5)
// that every stream channel is built on: a pair of file descriptors (or a
// single PTY master, or a net.Conn), optionally fronting a child process,
// driving reads and writes without blocking the rest of the bridge.
//
// The C original drives this off epoll readiness callbacks on a single
// thread. Go's runtime already turns a blocking Read/Write on a pipe or
// socket into a parked goroutine rather than a blocked OS thread, so the
// idiomatic translation (matching the teacher's own recvLoop/sendLoop
// goroutine-plus-channel shape, session.go:379 and session.go:531) is one
// reader goroutine and one writer goroutine per Pipe, communicating with the
// owner via channels instead of callbacks. Ordering per spec §5
// ("Suspension MUST NOT cross a message delivery") is preserved because the
// owner drains exactly one event at a time from the Reads() channel.
package pipe

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sagernet/sing/common/bufio"

	"github.com/cockpit-project/agent-bridge/internal/flow"
	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// backpressurePoll is how often the read loop rechecks whether the
// consumer's flow pressure has cleared.
const backpressurePoll = 10 * time.Millisecond

func pauseForBackpressure() {
	time.Sleep(backpressurePoll)
}

// readChunkSize is the tuning constant from spec §4.5 ("read up to a tuning
// constant (e.g., 1 KiB)").
const readChunkSize = 1024

// ReadEvent is delivered once per successful read, and exactly once more
// with EOF set to true when the read side reaches end of file.
type ReadEvent struct {
	Data []byte
	EOF  bool
}

// reaper is satisfied by both spawn.go and pty.go; it lets Pipe wait for
// child-process exit without knowing whether it was spawned with a PTY.
type reaper interface {
	wait() (exitStatus *int, exitSignal *string, err error)
	pid() int
	signalTerminate()
	signalKill()
}

// Pipe drives one non-blocking byte stream, optionally backed by a child
// process. Construct one via NewConn, Connect, Spawn or SpawnPTY.
type Pipe struct {
	Name string

	in  io.Reader
	out io.Writer
	// closer closes whatever underlying resource in/out are views onto
	// (a net.Conn, a pair of os.Files, a pty master). Close is idempotent.
	closer io.Closer
	// writeHalfCloser, if non-nil, lets CloseWrite half-close distinctly from
	// a full Close. nil for PTYs, which have no separate write-shutdown.
	writeHalfCloser halfCloser
	reaper          reaper

	// WriteGauge tracks this pipe's out_queue byte count; its Pressure()
	// is what a paired channel's Controller throttles on (spec §4.4).
	WriteGauge *flow.Gauge
	// ReadFlow is throttled by the paired channel's flow, pausing this
	// pipe's read loop when the channel can't keep up.
	ReadFlow flow.Controller

	writeCh chan [][]byte
	reads   chan ReadEvent
	closed  chan struct{}

	closeWriteOnce sync.Once
	closeOnce      sync.Once
	writeDone      chan struct{}

	mu         sync.Mutex
	prob       *problem.Problem
	exitStatus *int
	exitSignal *string
	stderrLog  []byte

	eofSeen  atomic.Bool
	reapSeen atomic.Bool
}

type halfCloser interface {
	CloseWrite() error
}

func newPipe(name string, in io.Reader, out io.Writer, closer io.Closer, wc halfCloser, r reaper, highWater, lowWater int64) *Pipe {
	p := &Pipe{
		Name:            name,
		in:              in,
		out:             out,
		closer:          closer,
		writeHalfCloser: wc,
		reaper:          r,
		WriteGauge:      flow.NewGauge(highWater, lowWater),
		writeCh:         make(chan [][]byte, 256),
		reads:           make(chan ReadEvent, 8),
		closed:          make(chan struct{}),
		writeDone:       make(chan struct{}),
	}
	go p.readLoop()
	go p.writeLoop()
	if r != nil {
		go p.reapLoop()
	} else {
		p.reapSeen.Store(true)
	}

	return p
}

// Reads returns the channel of inbound read events. The final event always
// has EOF set to true.
func (p *Pipe) Reads() <-chan ReadEvent { return p.reads }

// Closed is closed once both halves of teardown (I/O EOF/error and, if a
// child was attached, reap) have completed, matching spec §3 "Pipe"
// invariant: "when pid.is_some() the final close is gated on both
// EOF-on-read and child reap".
func (p *Pipe) Closed() <-chan struct{} { return p.closed }

// Err returns the terminal problem, valid once Closed() has fired. A clean
// close (peer EOF, no child, no write error) returns nil.
func (p *Pipe) Err() *problem.Problem {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.prob
}

// ExitStatus returns the spawned child's exit code, if the pipe wraps a
// process that exited normally.
func (p *Pipe) ExitStatus() *int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitStatus
}

// ExitSignal returns the symbolic name of the signal that killed a spawned
// child, if any (e.g. "TERM", "KILL").
func (p *Pipe) ExitSignal() *string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitSignal
}

// StderrLog returns buffered stderr, when the pipe was spawned with
// err:"message" (spec §4.5 "buffer stderr log to be delivered as the
// `message` side-channel option at close").
func (p *Pipe) StderrLog() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stderrLog
}

func (p *Pipe) setStderrLog(b []byte) {
	p.mu.Lock()
	p.stderrLog = b
	p.mu.Unlock()
}

func (p *Pipe) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		for p.ReadFlow.Throttled() {
			// Poll rather than a wake channel: the set of blockers is
			// small and static per pipe, and pressure clears on its own
			// schedule as the consumer drains its queue.
			select {
			case <-p.closed:
				return
			default:
			}
			pauseForBackpressure()
		}

		n, err := p.in.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.reads <- ReadEvent{Data: chunk}
		}
		if err != nil {
			eof := err == io.EOF
			p.reads <- ReadEvent{Data: nil, EOF: true}
			p.eofSeen.Store(true)
			if !eof {
				p.fail(problem.New(problem.InternalError, "read error: "+err.Error()))
			}
			p.maybeFinish()

			return
		}
	}
}

// writeLoop drains the outbound queue. When the underlying writer supports
// scatter-gather I/O (true for most net.Conn types), a multi-part vector
// (e.g. a frame's header and body, spec §4.1 "written as separate buffers
// ... which may coalesce them with vectored I/O") is written in one syscall
// via sing's vectorised writer, matching the teacher's own sendLoop
// (session.go:537-563).
func (p *Pipe) writeLoop() {
	defer close(p.writeDone)
	vw, hasVectorised := bufio.CreateVectorisedWriter(p.out)

	for vec := range p.writeCh {
		total := 0
		for _, part := range vec {
			total += len(part)
		}

		var err error
		if hasVectorised && len(vec) > 1 {
			_, err = bufio.WriteVectorised(vw, vec)
		} else {
			for _, part := range vec {
				if _, werr := p.out.Write(part); werr != nil {
					err = werr

					break
				}
			}
		}

		p.WriteGauge.Add(-int64(total))
		if err != nil {
			p.fail(problem.New(problem.InternalError, "write error: "+err.Error()))

			return
		}
	}
	p.halfCloseOut()
}

func (p *Pipe) reapLoop() {
	status, sig, err := p.reaper.wait()
	p.mu.Lock()
	p.exitStatus = status
	p.exitSignal = sig
	p.mu.Unlock()
	if err != nil {
		p.fail(problem.New(problem.InternalError, "wait: "+err.Error()))
	}
	p.reapSeen.Store(true)
	p.maybeFinish()
}

func (p *Pipe) maybeFinish() {
	if p.eofSeen.Load() && p.reapSeen.Load() {
		p.closeOnce.Do(func() {
			if p.closer != nil {
				_ = p.closer.Close()
			}
			close(p.closed)
		})
	}
}

func (p *Pipe) fail(prob *problem.Problem) {
	p.mu.Lock()
	if p.prob == nil {
		p.prob = prob
	}
	p.mu.Unlock()
}

// Write enqueues data for the write loop. It never blocks on I/O; it blocks
// only while the internal queue (256 buffers deep) is full, and returns
// without queueing once the pipe has closed. WriteGauge pressure does not
// hold it back.
func (p *Pipe) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.enqueue([][]byte{buf})
}

// WriteVector enqueues a multi-part write (e.g. a frame header and its
// payload) as a single ordered unit, written with one vectored syscall when
// the underlying writer supports it.
func (p *Pipe) WriteVector(parts ...[]byte) {
	vec := make([][]byte, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		buf := make([]byte, len(part))
		copy(buf, part)
		vec = append(vec, buf)
	}
	if len(vec) == 0 {
		return
	}
	p.enqueue(vec)
}

func (p *Pipe) enqueue(vec [][]byte) {
	total := int64(0)
	for _, part := range vec {
		total += int64(len(part))
	}
	p.WriteGauge.Add(total)
	select {
	case p.writeCh <- vec:
	case <-p.closed:
	}
}

// CloseWrite half-closes the output side once any queued writes drain: a
// pipe whose output has a CloseWrite method (a socket, or a spawned child's
// stdin) gets that called. Per spec §9's open question, if it fails with
// ENOTSOCK we fall back to Close rather than treating it as fatal; any other
// error is fatal. A pipe without one (a PTY master, stdio) leaves its output
// open until the whole pipe is closed.
func (p *Pipe) CloseWrite() {
	p.closeWriteOnce.Do(func() {
		close(p.writeCh)
	})
}

// halfCloseOut half-closes the output side once the write queue has
// drained. Per spec §9's open question on flush semantics for non-socket
// fds, a shutdown failing with ENOTSOCK falls back to a full Close rather
// than being treated as fatal or silently ignored; any other error is
// fatal.
func (p *Pipe) halfCloseOut() {
	if p.writeHalfCloser == nil {
		return
	}
	if err := p.writeHalfCloser.CloseWrite(); err != nil {
		if isENOTSOCK(err) {
			p.Close()

			return
		}
		p.fail(problem.New(problem.InternalError, "shutdown: "+err.Error()))
	}
}

// Close tears the pipe down immediately: if a child process is attached it
// is sent SIGTERM (spec §4.5 "Teardown") and, unless another problem is
// already recorded, the problem is set to "terminated" at once; then both
// directions are closed. The reap event still arrives asynchronously.
func (p *Pipe) Close() {
	if p.reaper != nil {
		p.reaper.signalTerminate()
		p.mu.Lock()
		if p.prob == nil {
			p.prob = problem.New(problem.Terminated, "closed while child process was running")
		}
		p.mu.Unlock()
	}
	if p.closer != nil {
		_ = p.closer.Close()
	}
}

// Kill escalates a pending teardown to SIGKILL for an attached child. No
// caller in this module invokes it; Close sends only SIGTERM.
func (p *Pipe) Kill() {
	if p.reaper != nil {
		p.reaper.signalKill()
	}
}

func isENOTSOCK(err error) bool {
	return errors.Is(err, syscall.ENOTSOCK)
}
