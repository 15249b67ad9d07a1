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

// Package transport implements the framed byte-stream layer (spec §4.1): it
// wraps exactly one internal/pipe.Pipe, runs an internal/frame.Decoder over
// its read events, and exposes Send/Close plus Recv/Closed/Err signals to
// the multiplexer. The split mirrors the teacher's own separation between
// Session (owns the socket, runs recvLoop/sendLoop) and Stream (the
// per-channel consumer) — here Transport plays Session's role and
// internal/channel plays Stream's.
package transport

import (
	"github.com/cockpit-project/agent-bridge/internal/frame"
	"github.com/cockpit-project/agent-bridge/internal/pipe"
	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// Transport reads and writes frames over a single Pipe.
type Transport struct {
	pipe    *pipe.Pipe
	decoder *frame.Decoder

	recv   chan frame.Frame
	closed chan struct{}
	prob   *problem.Problem
	probCh chan *problem.Problem
}

// New wraps p, immediately starting the decode loop. maxFrameSize <= 0
// selects frame.DefaultMaxSize.
func New(p *pipe.Pipe, maxFrameSize int) *Transport {
	t := &Transport{
		pipe:    p,
		decoder: frame.NewDecoder(maxFrameSize),
		recv:    make(chan frame.Frame, 32),
		closed:  make(chan struct{}),
		probCh:  make(chan *problem.Problem, 1),
	}
	go t.run()

	return t
}

// Recv yields inbound frames (any channel id, including control frame "0")
// in arrival order.
func (t *Transport) Recv() <-chan frame.Frame { return t.recv }

// Closed fires once, after the underlying pipe has finished teardown and any
// buffered frames have been delivered.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// Err returns the reason Transport closed, valid once Closed() has fired. A
// clean peer-initiated shutdown with no partial frame pending returns nil.
func (t *Transport) Err() *problem.Problem { return t.prob }

// Send enqueues one frame for channel (spec §4.1 "Outbound framing"): header
// and body are written as two buffers through the pipe, which coalesces them
// with a vectored write when the underlying writer supports it.
func (t *Transport) Send(channel string, body []byte) {
	head, payload := frame.EncodeParts(channel, body)
	t.pipe.WriteVector(head, payload)
}

// Close initiates shutdown: it half-closes the outbound side so any frames
// already enqueued still drain, then tears the pipe down once the peer's
// side has also gone away. problem, if non-nil, is recorded as the reason
// once Closed() fires (unless the pipe itself already recorded one, e.g. a
// write error racing this call).
func (t *Transport) Close(prob *problem.Problem) {
	if prob != nil {
		select {
		case t.probCh <- prob:
		default:
		}
	}
	t.pipe.CloseWrite()
}

func (t *Transport) run() {
	for ev := range t.pipe.Reads() {
		if len(ev.Data) > 0 {
			frames, err := t.decoder.Feed(ev.Data)
			for _, f := range frames {
				t.recv <- f
			}
			if err != nil {
				t.fail(err.(*problem.Problem))
				t.pipe.Close()

				break
			}
		}
		if ev.EOF {
			if t.decoder.Pending() > 0 {
				t.fail(problem.New(problem.ProtocolError, "received truncated frame"))
			}

			break
		}
	}
	<-t.pipe.Closed()
	if t.prob == nil {
		if pp := t.pipe.Err(); pp != nil {
			t.prob = pp
		} else {
			select {
			case prob := <-t.probCh:
				t.prob = prob
			default:
			}
		}
	}
	close(t.closed)
}

func (t *Transport) fail(prob *problem.Problem) {
	if t.prob == nil {
		t.prob = prob
	}
}
