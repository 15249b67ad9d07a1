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

// Package channel implements the channel base (C, spec §4.3) and the
// multiplexer (M, spec §4.2) that routes frames between the transport and
// each channel's concrete payload implementation (stream, resource, ...).
package channel

import (
	"context"
	"sync"

	"github.com/ezex-io/gopkg/scheduler"

	"github.com/cockpit-project/agent-bridge/internal/flow"
	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// Kind is implemented by a concrete payload type (internal/stream,
// internal/resource, ...). The multiplexer calls these synchronously from
// its single dispatch loop; a Kind must never block.
type Kind interface {
	// Prepare runs once, synchronously, during open. It may call
	// Channel.Fail to reject the open, but must not close the channel
	// itself (spec §4.2: "a freshly created channel MUST NOT be closed
	// synchronously inside open").
	Prepare(ch *Channel, options map[string]interface{})
	// Recv handles one inbound data frame, in order, after Ready.
	Recv(ch *Channel, body []byte)
	// Control handles a non-data control command addressed to this
	// channel ("done", "options", ...). Returning false means unhandled.
	Control(ch *Channel, command string, options map[string]interface{}) bool
	// Close tears down any kind-specific resources. Idempotent from the
	// Kind's point of view; the base Channel guarantees at most one call.
	Close(ch *Channel, prob *problem.Problem)
}

// Channel is the shared lifecycle and bookkeeping every payload type gets
// for free: identity, pre-ready buffering, ready/closed/done flags, and
// outbound framing through the owning Multiplexer.
type Channel struct {
	ID      string
	Payload string
	Options map[string]interface{}

	// Gauge is this channel's own backpressure signal, the one ThrottleWith
	// registers against a pipe's read flow (spec §4.4). Neither the base
	// package nor any Kind in this module adds bytes to it, so its
	// pressure stays clear.
	Gauge *flow.Gauge
	// Flow collects the flows whose pressure should pause this channel's
	// forwarding; Flow.Throttled() reports it. No Kind in this module
	// checks it.
	Flow flow.Controller

	mux  *Multiplexer
	kind Kind

	mu           sync.Mutex
	preReady     [][]byte
	ready        bool
	closed       bool
	sentDone     bool
	receivedDone bool
	closeProb    *problem.Problem
	closeOptions map[string]interface{}
}

// defaultHigh/defaultLow bound a channel's own Gauge. They match the pipe
// package's defaults (spec §5 "Resource policy" sets one high/low-water
// policy for the whole bridge); channels rarely queue much on their own
// account, since most backpressure lives in the pipe they wrap.
const (
	defaultHigh = 4 * 1024 * 1024
	defaultLow  = 1 * 1024 * 1024
)

func newChannel(mux *Multiplexer, id, payload string, kind Kind, options map[string]interface{}) *Channel {
	return &Channel{
		ID:      id,
		Payload: payload,
		Options: options,
		Gauge:   flow.NewGauge(defaultHigh, defaultLow),
		mux:     mux,
		kind:    kind,
	}
}

// Pressure implements flow.Flow: this channel counts as a blocker for
// anything throttled against it (spec §4.4 "pipe_flow throttles
// channel_flow" wiring, read in the opposite direction).
func (ch *Channel) Pressure() bool { return ch.Gauge.Pressure() }

// ThrottleWith wires a Kind's own associated pipe into the flow graph
// (spec §4.4 "Wiring, inside M at channel creation"): upstream's pressure
// pauses this channel's forwarding, and this channel's own pressure is
// registered against readFlow so the pipe stops reading when this channel
// can't keep up.
func (ch *Channel) ThrottleWith(upstream flow.Flow, readFlow *flow.Controller) {
	ch.Flow.Throttle(upstream)
	if readFlow != nil {
		readFlow.Throttle(ch)
	}
}

// Send writes one outbound data frame for this channel (spec §4.3
// "send(body)"). Allowed even before Ready, matching the invariant that the
// peer already saw open and will accept data for it.
func (ch *Channel) Send(body []byte) {
	ch.mux.transport.Send(ch.ID, body)
}

// Ready declares the channel ready (spec §4.3 invariant: "ready() drains
// the pre-ready queue in FIFO order through recv before any
// subsequently-arriving frame"), sends the outbound `ready` control, then
// replays whatever arrived early.
func (ch *Channel) Ready() {
	ch.mu.Lock()
	if ch.ready || ch.closed {
		ch.mu.Unlock()

		return
	}
	ch.ready = true
	queued := ch.preReady
	ch.preReady = nil
	ch.mu.Unlock()

	ch.mux.sendControl(newControl("ready").withChannel(ch.ID))
	for _, body := range queued {
		ch.kind.Recv(ch, body)
	}
}

// ControlSend emits a non-close control frame scoped to this channel (spec
// §4.3 "control_send(command, options)"), e.g. `authorize` or `options`.
func (ch *Channel) ControlSend(command string, options map[string]interface{}) {
	c := newControl(command).withChannel(ch.ID)
	for k, v := range options {
		c[k] = v
	}
	ch.mux.sendControl(c)
}

// CloseOptions returns the mutable side-channel bag a Kind stashes values
// into (exit-status, message, host-key, ...) before the channel closes
// (spec §4.3 "close_options() -> json").
func (ch *Channel) CloseOptions() map[string]interface{} {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closeOptions == nil {
		ch.closeOptions = make(map[string]interface{})
	}

	return ch.closeOptions
}

// Fail records prob as the channel's close reason and schedules teardown for
// the next scheduler turn. Safe to call multiple times; only the first
// problem sticks. Teardown is never run inline: a freshly opened channel
// must not be torn down synchronously inside open (spec §4.2), and Prepare
// is exactly where a Kind's own failure path calls this.
func (ch *Channel) Fail(prob *problem.Problem) {
	ch.mu.Lock()
	if ch.closeProb == nil {
		ch.closeProb = prob
	}
	alreadyClosing := ch.closed
	ch.closed = true
	ch.mu.Unlock()

	if !alreadyClosing {
		scheduler.After(context.Background(), 0).Do(func(context.Context) {
			ch.mux.teardownChannel(ch)
		})
	}
}

// deliverDone marks received_done and forwards the synthesised end-of-input
// signal to the Kind (spec §4.2 "On done").
func (ch *Channel) deliverDone() {
	ch.mu.Lock()
	ch.receivedDone = true
	ch.mu.Unlock()
	ch.kind.Control(ch, "done", nil)
}

// markSentDone flags that this channel has emitted its own outbound done.
func (ch *Channel) markSentDone() {
	ch.mu.Lock()
	already := ch.sentDone
	ch.sentDone = true
	ch.mu.Unlock()
	if !already {
		ch.mux.sendControl(newControl("done").withChannel(ch.ID))
	}
}

func (ch *Channel) isReady() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.ready
}

func (ch *Channel) enqueuePreReady(body []byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.preReady = append(ch.preReady, body)
}

func (ch *Channel) snapshotClose() (*problem.Problem, map[string]interface{}) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.closeProb, ch.closeOptions
}

// closeProblem returns the problem recorded so far, for handing to the
// Kind's Close hook before the final snapshot is taken.
func (ch *Channel) closeProblem() *problem.Problem {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.closeProb
}
