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

package channel

import (
	"context"
	"sync"

	"github.com/ezex-io/gopkg/logger"
	"github.com/ezex-io/gopkg/scheduler"

	"github.com/cockpit-project/agent-bridge/internal/frame"
	"github.com/cockpit-project/agent-bridge/internal/problem"
	"github.com/cockpit-project/agent-bridge/internal/transport"
)

// state is the multiplexer's own lifecycle (spec §4.2 "State machine").
type state int

const (
	stateOpened state = iota
	stateReady
	stateClosing
	stateClosed
)

// Factory builds a Kind for a freshly-opened channel, given the payload-
// specific options from the `open` control message. Returning an error
// rejects the open: the close frame carries the error's own code when it is
// a *problem.Problem, internal-error otherwise. The Channel passed in is
// never published to the channel table.
type Factory func(ch *Channel, options map[string]interface{}) (Kind, error)

// Multiplexer is M: it owns the init handshake, channel table, authorize
// cookie routing, and the open/close protocol (spec §4.2).
type Multiplexer struct {
	transport    *transport.Transport
	factories    map[string]Factory
	capabilities []string
	log          logger.Logger

	mu       sync.Mutex
	st       state
	channels map[string]*Channel
	waiters  map[string]chan control // authorize cookie -> reply waiter

	done chan struct{}
}

// New creates a Multiplexer over t. factories maps a payload name (e.g.
// "stream", "resource1") to the Kind constructor that handles it.
func New(t *transport.Transport, factories map[string]Factory, capabilities []string, log logger.Logger) *Multiplexer {
	return &Multiplexer{
		transport:    t,
		factories:    factories,
		capabilities: capabilities,
		log:          log,
		channels:     make(map[string]*Channel),
		waiters:      make(map[string]chan control),
		done:         make(chan struct{}),
	}
}

// Done fires once the multiplexer has torn down every channel following
// transport closure or a context cancellation.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// Run drives the dispatch loop until ctx is cancelled or the transport
// closes. It sends the initial `init` immediately (spec §4.2 "On connect, M
// sends an init").
func (m *Multiplexer) Run(ctx context.Context) {
	defer close(m.done)

	m.sendControl(newControl("init").merge(control{
		"version":      1,
		"capabilities": m.capabilities,
	}))

	for {
		select {
		case f, ok := <-m.transport.Recv():
			if !ok {
				continue
			}
			m.handleFrame(f)
		case <-m.transport.Closed():
			m.handleTransportClosed()

			return
		case <-ctx.Done():
			m.transport.Close(nil)
			<-m.transport.Closed()
			m.handleTransportClosed()

			return
		}
	}
}

func (m *Multiplexer) handleFrame(f frame.Frame) {
	if f.Channel == frame.ControlChannel {
		m.handleControl(f.Payload)

		return
	}

	m.mu.Lock()
	st := m.st
	ch := m.channels[f.Channel]
	m.mu.Unlock()

	if st != stateReady && st != stateOpened {
		return
	}
	if ch == nil {
		// Peer may have sent data after we closed the channel; not fatal
		// (spec §4.2 "On data ... if absent, silently drop").
		return
	}

	if ch.isReady() {
		ch.kind.Recv(ch, f.Payload)
	} else {
		ch.enqueuePreReady(f.Payload)
	}
}

func (m *Multiplexer) handleControl(body []byte) {
	c, err := decodeControl(body)
	if err != nil {
		m.fatal(err.(*problem.Problem))

		return
	}

	m.mu.Lock()
	st := m.st
	m.mu.Unlock()

	if st == stateOpened {
		if c.command() != "init" {
			m.fatal(problem.New(problem.ProtocolError, "expected init, got "+c.command()))

			return
		}
		m.mu.Lock()
		m.st = stateReady
		m.mu.Unlock()

		return
	}

	switch c.command() {
	case "open":
		m.handleOpen(c)
	case "done":
		m.handleDone(c)
	case "close":
		m.handleClose(c)
	case "authorize":
		m.handleAuthorize(c)
	case "options":
		m.handleChannelControl(c, "options")
	default:
		m.handleChannelControl(c, c.command())
	}
}

func (m *Multiplexer) handleOpen(c control) {
	id := c.channel()
	payload, _ := c.str("payload")

	m.mu.Lock()
	_, exists := m.channels[id]
	m.mu.Unlock()
	if id == "" || exists {
		m.fatal(problem.New(problem.ProtocolError, "open with reused or empty channel id"))

		return
	}

	factory, known := m.factories[payload]
	if !known {
		// Reject without ever instantiating a channel record (spec §4.2
		// "do not instantiate a channel record").
		m.sendControl(closeControl(id, problem.New(problem.NotSupported, "unknown payload: "+payload), nil))

		return
	}

	options := map[string]interface{}(c)
	ch := newChannel(m, id, payload, nil, options)
	kind, err := factory(ch, options)
	if err != nil {
		// Defer to the next scheduler turn so the caller (and any test)
		// observes at least one event before teardown, even though the
		// channel was never published (spec §4.2's synchronous-close
		// prohibition applies the same way here).
		prob, ok := problem.As(err)
		if !ok {
			prob = problem.New(problem.InternalError, err.Error())
		}
		scheduler.After(context.Background(), 0).Do(func(context.Context) {
			m.sendControl(closeControl(id, prob, nil))
		})

		return
	}
	ch.kind = kind

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()

	// Prepare runs synchronously but must never close the channel inline;
	// a Kind that wants to fail calls ch.Fail, which only schedules
	// teardown via teardownChannel below, never inline.
	kind.Prepare(ch, options)
}

func (m *Multiplexer) handleDone(c control) {
	ch := m.lookup(c.channel())
	if ch != nil {
		ch.deliverDone()
	}
}

func (m *Multiplexer) handleClose(c control) {
	ch := m.lookup(c.channel())
	if ch == nil {
		return
	}
	prob, _ := c.str("problem")
	var p *problem.Problem
	if prob != "" {
		p = problem.New(problem.Code(prob), "")
	}
	m.destroyChannel(ch, p)
}

func (m *Multiplexer) handleAuthorize(c control) {
	cookie, _ := c.str("cookie")
	m.mu.Lock()
	waiter, ok := m.waiters[cookie]
	if ok {
		delete(m.waiters, cookie)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Warn("dropping authorize reply for unknown cookie", "cookie", cookie)

		return
	}
	waiter <- c
}

func (m *Multiplexer) handleChannelControl(c control, command string) {
	ch := m.lookup(c.channel())
	if ch == nil {
		return
	}
	if !ch.kind.Control(ch, command, map[string]interface{}(c)) {
		m.log.Debug("unhandled channel control", "channel", ch.ID, "command", command)
	}
}

func (m *Multiplexer) lookup(id string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channels[id]
}

// teardownChannel is called by Channel.Fail: the Kind's Close hook runs
// first, since that is where a Kind stashes side-channel close options
// (exit-status, exit-signal, message, ...) into ch.CloseOptions(); only once
// Close has had the chance to populate them do we snapshot and emit the
// terminal close frame (spec §4.2 "Outbound close emission": "the close
// frame carries any side-channel options the subclass has stashed").
func (m *Multiplexer) teardownChannel(ch *Channel) {
	ch.kind.Close(ch, ch.closeProblem())
	prob, options := ch.snapshotClose()
	m.sendControl(closeControl(ch.ID, prob, options))

	m.mu.Lock()
	delete(m.channels, ch.ID)
	m.mu.Unlock()
}

// destroyChannel handles an inbound close: the peer is telling us to tear
// the channel down, so we run the Kind's teardown and drop it from the
// table without emitting our own close frame in reply (spec §4.2 "On close
// (inbound): tear down the channel; propagate its subclass's close; remove
// from map").
func (m *Multiplexer) destroyChannel(ch *Channel, prob *problem.Problem) {
	m.mu.Lock()
	delete(m.channels, ch.ID)
	m.mu.Unlock()
	ch.kind.Close(ch, prob)
}

func (m *Multiplexer) handleTransportClosed() {
	prob := m.transport.Err()
	if prob == nil {
		prob = problem.New(problem.Disconnected, "transport closed")
	}

	m.mu.Lock()
	m.st = stateClosed
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.kind.Close(ch, prob)
	}
}

func (m *Multiplexer) fatal(prob *problem.Problem) {
	m.log.Error("protocol error, closing transport", "error", prob.Error())
	m.transport.Close(prob)
}

func (m *Multiplexer) sendControl(c control) {
	m.transport.Send(frame.ControlChannel, encodeControl(c))
}

// Authorize emits an `authorize` challenge and blocks (the caller's own
// goroutine, not the dispatch loop) until a matching reply arrives or ctx is
// done (spec §4.2 "Authorize conversation").
func (m *Multiplexer) Authorize(ctx context.Context, cookie, challenge string) (response string, ok bool) {
	waiter := make(chan control, 1)
	m.mu.Lock()
	m.waiters[cookie] = waiter
	m.mu.Unlock()

	m.sendControl(newControl("authorize").merge(control{
		"cookie":    cookie,
		"challenge": challenge,
	}))

	select {
	case reply := <-waiter:
		resp, _ := reply.str("response")

		return resp, true
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, cookie)
		m.mu.Unlock()

		return "", false
	}
}

func (c control) merge(other control) control {
	for k, v := range other {
		c[k] = v
	}

	return c
}
