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

// Package flow implements the pressure/throttle graph described in spec
// §4.4: every pipe and every channel exposes a boolean "pressure" signal, and
// each can be told "pause your own inbound reads whenever that other flow
// has pressure". The multiplexer wires pipe↔channel pairs together at
// channel-creation time; neither side needs to know who is downstream of it.
package flow

import "sync"

// Flow is anything that can report whether it currently wants its upstream
// to slow down.
type Flow interface {
	Pressure() bool
}

// Controller is embedded by a producer (pipe read loop, channel recv path)
// to ask "should I pause reading right now?". It accumulates zero or more
// Flows whose pressure should hold it back.
type Controller struct {
	mu       sync.RWMutex
	blockers []Flow
}

// Throttle registers by as a flow whose pressure should pause the owner of
// this Controller. Safe to call from any goroutine; cheap enough to call
// from the hot path if ever needed, though in practice it is called once at
// channel-open time (spec §4.4 "Wiring, inside M at channel creation").
func (c *Controller) Throttle(by Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockers = append(c.blockers, by)
}

// Throttled reports whether any registered blocker currently has pressure.
func (c *Controller) Throttled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.blockers {
		if b != nil && b.Pressure() {
			return true
		}
	}

	return false
}

// Gauge is a hysteresis-based Flow: pressure is raised once Add crosses the
// high-water mark and cleared only once it falls back under the low-water
// mark, so a producer oscillating right at the boundary doesn't flap.
type Gauge struct {
	mu       sync.Mutex
	bytes    int64
	high, low int64
	pressure bool
}

// NewGauge creates a Gauge. A low of 0 and high of 0 means "always clear"
// (no pressure is ever raised), which is a valid and sometimes-useful
// configuration for flows that never want to throttle their peer.
func NewGauge(high, low int64) *Gauge {
	return &Gauge{high: high, low: low}
}

// Add adjusts the tracked byte count by delta (positive when queuing more
// output, negative when draining it) and recomputes pressure.
func (g *Gauge) Add(delta int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bytes += delta
	if g.bytes < 0 {
		g.bytes = 0
	}
	if !g.pressure && g.high > 0 && g.bytes > g.high {
		g.pressure = true
	} else if g.pressure && g.bytes <= g.low {
		g.pressure = false
	}
}

// Pressure implements Flow.
func (g *Gauge) Pressure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.pressure
}

// Bytes reports the currently tracked byte count, for diagnostics.
func (g *Gauge) Bytes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.bytes
}
