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

// Package stream implements the `stream`/`text-stream` channel payload
// (spec §4.6): glue between a internal/pipe.Pipe (a child process, a PTY, or
// a connected socket) and an internal/channel.Channel.
package stream

import (
	"bytes"
	"time"
	"unicode/utf8"

	"github.com/ezex-io/gopkg/logger"

	"github.com/cockpit-project/agent-bridge/internal/channel"
	"github.com/cockpit-project/agent-bridge/internal/pipe"
	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// Options mirrors the `open` fields this payload recognises (spec §4.6
// "Open").
type Options struct {
	Unix      string
	Spawn     []string
	Environ   []string
	Directory string
	PTY       bool
	Err       string // "out" | "ignore" | "message", default "out"
	Window    pipe.Window
	Batch     int
	LatencyMS int
	TextMode  bool // true for payload "text-stream"
}

// kind implements channel.Kind for a spawned/connected byte stream.
type kind struct {
	log     logger.Logger
	opts    Options
	p       *pipe.Pipe
	ptyP    ptyResizer
	spawned bool

	acc      []byte
	flushAt  time.Time
	pendingF *time.Timer
}

type ptyResizer interface {
	Resize(pipe.Window) error
}

// NewFactory returns a channel.Factory for the "stream" payload, or for
// "text-stream" when textMode is true; log receives per-open diagnostics.
func NewFactory(log logger.Logger, textMode bool) channel.Factory {
	return func(ch *channel.Channel, options map[string]interface{}) (channel.Kind, error) {
		opts, err := parseOptions(options, textMode)
		if err != nil {
			return nil, err
		}

		return &kind{log: log, opts: opts}, nil
	}
}

func parseOptions(raw map[string]interface{}, textMode bool) (Options, error) {
	opts := Options{TextMode: textMode, Err: "out"}

	unix, hasUnix := raw["unix"].(string)
	spawnRaw, hasSpawn := raw["spawn"].([]interface{})
	if hasUnix == hasSpawn {
		return opts, problem.New(problem.ProtocolError, "exactly one of unix or spawn is required")
	}
	if hasUnix {
		opts.Unix = unix
	}
	if hasSpawn {
		argv := make([]string, 0, len(spawnRaw))
		for _, a := range spawnRaw {
			s, ok := a.(string)
			if !ok {
				return opts, problem.New(problem.ProtocolError, "spawn must be an array of strings")
			}
			argv = append(argv, s)
		}
		if len(argv) == 0 {
			return opts, problem.New(problem.ProtocolError, "spawn requires a non-empty argv")
		}
		opts.Spawn = argv
	}

	if env, ok := raw["environ"].([]interface{}); ok {
		for _, e := range env {
			if s, ok := e.(string); ok {
				opts.Environ = append(opts.Environ, s)
			}
		}
	}
	if dir, ok := raw["directory"].(string); ok {
		opts.Directory = dir
	}
	if pty, ok := raw["pty"].(bool); ok {
		opts.PTY = pty
	}
	if errMode, ok := raw["err"].(string); ok {
		opts.Err = errMode
	}
	opts.Window = windowFrom(raw["window"])
	if batch, ok := asInt(raw["batch"]); ok {
		opts.Batch = batch
	}
	if latency, ok := asInt(raw["latency"]); ok {
		opts.LatencyMS = latency
	}

	return opts, nil
}

func windowFrom(raw interface{}) pipe.Window {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return pipe.DefaultWindow
	}
	w := pipe.DefaultWindow
	if rows, ok := asInt(m["rows"]); ok {
		w.Rows = clampU16(rows)
	}
	if cols, ok := asInt(m["cols"]); ok {
		w.Cols = clampU16(cols)
	}

	return w
}

func clampU16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}

	return uint16(v)
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}

	return 0, false
}

// Prepare opens the unix socket or spawns the process (spec §4.6 "Open"),
// wires flow control between the channel and its pipe (spec §4.4), and
// declares the channel ready.
func (k *kind) Prepare(ch *channel.Channel, options map[string]interface{}) {
	var (
		p   *pipe.Pipe
		err error
	)

	switch {
	case k.opts.Unix != "":
		p, err = pipe.Connect(ch.ID, "unix", k.opts.Unix)
	case k.opts.PTY:
		if k.opts.Err == "message" {
			// PTY sessions have no separate stderr stream; err is
			// silently ignored when combined with pty (spec §9,
			// test-pipe-channel.c).
			k.opts.Err = "out"
		}
		var pp *pipeWithResize
		pp, err = spawnPTY(ch.ID, k.opts)
		if err == nil {
			p = pp.Pipe
			k.ptyP = pp
		}
	default:
		p, err = spawnProcess(ch.ID, k.opts)
		k.spawned = true
	}

	if err != nil {
		prob, ok := problem.As(err)
		if !ok {
			prob = problem.New(problem.InternalError, err.Error())
		}
		k.log.Warn("stream open failed", "channel", ch.ID, "problem", prob.Code)
		ch.Fail(prob)

		return
	}

	k.p = p
	// Register both pressure edges (spec §4.4 "Wiring, inside M at channel
	// creation"): the pipe's write gauge onto ch.Flow, and the channel onto
	// the pipe's ReadFlow. Recv writes to the pipe without consulting
	// ch.Flow, and nothing adds to ch.Gauge, so neither edge pauses data.
	ch.ThrottleWith(p.WriteGauge, &p.ReadFlow)

	go k.pump(ch)

	ch.Ready()
}

// pump forwards pipe read events to the channel (batched if configured) and
// watches for pipe closure to emit the matching outbound done/close.
func (k *kind) pump(ch *channel.Channel) {
	for ev := range k.p.Reads() {
		if len(ev.Data) > 0 {
			k.deliver(ch, ev.Data, false)
		}
		if ev.EOF {
			k.deliver(ch, nil, true)
			ch.ControlSend("done", nil)

			break
		}
	}
	<-k.p.Closed()
	k.finish(ch)
}

// deliver implements batching (spec §4.6 "Batching"): chunks smaller than
// Batch bytes are coalesced for up to LatencyMS before being forwarded, and
// the UTF-8 scrub (spec §4.6 "UTF-8 policy") is applied to text-stream
// payloads right before each send.
func (k *kind) deliver(ch *channel.Channel, data []byte, eof bool) {
	if k.opts.Batch <= 0 {
		k.send(ch, data)

		return
	}

	k.acc = append(k.acc, data...)
	if eof || len(k.acc) >= k.opts.Batch {
		k.flush(ch)

		return
	}

	if k.pendingF == nil {
		latency := time.Duration(k.opts.LatencyMS) * time.Millisecond
		k.pendingF = time.AfterFunc(latency, func() { k.flush(ch) })
	}
}

func (k *kind) flush(ch *channel.Channel) {
	if k.pendingF != nil {
		k.pendingF.Stop()
		k.pendingF = nil
	}
	if len(k.acc) == 0 {
		return
	}
	chunk := k.acc
	k.acc = nil
	k.send(ch, chunk)
}

func (k *kind) send(ch *channel.Channel, data []byte) {
	if k.opts.TextMode {
		data = scrubUTF8(data)
	}
	ch.Send(data)
}

// scrubUTF8 replaces every invalid byte, and every NUL byte, with U+FFFD,
// matching the text-stream hard requirement (spec §4.6). A 0-byte payload is
// returned unchanged (the filter is a documented no-op on it).
func scrubUTF8(data []byte) []byte {
	if len(data) == 0 || (utf8.Valid(data) && bytes.IndexByte(data, 0) < 0) {
		return data
	}

	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if (r == utf8.RuneError && size <= 1) || r == 0 {
			out = append(out, "�"...)
			data = data[1:]

			continue
		}
		out = append(out, data[:size]...)
		data = data[size:]
	}

	return out
}

// Recv forwards inbound data into the child's stdin.
func (k *kind) Recv(ch *channel.Channel, body []byte) {
	if k.opts.TextMode {
		body = scrubUTF8(body)
	}
	k.p.Write(body)
}

// Control handles "done" (half-close the outbound pipe, spec §4.6 "Done
// semantics") and "options" (PTY resize, spec §4.5 "PTY").
func (k *kind) Control(ch *channel.Channel, command string, options map[string]interface{}) bool {
	switch command {
	case "done":
		k.p.CloseWrite()

		return true
	case "options":
		if k.ptyP == nil {
			return true
		}
		w := windowFrom(options["window"])
		if err := k.ptyP.Resize(w); err != nil {
			k.log.Warn("pty resize failed", "channel", ch.ID, "error", err.Error())
		}

		return true
	}

	return false
}

// Close attaches exit-status/signal close options for a spawned process
// (spec §4.6 "Done semantics": "On pipe close, attach exit-status/signal as
// close options (only if the pipe was a spawned process)").
func (k *kind) Close(ch *channel.Channel, prob *problem.Problem) {
	if k.p == nil {
		return
	}
	if k.spawned || k.ptyP != nil {
		opts := ch.CloseOptions()
		if status := k.p.ExitStatus(); status != nil {
			opts["exit-status"] = *status
		}
		if sig := k.p.ExitSignal(); sig != nil {
			opts["exit-signal"] = *sig
		}
		if log := k.p.StderrLog(); len(log) > 0 {
			opts["message"] = string(log)
		}
	}
	k.p.Close()
}

func (k *kind) finish(ch *channel.Channel) {
	ch.Fail(k.p.Err())
}
