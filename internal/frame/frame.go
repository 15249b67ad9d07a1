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

// Package frame implements the wire codec described in spec §4.1/§6: a
// stream of frames, each `u32_be(N) || body`, where `body` is
// `<ascii digits channel-id> '\n' payload`. Channel id "0" is control.
//
// The decoder here is pull-based rather than blocking: callers feed it bytes
// as they arrive from a non-blocking pipe (internal/pipe) and drain whatever
// complete frames have accumulated, matching the single-threaded event-loop
// model in spec §5 rather than smux's one-goroutine-blocks-on-io.ReadFull
// style.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cockpit-project/agent-bridge/internal/problem"
)

// ControlChannel is the reserved channel id for control frames.
const ControlChannel = "0"

// DefaultMaxSize bounds a single frame's payload. The teacher's maxShaperSize
// bounds outstanding write requests; here we bound inbound frame size so a
// misbehaving peer cannot force unbounded buffering (spec §4.1 "Truncation").
const DefaultMaxSize = 256 * 1024 * 1024

const lengthPrefixSize = 4

// Frame is one fully decoded wire frame.
type Frame struct {
	Channel string
	Payload []byte
}

// Encode lays out a single frame as `u32_be(len) || "<channel>\n" || payload`
// and returns it as one contiguous buffer. Callers that want vectored I/O
// should use EncodeParts instead to avoid the copy.
func Encode(channel string, payload []byte) []byte {
	header, total := header(channel, payload)
	out := make([]byte, 0, lengthPrefixSize+total)
	out = append(out, lengthPrefix(total)...)
	out = append(out, header...)
	out = append(out, payload...)

	return out
}

// EncodeParts returns the frame split into header (length prefix + channel
// id + newline) and payload, so a caller with a vectored writer (see
// internal/transport, which hands both to pipe.WriteVector, where sing's
// bufio.WriteVectorised writes them) can write both without copying the
// payload into a combined buffer.
func EncodeParts(channel string, payload []byte) (head []byte, body []byte) {
	h, total := header(channel, payload)
	head = append(lengthPrefix(total), h...)

	return head, payload
}

func header(channel string, payload []byte) (head []byte, total int) {
	head = append([]byte(channel), '\n')
	total = len(head) + len(payload)

	return head, total
}

func lengthPrefix(n int) []byte {
	var buf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))

	return buf[:]
}

// Decoder incrementally parses a byte stream into frames. It is not
// goroutine-safe; it is meant to be owned by exactly one transport.
type Decoder struct {
	buf     []byte
	maxSize uint32
}

// NewDecoder creates a Decoder. maxSize <= 0 selects DefaultMaxSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &Decoder{maxSize: uint32(maxSize)}
}

// Feed appends newly-read bytes and returns every frame that is now fully
// buffered. A malformed length/channel-id prefix is fatal and reported as a
// *problem.Problem with Code == problem.ProtocolError.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var out []Frame
	for {
		f, consumed, err := d.tryParseOne()
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			return out, nil
		}
		d.buf = d.buf[consumed:]
		out = append(out, f)
	}
}

// Pending reports how many undecoded bytes are currently buffered. A
// non-zero value at clean EOF indicates a truncated frame (spec §4.1).
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) tryParseOne() (Frame, int, error) {
	if len(d.buf) < lengthPrefixSize {
		return Frame{}, 0, nil
	}

	n := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
	// n must stay within lengthPrefixSize of the int32 ceiling; reject
	// rather than let lengthPrefixSize+int(n) wrap into a small or negative
	// total on a platform where int is 32 bits.
	if n > math.MaxInt32-lengthPrefixSize {
		return Frame{}, 0, problem.New(problem.ProtocolError,
			fmt.Sprintf("frame length %d exceeds the int32 frame-size limit", n))
	}
	if n > d.maxSize {
		return Frame{}, 0, problem.New(problem.ProtocolError,
			fmt.Sprintf("frame of %d bytes exceeds maximum of %d", n, d.maxSize))
	}

	total := lengthPrefixSize + int(n)
	if len(d.buf) < total {
		return Frame{}, 0, nil
	}

	body := d.buf[lengthPrefixSize:total]

	nl := -1
	for i, b := range body {
		if b == '\n' {
			nl = i

			break
		}
		if b < '0' || b > '9' {
			return Frame{}, 0, problem.New(problem.ProtocolError,
				"malformed channel id in frame")
		}
	}
	if nl < 0 {
		return Frame{}, 0, problem.New(problem.ProtocolError,
			"frame body has no channel-id separator")
	}
	if nl == 0 {
		return Frame{}, 0, problem.New(problem.ProtocolError,
			"frame has empty channel id")
	}

	channel := string(body[:nl])
	payload := body[nl+1:]

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Frame{Channel: channel, Payload: payloadCopy}, total, nil
}
